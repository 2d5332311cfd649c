package registry

import "github.com/alphadose/haxmap"

// Registry is a concurrent name-keyed cache.
type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T)
	Len() int
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

// New creates an empty Registry.
func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(name, value)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}
