package pull

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the buffer bound used when New is called with a capacity <= 0.
const DefaultCapacity = 256

var (
	// ErrClosed is returned by Push once the iterator has been closed.
	ErrClosed = errors.New("pull: iterator closed")
	// ErrConcurrentPull is returned when Pull is called while another Pull is still waiting.
	ErrConcurrentPull = errors.New("pull: concurrent pull on single-consumer iterator")
)

// Iterator is a single-producer, single-consumer mailbox that turns pushed values
// into a pull-based sequence.
//
// The zero value is not usable, create one with New.
type Iterator[T any] struct {
	mu       sync.Mutex
	buffer   []T
	head     int
	waiter   chan T
	space    chan struct{} // closed when a value leaves a full buffer
	closed   bool
	done     chan struct{}
	capacity int
}

// New creates an open iterator that buffers at most capacity values.
func New[T any](capacity int) *Iterator[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Iterator[T]{
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Push hands the value to a waiting Pull, or appends it to the buffer. When the
// buffer is full Push blocks until the consumer takes a value, the iterator is
// closed or ctx is done.
func (it *Iterator[T]) Push(ctx context.Context, value T) error {
	it.mu.Lock()
	for {
		if it.closed {
			it.mu.Unlock()
			return ErrClosed
		}

		if it.waiter != nil {
			// waiter has room for exactly one value and nobody else writes to it
			it.waiter <- value
			it.waiter = nil
			it.mu.Unlock()
			return nil
		}

		if it.size() < it.capacity {
			it.append(value)
			it.mu.Unlock()
			return nil
		}

		if it.space == nil {
			it.space = make(chan struct{})
		}
		space := it.space
		it.mu.Unlock()

		select {
		case <-space:
		case <-it.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		it.mu.Lock()
	}
}

func (it *Iterator[T]) append(value T) {
	if it.head > 0 && len(it.buffer) == cap(it.buffer) {
		n := copy(it.buffer, it.buffer[it.head:])
		clear(it.buffer[n:])
		it.buffer = it.buffer[:n]
		it.head = 0
	}
	it.buffer = append(it.buffer, value)
}

// Pull returns the next value. The boolean is false once the iterator is closed,
// buffered values are not drained after Close.
//
// When nothing is buffered Pull blocks until a value is pushed, the iterator is
// closed or ctx is done.
func (it *Iterator[T]) Pull(ctx context.Context) (T, bool, error) {
	var zero T

	it.mu.Lock()
	if it.size() > 0 {
		value := it.pop()
		it.mu.Unlock()
		return value, true, nil
	}
	if it.closed {
		it.mu.Unlock()
		return zero, false, nil
	}
	if it.waiter != nil {
		it.mu.Unlock()
		return zero, false, ErrConcurrentPull
	}
	waiter := make(chan T, 1)
	it.waiter = waiter
	it.mu.Unlock()

	select {
	case value := <-waiter:
		return value, true, nil
	case <-it.done:
		return zero, false, nil
	case <-ctx.Done():
		it.mu.Lock()
		if it.waiter == waiter {
			it.waiter = nil
			it.mu.Unlock()
			return zero, false, ctx.Err()
		}
		it.mu.Unlock()

		// a push or close got to the waiter first
		select {
		case value := <-waiter:
			return value, true, nil
		default:
			return zero, false, nil
		}
	}
}

// Close moves the iterator to its terminal state. A pending Pull returns
// immediately, a blocked Push fails with ErrClosed and anything still buffered
// is dropped. Close is idempotent.
func (it *Iterator[T]) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return
	}
	it.closed = true
	it.waiter = nil
	it.buffer = nil
	it.head = 0
	close(it.done)
}

// Done is closed when the iterator is closed.
func (it *Iterator[T]) Done() <-chan struct{} {
	return it.done
}

// Closed reports whether Close has been called.
func (it *Iterator[T]) Closed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.closed
}

// Len returns the number of buffered values.
func (it *Iterator[T]) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.size()
}

// Waiting reports whether a Pull is currently suspended.
func (it *Iterator[T]) Waiting() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.waiter != nil
}

func (it *Iterator[T]) size() int {
	return len(it.buffer) - it.head
}

func (it *Iterator[T]) pop() T {
	var zero T
	value := it.buffer[it.head]
	it.buffer[it.head] = zero
	it.head++
	if it.head == len(it.buffer) {
		it.buffer = it.buffer[:0]
		it.head = 0
	}
	if it.space != nil {
		close(it.space)
		it.space = nil
	}
	return value
}
