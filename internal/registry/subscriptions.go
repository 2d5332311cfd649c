package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/alphadose/haxmap"
)

var (
	// ErrUnknownSubscription is returned when an id is not (or no longer) registered.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrDuplicateConsumer is returned when a consumer tag is already owned by a live subscription.
	ErrDuplicateConsumer = errors.New("consumer already registered")
)

// ID identifies a live subscription. Ids are never reused within a registry.
type ID uint64

// Subscription ties a trigger to its queue, broker consumer and whatever state the
// owner keeps for it.
type Subscription[S any] struct {
	ID          ID
	Trigger     string
	Queue       string
	ConsumerTag string
	State       S
}

// Subscriptions maps subscription ids to live subscriptions.
type Subscriptions[S any] struct {
	lastID  atomic.Uint64
	entries *haxmap.Map[ID, Subscription[S]]
	tags    *haxmap.Map[string, ID]
}

// NewSubscriptions creates an empty subscription registry.
func NewSubscriptions[S any]() *Subscriptions[S] {
	return &Subscriptions[S]{
		entries: haxmap.New[ID, Subscription[S]](),
		tags:    haxmap.New[string, ID](),
	}
}

// Register assigns a fresh id to sub and stores it. The ID field of sub is ignored.
func (r *Subscriptions[S]) Register(sub Subscription[S]) (ID, error) {
	id := ID(r.lastID.Add(1))
	if sub.ConsumerTag != "" {
		if owner, loaded := r.tags.GetOrSet(sub.ConsumerTag, id); loaded {
			return 0, fmt.Errorf("%w: tag %q belongs to subscription %d", ErrDuplicateConsumer, sub.ConsumerTag, owner)
		}
	}
	sub.ID = id
	r.entries.Set(id, sub)
	return id, nil
}

// Lookup returns the subscription registered under id.
func (r *Subscriptions[S]) Lookup(id ID) (Subscription[S], bool) {
	return r.entries.Get(id)
}

// Remove claims the subscription and deletes it. Of several concurrent removals of
// the same id exactly one succeeds.
func (r *Subscriptions[S]) Remove(id ID) (Subscription[S], error) {
	sub, ok := r.entries.GetAndDel(id)
	if !ok {
		return sub, fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	if sub.ConsumerTag != "" {
		r.tags.Del(sub.ConsumerTag)
	}
	return sub, nil
}

// Len returns the number of live subscriptions.
func (r *Subscriptions[S]) Len() int {
	return int(r.entries.Len())
}

// IDs returns the live ids in ascending order.
func (r *Subscriptions[S]) IDs() []ID {
	var ids []ID
	r.entries.ForEach(func(id ID, _ Subscription[S]) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Range calls fn for every live subscription until fn returns false.
func (r *Subscriptions[S]) Range(fn func(Subscription[S]) bool) {
	r.entries.ForEach(func(_ ID, sub Subscription[S]) bool {
		return fn(sub)
	})
}
