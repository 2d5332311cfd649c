package triggerbus

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/casualjim/triggerbus/pkg/pull"
)

// Iterator is a cancellable lazy sequence of events for one or more triggers.
// It has a single consumer: Next must not be called concurrently.
type Iterator struct {
	engine *Engine
	sink   *pull.Iterator[Event]
	ids    []SubscriptionID

	once sync.Once
	err  error

	mu   sync.Mutex
	stop func() bool
}

// AsyncIterator subscribes to every trigger and merges their events into one
// sequence. Cancelling ctx has the same effect as calling Return.
func (e *Engine) AsyncIterator(ctx context.Context, triggers ...string) (*Iterator, error) {
	if len(triggers) == 0 {
		return nil, ErrNoTriggers
	}

	f := newFeed(e.options.BufferSize)
	ids := make([]SubscriptionID, 0, len(triggers))
	for _, trigger := range triggers {
		id, err := e.subscribe(ctx, trigger, f)
		if err != nil {
			f.sink.Close()
			for _, done := range ids {
				_ = e.Unsubscribe(context.WithoutCancel(ctx), done)
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	it := &Iterator{engine: e, sink: f.sink, ids: ids}
	it.mu.Lock()
	it.stop = context.AfterFunc(ctx, func() {
		_ = it.Return(context.WithoutCancel(ctx))
	})
	it.mu.Unlock()
	return it, nil
}

// Next returns the next event. The boolean is false once the iterator is done.
// Next blocks until an event arrives, the iterator is returned or ctx is done.
func (it *Iterator) Next(ctx context.Context) (Event, bool, error) {
	return it.sink.Pull(ctx)
}

// Return cancels the iterator and unsubscribes from every trigger. A pending Next
// resolves with done right away. Return blocks until the teardown completes and only
// the first call reports teardown errors, later calls return nil.
func (it *Iterator) Return(ctx context.Context) error {
	first := false
	it.once.Do(func() {
		first = true

		it.mu.Lock()
		stop := it.stop
		it.mu.Unlock()
		if stop != nil {
			stop()
		}

		it.sink.Close()
		var errs []error
		for _, id := range it.ids {
			// the engine may have been closed underneath us
			if err := it.engine.Unsubscribe(ctx, id); err != nil && !errors.Is(err, ErrUnknownSubscription) {
				errs = append(errs, err)
			}
		}
		it.err = errors.Join(errs...)
	})
	if !first {
		return nil
	}
	return it.err
}

// Done is closed once the iterator has been returned.
func (it *Iterator) Done() <-chan struct{} {
	return it.sink.Done()
}

// SubscriptionIDs returns the subscriptions feeding this iterator. Unsubscribing
// one of them stops its trigger only, the iterator stays open for the others.
func (it *Iterator) SubscriptionIDs() []SubscriptionID {
	return append([]SubscriptionID(nil), it.ids...)
}

// All ranges over the events until the iterator is done or Next fails, in which
// case the error is yielded last. Breaking out of the loop calls Return.
func (it *Iterator) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, ok, err := it.Next(ctx)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(event, nil) {
				_ = it.Return(context.WithoutCancel(ctx))
				return
			}
		}
	}
}
