// Package filter narrows an event sequence with predicates evaluated after each
// pull. Filtering never touches delivery: the underlying sequence keeps its order and
// stays open when a predicate fails.
package filter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"

	"github.com/casualjim/triggerbus"
	json "github.com/goccy/go-json"
)

// ErrFilterEvaluation wraps errors returned by a predicate.
var ErrFilterEvaluation = errors.New("filter: predicate evaluation failed")

// Predicate decides whether an event is passed on.
type Predicate func(ctx context.Context, event triggerbus.Event) (bool, error)

// Source is a cancellable event sequence, such as *triggerbus.Iterator.
type Source interface {
	Next(ctx context.Context) (triggerbus.Event, bool, error)
	Return(ctx context.Context) error
}

var _ Source = (*triggerbus.Iterator)(nil)
var _ Source = (*Iterator)(nil)

// Iterator yields the events of its source that satisfy the predicate.
type Iterator struct {
	source    Source
	predicate Predicate
}

// With filters source with predicate. A nil predicate passes everything.
func With(source Source, predicate Predicate) *Iterator {
	if predicate == nil {
		predicate = func(context.Context, triggerbus.Event) (bool, error) { return true, nil }
	}
	return &Iterator{source: source, predicate: predicate}
}

// Next pulls from the source until an event satisfies the predicate. A predicate
// error is returned wrapped in ErrFilterEvaluation, the event is skipped and the
// source stays open.
func (it *Iterator) Next(ctx context.Context) (triggerbus.Event, bool, error) {
	for {
		event, ok, err := it.source.Next(ctx)
		if err != nil || !ok {
			return event, ok, err
		}

		keep, err := it.predicate(ctx, event)
		if err != nil {
			return triggerbus.Event{}, false, fmt.Errorf("%w: event %s: %w", ErrFilterEvaluation, event.ID, err)
		}
		if keep {
			return event, true, nil
		}
	}
}

// Return cancels the source.
func (it *Iterator) Return(ctx context.Context) error {
	return it.source.Return(ctx)
}

// All ranges over the matching events. Predicate errors are yielded and the loop
// carries on, any other error ends it. Breaking out of the loop calls Return.
func (it *Iterator) All(ctx context.Context) iter.Seq2[triggerbus.Event, error] {
	return func(yield func(triggerbus.Event, error) bool) {
		for {
			event, ok, err := it.Next(ctx)
			switch {
			case errors.Is(err, ErrFilterEvaluation):
				if !yield(event, err) {
					_ = it.Return(context.WithoutCancel(ctx))
					return
				}
				continue
			case err != nil:
				yield(event, err)
				return
			case !ok:
				return
			}
			if !yield(event, nil) {
				_ = it.Return(context.WithoutCancel(ctx))
				return
			}
		}
	}
}

// Path matches events whose payload holds value at the gjson path. Values are
// compared after a JSON round trip, so 1 and 1.0 are equal.
func Path(path string, value any) Predicate {
	want, err := normalize(value)
	return func(_ context.Context, event triggerbus.Event) (bool, error) {
		if err != nil {
			return false, err
		}
		got := event.Get(path)
		if !got.Exists() {
			return false, nil
		}
		return reflect.DeepEqual(got.Value(), want), nil
	}
}

// Exists matches events whose payload has a value at the gjson path.
func Exists(path string) Predicate {
	return func(_ context.Context, event triggerbus.Event) (bool, error) {
		return event.Get(path).Exists(), nil
	}
}

// Trigger matches events published with one of the given triggers.
func Trigger(triggers ...string) Predicate {
	set := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		set[t] = struct{}{}
	}
	return func(_ context.Context, event triggerbus.Event) (bool, error) {
		_, ok := set[event.Trigger]
		return ok, nil
	}
}

// All matches when every predicate matches. It stops at the first miss or error.
func All(predicates ...Predicate) Predicate {
	return func(ctx context.Context, event triggerbus.Event) (bool, error) {
		for _, p := range predicates {
			ok, err := p(ctx, event)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any matches when at least one predicate matches. It stops at the first match or error.
func Any(predicates ...Predicate) Predicate {
	return func(ctx context.Context, event triggerbus.Event) (bool, error) {
		for _, p := range predicates {
			ok, err := p(ctx, event)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
}

// Not inverts a predicate.
func Not(predicate Predicate) Predicate {
	return func(ctx context.Context, event triggerbus.Event) (bool, error) {
		ok, err := predicate(ctx, event)
		return !ok && err == nil, err
	}
}

func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
