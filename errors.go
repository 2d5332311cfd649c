package triggerbus

import (
	"errors"

	"github.com/casualjim/triggerbus/internal/registry"
	"github.com/casualjim/triggerbus/pkg/pull"
)

var (
	// ErrTransport means the broker could not be reached or the channel is gone.
	// Publish does not retry, the caller decides.
	ErrTransport = errors.New("triggerbus: transport failure")
	// ErrTopology means a declare, bind or consume failed while subscribing.
	// No subscription is registered and the queue has been rolled back.
	ErrTopology = errors.New("triggerbus: topology failure")
	// ErrUnknownSubscription is returned for ids that are not registered, this
	// includes a second Unsubscribe of the same id.
	ErrUnknownSubscription = registry.ErrUnknownSubscription
	// ErrConcurrentPull is returned when a second pull is issued while one is
	// still waiting on the same iterator.
	ErrConcurrentPull = pull.ErrConcurrentPull
	// ErrInvalidEvent is returned when a delivery is not a valid event envelope.
	ErrInvalidEvent = errors.New("triggerbus: invalid event")
	// ErrNoTriggers is returned by AsyncIterator when it is called without triggers.
	ErrNoTriggers = errors.New("triggerbus: at least one trigger is required")
)
