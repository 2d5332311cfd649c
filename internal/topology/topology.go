// Package topology declares the exchange, per-subscription queues and the bindings
// between triggers and queues.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/internal/registry"
	"github.com/casualjim/triggerbus/pkg/slogx"
)

// Topology owns the broker layout for one engine.
type Topology struct {
	ch       broker.Channel
	exchange broker.ExchangeSpec
	queue    broker.QueueSpec
	declared registry.Registry[broker.ExchangeSpec]
	logger   *slog.Logger
}

// New creates a Topology that declares exchange and subscriber queues shaped like queue
// on ch. The queue name is always left to the broker.
func New(ch broker.Channel, exchange broker.ExchangeSpec, queue broker.QueueSpec, logger *slog.Logger) *Topology {
	if logger == nil {
		logger = slog.Default()
	}
	queue.Name = ""
	return &Topology{
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		declared: registry.New[broker.ExchangeSpec](),
		logger:   logger,
	}
}

// Exchange returns the exchange every subscriber queue is bound to.
func (t *Topology) Exchange() string {
	return t.exchange.Name
}

// EnsureExchange declares the exchange the first time it is called. Only success is
// remembered, a failed declare is retried on the next call.
func (t *Topology) EnsureExchange(ctx context.Context) error {
	if _, ok := t.declared.Get(t.exchange.Name); ok {
		return nil
	}
	if err := t.ch.DeclareExchange(ctx, t.exchange); err != nil {
		return fmt.Errorf("declare exchange %q: %w", t.exchange.Name, err)
	}
	t.declared.Add(t.exchange.Name, t.exchange)
	t.logger.Debug("declared exchange", slog.String("exchange", t.exchange.Name), slog.String("kind", t.exchange.Kind))
	return nil
}

// DeclareSubscriberQueue declares a fresh queue with a broker-assigned name.
func (t *Topology) DeclareSubscriberQueue(ctx context.Context) (string, error) {
	name, err := t.ch.DeclareQueue(ctx, t.queue)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}
	return name, nil
}

// Bind routes messages published with routing key trigger to queue.
func (t *Topology) Bind(ctx context.Context, queue, trigger string) error {
	if err := t.ch.BindQueue(ctx, queue, t.exchange.Name, trigger); err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", queue, trigger, err)
	}
	return nil
}

// UnbindAndDelete deletes queue together with its bindings. A queue that is already
// gone is not an error.
func (t *Topology) UnbindAndDelete(ctx context.Context, queue string) error {
	err := t.ch.DeleteQueue(ctx, queue)
	if err == nil || errors.Is(err, broker.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete queue %q: %w", queue, err)
}

// Provision declares the exchange when needed, then a new queue bound to trigger.
// A queue that cannot be bound is deleted before the error is returned. When that
// delete fails too the queue name comes back with the bind error so the caller
// can remove it some other way.
func (t *Topology) Provision(ctx context.Context, trigger string) (string, error) {
	if err := t.EnsureExchange(ctx); err != nil {
		return "", err
	}
	queue, err := t.DeclareSubscriberQueue(ctx)
	if err != nil {
		return "", err
	}
	if err := t.Bind(ctx, queue, trigger); err != nil {
		if rerr := t.UnbindAndDelete(context.WithoutCancel(ctx), queue); rerr != nil {
			t.logger.Warn("failed to roll back queue", slogx.Queue(queue), slogx.Trigger(trigger), slogx.Error(rerr))
			return queue, fmt.Errorf("%w (queue %q left behind: %v)", err, queue, rerr)
		}
		return "", err
	}
	return queue, nil
}
