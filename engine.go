package triggerbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/internal/registry"
	"github.com/casualjim/triggerbus/internal/topology"
	"github.com/casualjim/triggerbus/pkg/pull"
	"github.com/casualjim/triggerbus/pkg/slogx"
	"github.com/fogfish/opts"
)

// SubscriptionID identifies a live subscription of an Engine.
type SubscriptionID = registry.ID

type subscription = registry.Subscription[*subscriber]

// session is a broker channel together with the topology declared on it.
type session struct {
	ch       broker.Channel
	topology *topology.Topology
}

// feed is the pull side shared by the subscriptions that write into it. The sink
// is closed when the last of them goes away.
type feed struct {
	sink *pull.Iterator[Event]
	refs atomic.Int64
}

func newFeed(capacity int) *feed {
	return &feed{sink: pull.New[Event](capacity)}
}

func (f *feed) release() {
	if f.refs.Add(-1) <= 0 {
		f.sink.Close()
	}
}

// subscriber is what the engine keeps per subscription. Each one consumes on its
// own channel, so a channel-level failure stays with the subscription that caused it.
type subscriber struct {
	feed    *feed
	session *session
	// stop wakes a delivery blocked on a full feed
	stop context.CancelFunc
	ctx  context.Context
}

// Engine bridges a broker to pull-based event streams. Every subscription gets its
// own queue bound to the engine's exchange, so fan-out happens in the broker.
type Engine struct {
	conn    broker.Connection
	options Options
	subs    *registry.Subscriptions[*subscriber]
	metrics *engineMetrics
	logger  *slog.Logger
	closed  atomic.Bool

	mu      sync.Mutex
	control *session // publishes and cleanup, reopened after the channel is lost
}

// New creates an engine on a caller-owned connection. Publishes share one channel,
// every subscription opens its own.
func New(conn broker.Connection, options ...opts.Option[Options]) (*Engine, error) {
	if conn == nil {
		return nil, errors.New("triggerbus: a broker connection is required")
	}

	o := DefaultOptions()
	if err := opts.Apply(&o, options); err != nil {
		return nil, err
	}
	if o.Exchange.Name == "" {
		return nil, errors.New("triggerbus: exchange name is required")
	}
	if o.Exchange.Kind == "" {
		o.Exchange.Kind = broker.KindTopic
	}
	if o.BufferSize <= 0 {
		o.BufferSize = pull.DefaultCapacity
	}

	metrics, err := newEngineMetrics(o.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("triggerbus: create metrics: %w", err)
	}

	e := &Engine{
		conn:    conn,
		options: o,
		subs:    registry.NewSubscriptions[*subscriber](),
		metrics: metrics,
		logger:  o.Logger,
	}
	if _, err := e.controlSession(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", ErrTransport, err)
	}
	return e, nil
}

func (e *Engine) openSession(ctx context.Context) (*session, error) {
	ch, err := e.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	return &session{
		ch:       ch,
		topology: topology.New(ch, e.options.Exchange, e.options.Queue, e.logger),
	}, nil
}

// controlSession returns the shared channel, opening a new one when the previous
// channel was lost.
func (e *Engine) controlSession(ctx context.Context) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.control != nil {
		return e.control, nil
	}
	if e.closed.Load() {
		return nil, broker.ErrClosed
	}
	s, err := e.openSession(ctx)
	if err != nil {
		return nil, err
	}
	e.control = s
	return s, nil
}

// discard forgets the control session when err says its channel is gone.
func (e *Engine) discard(s *session, err error) {
	if !errors.Is(err, broker.ErrClosed) {
		return
	}
	e.mu.Lock()
	current := e.control == s
	if current {
		e.control = nil
	}
	e.mu.Unlock()
	if current {
		_ = s.ch.Close()
		e.logger.Debug("dropped broker channel", slogx.Error(err))
	}
}

// Publish routes payload to every subscription of trigger. It does not retry, a
// broker failure is returned wrapped in ErrTransport. A lost channel is replaced
// on the next call.
func (e *Engine) Publish(ctx context.Context, trigger string, payload any) error {
	if e.closed.Load() {
		return fmt.Errorf("%w: publish %q: %w", ErrTransport, trigger, broker.ErrClosed)
	}

	event, err := newEvent(trigger, payload)
	if err != nil {
		return err
	}
	body, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %w", ErrInvalidEvent, err)
	}

	s, err := e.controlSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: publish %q: %w", ErrTransport, trigger, err)
	}
	if err := s.topology.EnsureExchange(ctx); err != nil {
		e.discard(s, err)
		return fmt.Errorf("%w: publish %q: %w", ErrTransport, trigger, err)
	}
	err = s.ch.Publish(ctx, s.topology.Exchange(), e.options.routingKey(trigger), broker.Message{
		ID:          event.ID.String(),
		ContentType: contentType,
		Timestamp:   time.Time(event.Timestamp),
		Body:        body,
	})
	if err != nil {
		e.discard(s, err)
		return fmt.Errorf("%w: publish %q: %w", ErrTransport, trigger, err)
	}

	e.metrics.publish(ctx, trigger)
	return nil
}

// Subscribe creates an independent subscription to trigger. Its events are pulled
// through Iterator(id) until Unsubscribe is called.
func (e *Engine) Subscribe(ctx context.Context, trigger string) (SubscriptionID, error) {
	return e.subscribe(ctx, trigger, newFeed(e.options.BufferSize))
}

func (e *Engine) subscribe(ctx context.Context, trigger string, f *feed) (SubscriptionID, error) {
	if e.closed.Load() {
		return 0, fmt.Errorf("%w: subscribe %q: %w", ErrTransport, trigger, broker.ErrClosed)
	}

	s, err := e.openSession(ctx)
	if err != nil {
		return 0, subscribeErr(trigger, err)
	}
	if err := s.ch.Prefetch(ctx, e.options.BufferSize); err != nil {
		e.closeSession(s)
		return 0, subscribeErr(trigger, err)
	}

	queue, err := s.topology.Provision(ctx, e.options.routingKey(trigger))
	if err != nil {
		if queue != "" {
			e.rollback(ctx, s, trigger, queue)
		}
		e.closeSession(s)
		return 0, subscribeErr(trigger, err)
	}

	sctx, stop := context.WithCancel(context.Background())
	sub := &subscriber{feed: f, session: s, stop: stop, ctx: sctx}

	tag, err := s.ch.Consume(ctx, queue, e.deliver(trigger, queue, sub))
	if err != nil {
		stop()
		e.rollback(ctx, s, trigger, queue)
		e.closeSession(s)
		return 0, subscribeErr(trigger, err)
	}

	f.refs.Add(1)
	e.metrics.subscribed(trigger)
	id, err := e.subs.Register(subscription{
		Trigger:     trigger,
		Queue:       queue,
		ConsumerTag: tag,
		State:       sub,
	})
	if err != nil {
		stop()
		f.refs.Add(-1)
		e.metrics.unsubscribed(trigger)
		if cerr := s.ch.Cancel(context.WithoutCancel(ctx), tag); cerr != nil {
			e.logger.Warn("failed to cancel consumer", slogx.ConsumerTag(tag), slogx.Error(cerr))
		}
		e.rollback(ctx, s, trigger, queue)
		e.closeSession(s)
		return 0, fmt.Errorf("%w: subscribe %q: %w", ErrTopology, trigger, err)
	}

	// Close may have taken its snapshot of the registry before we got in
	if e.closed.Load() {
		if err := e.Unsubscribe(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, ErrUnknownSubscription) {
			e.logger.Warn("failed to undo subscription after close", slogx.SubscriptionID(uint64(id)), slogx.Error(err))
		}
		return 0, fmt.Errorf("%w: subscribe %q: %w", ErrTransport, trigger, broker.ErrClosed)
	}

	e.logger.Debug("subscribed",
		slogx.SubscriptionID(uint64(id)),
		slogx.Trigger(trigger),
		slogx.Queue(queue),
		slogx.ConsumerTag(tag),
	)
	return id, nil
}

func subscribeErr(trigger string, err error) error {
	if errors.Is(err, broker.ErrClosed) {
		return fmt.Errorf("%w: subscribe %q: %w", ErrTransport, trigger, err)
	}
	return fmt.Errorf("%w: subscribe %q: %w", ErrTopology, trigger, err)
}

func (e *Engine) rollback(ctx context.Context, s *session, trigger, queue string) {
	if err := e.removeQueue(context.WithoutCancel(ctx), s, queue); err != nil {
		e.logger.Warn("failed to roll back queue", slogx.Trigger(trigger), slogx.Queue(queue), slogx.Error(err))
	}
}

// removeQueue deletes queue through s, or through the control channel when s has
// been closed by the broker.
func (e *Engine) removeQueue(ctx context.Context, s *session, queue string) error {
	err := s.topology.UnbindAndDelete(ctx, queue)
	if err == nil || !errors.Is(err, broker.ErrClosed) {
		return err
	}

	c, cerr := e.controlSession(ctx)
	if cerr != nil {
		return errors.Join(err, cerr)
	}
	if err := c.topology.UnbindAndDelete(ctx, queue); err != nil {
		e.discard(c, err)
		return err
	}
	return nil
}

func (e *Engine) closeSession(s *session) {
	if err := s.ch.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		e.logger.Warn("failed to close subscription channel", slogx.Error(err))
	}
}

// deliver builds the broker callback for one subscription. It only pushes into the
// feed, consumer code never runs on the broker's goroutine. A full feed holds the
// callback, and with it the broker, until the consumer catches up.
func (e *Engine) deliver(trigger, queue string, sub *subscriber) broker.Handler {
	return func(d broker.Delivery) {
		event, err := decodeEvent(d.Body)
		if err != nil {
			e.reject(d, trigger, "decode")
			e.logger.Warn("rejecting malformed delivery", slogx.Trigger(trigger), slogx.Queue(queue), slogx.Error(err))
			return
		}

		if err := sub.feed.sink.Push(sub.ctx, event); err != nil {
			e.reject(d, trigger, "closed")
			e.logger.Debug("dropping event for closed subscription", slogx.Trigger(trigger), slogx.Queue(queue))
			return
		}

		if err := d.Ack(); err != nil {
			e.logger.Warn("failed to ack delivery", slogx.Trigger(trigger), slogx.Queue(queue), slogx.Error(err))
		}
		e.metrics.deliver(trigger)
	}
}

func (e *Engine) reject(d broker.Delivery, trigger, reason string) {
	if err := d.Nack(false); err != nil {
		e.logger.Warn("failed to nack delivery", slogx.Trigger(trigger), slogx.Error(err))
	}
	e.metrics.drop(trigger, reason)
}

// Unsubscribe tears a subscription down. Its iterator is closed first, so a pending
// pull returns at once, then the consumer is cancelled, the queue deleted and the
// subscription's channel closed. An iterator shared by several triggers stays open
// until the last of its subscriptions is gone.
// Unsubscribing an unknown id, including one that was already unsubscribed, returns
// ErrUnknownSubscription.
func (e *Engine) Unsubscribe(ctx context.Context, id SubscriptionID) error {
	sub, err := e.subs.Remove(id)
	if err != nil {
		return err
	}
	state := sub.State
	state.stop()
	state.feed.release()

	var errs []error
	err = state.session.ch.Cancel(ctx, sub.ConsumerTag)
	// a channel the broker closed took its consumers with it
	if err != nil && !errors.Is(err, broker.ErrNotFound) && !errors.Is(err, broker.ErrClosed) {
		errs = append(errs, fmt.Errorf("cancel consumer %q: %w", sub.ConsumerTag, err))
	}
	if e.options.DeleteQueueOnUnsubscribe {
		if err := e.removeQueue(ctx, state.session, sub.Queue); err != nil {
			errs = append(errs, err)
		}
	}
	e.closeSession(state.session)
	e.metrics.unsubscribed(sub.Trigger)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.logger.Warn("unsubscribe incomplete", slogx.SubscriptionID(uint64(id)), slogx.Queue(sub.Queue), slogx.Error(err))
		return fmt.Errorf("unsubscribe %d: %w", id, err)
	}
	e.logger.Debug("unsubscribed", slogx.SubscriptionID(uint64(id)), slogx.Trigger(sub.Trigger))
	return nil
}

// Iterator returns the pull side of a subscription.
func (e *Engine) Iterator(id SubscriptionID) (*pull.Iterator[Event], error) {
	sub, ok := e.subs.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	return sub.State.feed.sink, nil
}

// Len returns the number of live subscriptions.
func (e *Engine) Len() int {
	return e.subs.Len()
}

// Close unsubscribes everything and closes the engine's channels. The connection
// stays open, it belongs to the caller.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, id := range e.subs.IDs() {
		if err := e.Unsubscribe(ctx, id); err != nil && !errors.Is(err, ErrUnknownSubscription) {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	control := e.control
	e.control = nil
	e.mu.Unlock()
	if control != nil {
		if err := control.ch.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	return errors.Join(errs...)
}
