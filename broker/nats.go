package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/triggerbus/pkg/slogx"
	"github.com/casualjim/triggerbus/pkg/uuidx"
	"github.com/nats-io/nats.go"
)

const natsQueueBuffer = 1024

// NATS adapts a core NATS connection to the broker capability. Exchanges become
// subject prefixes, queues are in-process mailboxes fed by one subscription per
// binding. Nothing is stored server-side, a message published while no queue
// is bound to its subject is lost, the same way an unroutable AMQP message is.
func NATS(client *nats.Conn) *NATSConnection {
	return &NATSConnection{client: client}
}

type NATSConnection struct {
	client *nats.Conn
	owned  bool
}

// Owned makes Close also close the underlying *nats.Conn.
func (c *NATSConnection) Owned() *NATSConnection {
	c.owned = true
	return c
}

func (c *NATSConnection) Channel(ctx context.Context) (Channel, error) {
	if c.client == nil || c.client.IsClosed() {
		return nil, ErrClosed
	}
	return &natsChannel{
		client:    c.client,
		exchanges: haxmap.New[string, string](),
		queues:    haxmap.New[string, *natsQueue](),
		consumers: haxmap.New[string, *natsQueue](),
	}, nil
}

func (c *NATSConnection) Close() error {
	if c.owned && c.client != nil {
		c.client.Close()
	}
	return nil
}

type natsChannel struct {
	client    *nats.Conn
	exchanges *haxmap.Map[string, string]
	queues    *haxmap.Map[string, *natsQueue]
	consumers *haxmap.Map[string, *natsQueue]
	closed    atomic.Bool
}

type natsQueue struct {
	name string
	spec QueueSpec

	mu       sync.Mutex
	bindings []natsBinding
	subs     []*nats.Subscription
	inbox    chan *nats.Msg
	tag      string
	halt     chan struct{}
	finished chan struct{}
}

type natsBinding struct {
	exchange string
	subject  string
}

func (ch *natsChannel) check() error {
	if ch.closed.Load() || ch.client.IsClosed() {
		return ErrClosed
	}
	return nil
}

func natsErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) || errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (ch *natsChannel) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	if err := ch.check(); err != nil {
		return err
	}
	if spec.Name == "" || strings.ContainsAny(spec.Name, ".*> ") {
		return fmt.Errorf("%w: invalid exchange name %q", ErrPreconditionFailed, spec.Name)
	}
	if !validKind(spec.Kind) {
		return fmt.Errorf("%w: unknown exchange kind %q", ErrUnsupported, spec.Kind)
	}
	kind, loaded := ch.exchanges.GetOrSet(spec.Name, spec.Kind)
	if loaded && kind != spec.Kind {
		return fmt.Errorf("%w: exchange %q already declared as %s", ErrPreconditionFailed, spec.Name, kind)
	}
	return nil
}

func (ch *natsChannel) DeclareQueue(ctx context.Context, spec QueueSpec) (string, error) {
	if err := ch.check(); err != nil {
		return "", err
	}
	name := spec.Name
	if name == "" {
		name = uuidx.NewName("nats.gen-")
	}
	q, _ := ch.queues.GetOrCompute(name, func() *natsQueue {
		return &natsQueue{name: name, spec: spec}
	})
	return q.name, nil
}

func (ch *natsChannel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	kind, ok := ch.exchanges.Get(exchange)
	if !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchange)
	}
	q, ok := ch.queues.Get(queue)
	if !ok {
		return fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}
	subject, err := natsSubject(exchange, kind, routingKey, true)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.bindings = append(q.bindings, natsBinding{exchange: exchange, subject: subject})
	if q.inbox == nil {
		return nil
	}
	sub, err := ch.client.ChanSubscribe(subject, q.inbox)
	if err != nil {
		return natsErr(err)
	}
	q.subs = append(q.subs, sub)
	return natsErr(ch.client.Flush())
}

// Prefetch is accepted for compatibility. Core NATS has no flow control, the
// mailbox of every queue holds natsQueueBuffer messages.
func (ch *natsChannel) Prefetch(ctx context.Context, count int) error {
	return ch.check()
}

func (ch *natsChannel) Consume(ctx context.Context, queue string, handler Handler) (string, error) {
	if err := ch.check(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}
	q, ok := ch.queues.Get(queue)
	if !ok {
		return "", fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}

	q.mu.Lock()
	if q.tag != "" {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q already has a consumer", ErrPreconditionFailed, queue)
	}
	inbox := make(chan *nats.Msg, natsQueueBuffer)
	subs := make([]*nats.Subscription, 0, len(q.bindings))
	for _, b := range q.bindings {
		sub, err := ch.client.ChanSubscribe(b.subject, inbox)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			q.mu.Unlock()
			return "", natsErr(err)
		}
		subs = append(subs, sub)
	}
	tag := uuidx.NewName("ctag-")
	halt := make(chan struct{})
	finished := make(chan struct{})
	q.inbox, q.subs, q.tag, q.halt, q.finished = inbox, subs, tag, halt, finished
	bindings := append([]natsBinding(nil), q.bindings...)
	q.mu.Unlock()

	ch.consumers.Set(tag, q)
	go forwardNATS(inbox, bindings, tag, halt, finished, handler)

	if err := ch.client.Flush(); err != nil {
		return tag, natsErr(err)
	}
	return tag, nil
}

func forwardNATS(inbox chan *nats.Msg, bindings []natsBinding, tag string, halt, finished chan struct{}, handler Handler) {
	defer close(finished)
	for {
		select {
		case <-halt:
			return
		default:
		}

		select {
		case <-halt:
			return
		case msg := <-inbox:
			handler(natsDelivery(msg, bindings, tag))
		}
	}
}

func natsDelivery(msg *nats.Msg, bindings []natsBinding, tag string) Delivery {
	d := Delivery{
		RoutingKey:  msg.Subject,
		ConsumerTag: tag,
		Body:        msg.Data,
	}
	for _, b := range bindings {
		if prefix := b.exchange + "."; strings.HasPrefix(msg.Subject, prefix) {
			d.Exchange = b.exchange
			d.RoutingKey = strings.TrimPrefix(msg.Subject, prefix)
			break
		}
	}
	if msg.Header != nil {
		d.MessageID = msg.Header.Get(nats.MsgIdHdr)
		d.ContentType = msg.Header.Get("Content-Type")
		if ts, err := time.Parse(time.RFC3339Nano, msg.Header.Get("Timestamp")); err == nil {
			d.Timestamp = ts
		}
	}

	ack := func() error {
		if msg.Reply == "" {
			return nil
		}
		return msg.Ack()
	}
	nack := func(bool) error {
		if msg.Reply == "" {
			return nil
		}
		return msg.Nak()
	}
	return NewDelivery(d, ack, nack)
}

func (ch *natsChannel) Cancel(ctx context.Context, consumerTag string) error {
	if ch.closed.Load() {
		return ErrClosed
	}
	q, ok := ch.consumers.GetAndDel(consumerTag)
	if !ok {
		return fmt.Errorf("%w: consumer %q", ErrNotFound, consumerTag)
	}
	err := q.stop()

	if q.spec.AutoDelete {
		ch.queues.Del(q.name)
	}
	return err
}

func (q *natsQueue) stop() error {
	q.mu.Lock()
	subs, halt, finished := q.subs, q.halt, q.finished
	q.subs, q.inbox, q.tag, q.halt, q.finished = nil, nil, "", nil, nil
	q.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	if halt != nil {
		close(halt)
		<-finished
	}
	return errors.Join(errs...)
}

func (ch *natsChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := ch.check(); err != nil {
		return err
	}
	kind, ok := ch.exchanges.Get(exchange)
	if !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchange)
	}
	subject, err := natsSubject(exchange, kind, routingKey, false)
	if err != nil {
		return err
	}

	out := nats.NewMsg(subject)
	out.Data = msg.Body
	if msg.ID != "" {
		out.Header.Set(nats.MsgIdHdr, msg.ID)
	}
	if msg.ContentType != "" {
		out.Header.Set("Content-Type", msg.ContentType)
	}
	if !msg.Timestamp.IsZero() {
		out.Header.Set("Timestamp", msg.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return natsErr(ch.client.PublishMsg(out))
}

func (ch *natsChannel) DeleteQueue(ctx context.Context, queue string) error {
	if ch.closed.Load() {
		return ErrClosed
	}
	q, ok := ch.queues.GetAndDel(queue)
	if !ok {
		return fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}
	q.mu.Lock()
	tag := q.tag
	q.mu.Unlock()
	if tag != "" {
		ch.consumers.Del(tag)
	}
	return q.stop()
}

// Close stops every consumer started on this channel.
func (ch *natsChannel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	var (
		errs []error
		tags []string
	)
	ch.consumers.ForEach(func(tag string, q *natsQueue) bool {
		if err := q.stop(); err != nil {
			errs = append(errs, err)
		}
		tags = append(tags, tag)
		return true
	})
	ch.consumers.Del(tags...)
	if len(errs) > 0 {
		slog.Warn("errors while closing nats channel", slogx.Error(errors.Join(errs...)))
	}
	return nil
}
