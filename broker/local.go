package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/triggerbus/pkg/slogx"
	"github.com/casualjim/triggerbus/pkg/uuidx"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	defaultSlowConsumerTimeout = 100 * time.Millisecond
	defaultQueueBuffer         = 1024
)

// LocalConnection is an in-process broker with AMQP-style exchanges, queues and
// bindings. It backs tests and single-process deployments.
type LocalConnection struct {
	mu                  sync.RWMutex
	exchanges           map[string]*localExchange
	queues              *haxmap.Map[string, *localQueue]
	consumers           *haxmap.Map[string, *localQueue]
	slowConsumerTimeout time.Duration
	queueBuffer         int
	closed              atomic.Bool
}

// Local creates an in-process broker connection.
func Local() *LocalConnection {
	return &LocalConnection{
		exchanges:           make(map[string]*localExchange),
		queues:              haxmap.New[string, *localQueue](),
		consumers:           haxmap.New[string, *localQueue](),
		slowConsumerTimeout: defaultSlowConsumerTimeout,
		queueBuffer:         defaultQueueBuffer,
	}
}

// WithSlowConsumerTimeout configures how long a publish waits on a full queue
// before the message is dropped for that queue.
func (c *LocalConnection) WithSlowConsumerTimeout(timeout time.Duration) *LocalConnection {
	c.slowConsumerTimeout = timeout
	return c
}

// WithQueueBuffer configures the per-queue buffer size.
func (c *LocalConnection) WithQueueBuffer(size int) *LocalConnection {
	if size > 0 {
		c.queueBuffer = size
	}
	return c
}

func (c *LocalConnection) Channel(ctx context.Context) (Channel, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return &localChannel{conn: c}, nil
}

// Close stops every consumer and rejects further operations.
func (c *LocalConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.queues.ForEach(func(_ string, q *localQueue) bool {
		q.stop()
		return true
	})
	return nil
}

// QueueNames lists the queues that currently exist, sorted.
func (c *LocalConnection) QueueNames() []string {
	var names []string
	c.queues.ForEach(func(name string, _ *localQueue) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// ConsumerCount returns the number of active consumers.
func (c *LocalConnection) ConsumerCount() int {
	return int(c.consumers.Len())
}

// BindingCount returns the number of bindings on the named exchange.
func (c *LocalConnection) BindingCount(exchange string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ex, ok := c.exchanges[exchange]
	if !ok {
		return 0
	}
	return ex.bindings.Len()
}

type localExchange struct {
	spec     ExchangeSpec
	bindings *orderedmap.OrderedMap[string, localBinding]
}

type localBinding struct {
	queue      *localQueue
	bindingKey string
}

type localQueue struct {
	name     string
	spec     QueueSpec
	messages chan Delivery
	deleted  chan struct{}

	mu       sync.Mutex
	tag      string
	halt     chan struct{}
	finished chan struct{}
	gone     bool
}

func (q *localQueue) enqueue(d Delivery, timeout time.Duration) bool {
	select {
	case <-q.deleted:
		return false
	default:
	}

	select {
	case q.messages <- d:
		return true
	case <-q.deleted:
		return false
	case <-time.After(timeout):
		return false
	}
}

// stop halts the consumer goroutine and waits for it to finish.
func (q *localQueue) stop() string {
	q.mu.Lock()
	tag, halt, finished := q.tag, q.halt, q.finished
	q.tag, q.halt, q.finished = "", nil, nil
	q.mu.Unlock()

	if halt != nil {
		close(halt)
		<-finished
	}
	return tag
}

func (q *localQueue) markDeleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gone {
		return false
	}
	q.gone = true
	close(q.deleted)
	return true
}

type localChannel struct {
	conn   *LocalConnection
	closed atomic.Bool
}

func (ch *localChannel) check() error {
	if ch.closed.Load() || ch.conn.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (ch *localChannel) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	if err := ch.check(); err != nil {
		return err
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrPreconditionFailed)
	}
	if !validKind(spec.Kind) {
		return fmt.Errorf("%w: unknown exchange kind %q", ErrUnsupported, spec.Kind)
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.exchanges[spec.Name]; ok {
		if existing.spec.Kind != spec.Kind {
			return fmt.Errorf("%w: exchange %q already declared as %s", ErrPreconditionFailed, spec.Name, existing.spec.Kind)
		}
		return nil
	}
	c.exchanges[spec.Name] = &localExchange{
		spec:     spec,
		bindings: orderedmap.New[string, localBinding](),
	}
	return nil
}

func (ch *localChannel) DeclareQueue(ctx context.Context, spec QueueSpec) (string, error) {
	if err := ch.check(); err != nil {
		return "", err
	}
	name := spec.Name
	if name == "" {
		name = uuidx.NewName("amq.gen-")
	}
	q, _ := ch.conn.queues.GetOrCompute(name, func() *localQueue {
		return &localQueue{
			name:     name,
			spec:     spec,
			messages: make(chan Delivery, ch.conn.queueBuffer),
			deleted:  make(chan struct{}),
		}
	})
	return q.name, nil
}

func (ch *localChannel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	q, ok := ch.conn.queues.Get(queue)
	if !ok {
		return fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	ex, ok := c.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchange)
	}
	ex.bindings.Set(queue+"\x00"+routingKey, localBinding{queue: q, bindingKey: routingKey})
	return nil
}

// Prefetch is a no-op, a local queue hands over one delivery at a time and
// waits for the handler to return.
func (ch *localChannel) Prefetch(ctx context.Context, count int) error {
	return ch.check()
}

func (ch *localChannel) Consume(ctx context.Context, queue string, handler Handler) (string, error) {
	if err := ch.check(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}
	q, ok := ch.conn.queues.Get(queue)
	if !ok {
		return "", fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}

	q.mu.Lock()
	if q.gone {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}
	if q.tag != "" && q.spec.Exclusive {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q already has a consumer", ErrPreconditionFailed, queue)
	}
	if q.tag != "" {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q supports a single consumer", ErrUnsupported, queue)
	}
	tag := uuidx.NewName("ctag-")
	halt := make(chan struct{})
	finished := make(chan struct{})
	q.tag, q.halt, q.finished = tag, halt, finished
	q.mu.Unlock()

	ch.conn.consumers.Set(tag, q)
	go forwardToHandler(q, tag, halt, finished, handler)
	return tag, nil
}

func forwardToHandler(q *localQueue, tag string, halt, finished chan struct{}, handler Handler) {
	defer close(finished)
	for {
		// halt wins over pending messages
		select {
		case <-halt:
			return
		default:
		}

		select {
		case <-halt:
			return
		case d := <-q.messages:
			d.ConsumerTag = tag
			handler(d)
		}
	}
}

func (ch *localChannel) Cancel(ctx context.Context, consumerTag string) error {
	if err := ch.check(); err != nil {
		return err
	}
	q, ok := ch.conn.consumers.GetAndDel(consumerTag)
	if !ok {
		return fmt.Errorf("%w: consumer %q", ErrNotFound, consumerTag)
	}
	q.stop()

	if q.spec.AutoDelete {
		ch.conn.deleteQueue(q.name)
	}
	return nil
}

func (ch *localChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := ch.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c := ch.conn
	c.mu.RLock()
	ex, ok := c.exchanges[exchange]
	if !ok {
		c.mu.RUnlock()
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchange)
	}
	var targets []*localQueue
	seen := make(map[*localQueue]struct{})
	for pair := ex.bindings.Oldest(); pair != nil; pair = pair.Next() {
		b := pair.Value
		if _, dup := seen[b.queue]; dup {
			continue
		}
		if Matches(ex.spec.Kind, b.bindingKey, routingKey) {
			seen[b.queue] = struct{}{}
			targets = append(targets, b.queue)
		}
	}
	c.mu.RUnlock()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	for _, q := range targets {
		d := Delivery{
			Exchange:    exchange,
			RoutingKey:  routingKey,
			MessageID:   msg.ID,
			ContentType: msg.ContentType,
			Timestamp:   ts,
			Body:        msg.Body,
		}
		d = NewDelivery(d, nil, c.requeue(q, d))
		if !q.enqueue(d, c.slowConsumerTimeout) {
			slog.Warn("dropping message for slow or deleted queue", slogx.Queue(q.name), slog.String("routing_key", routingKey))
		}
	}
	return nil
}

func (c *LocalConnection) requeue(q *localQueue, d Delivery) func(bool) error {
	return func(requeue bool) error {
		if !requeue {
			return nil
		}
		again := NewDelivery(d, nil, c.requeue(q, d))
		if !q.enqueue(again, c.slowConsumerTimeout) {
			return fmt.Errorf("%w: queue %q", ErrNotFound, q.name)
		}
		return nil
	}
}

func (ch *localChannel) DeleteQueue(ctx context.Context, queue string) error {
	if err := ch.check(); err != nil {
		return err
	}
	if !ch.conn.deleteQueue(queue) {
		return fmt.Errorf("%w: queue %q", ErrNotFound, queue)
	}
	return nil
}

func (c *LocalConnection) deleteQueue(name string) bool {
	q, ok := c.queues.GetAndDel(name)
	if !ok {
		return false
	}
	if tag := q.stop(); tag != "" {
		c.consumers.Del(tag)
	}

	c.mu.Lock()
	for _, ex := range c.exchanges {
		var stale []string
		for pair := ex.bindings.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.queue == q {
				stale = append(stale, pair.Key)
			}
		}
		for _, key := range stale {
			ex.bindings.Delete(key)
		}
	}
	c.mu.Unlock()

	return q.markDeleted()
}

// Close marks the channel closed. Consumers started on it keep their queues until
// cancelled or the connection closes.
func (ch *localChannel) Close() error {
	ch.closed.Store(true)
	return nil
}
