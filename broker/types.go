package broker

import (
	"context"
	"errors"
	"time"
)

// Exchange kinds understood by every implementation.
const (
	KindDirect = "direct"
	KindTopic  = "topic"
	KindFanout = "fanout"
)

var (
	// ErrClosed means the connection or channel is gone. It is a transport failure.
	ErrClosed = errors.New("broker: connection closed")
	// ErrNotFound means the exchange, queue or consumer does not exist (anymore).
	ErrNotFound = errors.New("broker: not found")
	// ErrPreconditionFailed means a redeclare conflicts with the existing entity.
	ErrPreconditionFailed = errors.New("broker: precondition failed")
	// ErrUnsupported means the transport cannot express the requested routing.
	ErrUnsupported = errors.New("broker: unsupported")
)

// Connection is a process-wide broker connection. It is owned by whoever created it.
type Connection interface {
	Channel(context.Context) (Channel, error)
	Close() error
}

// Channel is the capability surface the subscription engine consumes.
type Channel interface {
	DeclareExchange(context.Context, ExchangeSpec) error
	// DeclareQueue declares a queue and returns its name. An empty name asks the
	// broker for a unique one.
	DeclareQueue(context.Context, QueueSpec) (string, error)
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	// Prefetch limits how many unacknowledged deliveries the broker pushes to each
	// consumer started on the channel afterwards.
	Prefetch(ctx context.Context, count int) error
	// Consume starts delivering messages from queue to handler and returns the
	// consumer tag. Handler calls for one consumer never overlap.
	Consume(ctx context.Context, queue string, handler Handler) (string, error)
	// Cancel stops the consumer. Once it returns the handler is not called again.
	Cancel(ctx context.Context, consumerTag string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	DeleteQueue(ctx context.Context, queue string) error
	Close() error
}

// Handler receives deliveries for a consumer.
type Handler func(Delivery)

type ExchangeSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

type QueueSpec struct {
	Name       string `yaml:"name,omitempty"`
	Exclusive  bool   `yaml:"exclusive"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// Message is an outgoing publish.
type Message struct {
	ID          string
	ContentType string
	Timestamp   time.Time
	Body        []byte
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	ConsumerTag string
	MessageID   string
	ContentType string
	Timestamp   time.Time
	Body        []byte

	ack  func() error
	nack func(requeue bool) error
}

// Ack acknowledges the delivery. It is a no-op for transports without acknowledgements.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally asking the broker to requeue it.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// NewDelivery builds a Delivery with acknowledgement callbacks. Either callback may be nil.
func NewDelivery(d Delivery, ack func() error, nack func(requeue bool) error) Delivery {
	d.ack = ack
	d.nack = nack
	return d
}

func validKind(kind string) bool {
	switch kind {
	case KindDirect, KindTopic, KindFanout:
		return true
	default:
		return false
	}
}
