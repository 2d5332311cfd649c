package triggerbus

import (
	"log/slog"

	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/pkg/pull"
	"github.com/casualjim/triggerbus/pkg/slogx"
	"github.com/fogfish/opts"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultExchange is the exchange used when none is configured.
const DefaultExchange = "triggerbus"

// Options configures an Engine.
type Options struct {
	// Exchange every trigger is routed through.
	Exchange broker.ExchangeSpec
	// Queue is the shape of each subscriber queue. The name is always assigned by the broker.
	Queue broker.QueueSpec
	// BufferSize bounds the events held per subscription while nobody pulls.
	BufferSize int
	Logger     *slog.Logger
	// MeterProvider receives publish, delivery and subscription metrics.
	MeterProvider metric.MeterProvider
	// DeleteQueueOnUnsubscribe deletes the queue eagerly on Unsubscribe instead of
	// relying on the broker to auto-delete it once its consumer is cancelled.
	DeleteQueueOnUnsubscribe bool
	// TriggerTransform maps a trigger onto the routing key used on the broker.
	TriggerTransform func(string) string
}

// DefaultOptions returns the options New starts from.
func DefaultOptions() Options {
	return Options{
		Exchange: broker.ExchangeSpec{
			Name: DefaultExchange,
			Kind: broker.KindTopic,
		},
		Queue: broker.QueueSpec{
			Exclusive:  true,
			AutoDelete: true,
		},
		BufferSize:               pull.DefaultCapacity,
		Logger:                   slog.Default().With(slogx.LoggerName("triggerbus")),
		MeterProvider:            noop.NewMeterProvider(),
		DeleteQueueOnUnsubscribe: true,
	}
}

// WithExchange configures the exchange triggers are routed through.
func WithExchange(name, kind string, durable, autoDelete bool) opts.Option[Options] {
	return opts.Type[Options](func(o *Options) error {
		o.Exchange = broker.ExchangeSpec{
			Name:       name,
			Kind:       kind,
			Durable:    durable,
			AutoDelete: autoDelete,
		}
		return nil
	})
}

// WithQueueDefaults configures the flags each subscriber queue is declared with.
func WithQueueDefaults(exclusive, durable, autoDelete bool) opts.Option[Options] {
	return opts.Type[Options](func(o *Options) error {
		o.Queue = broker.QueueSpec{
			Exclusive:  exclusive,
			Durable:    durable,
			AutoDelete: autoDelete,
		}
		return nil
	})
}

// WithBufferSize bounds how many undelivered events a subscription holds. Deliveries
// beyond that are rejected back to the broker.
var WithBufferSize = opts.ForName[Options, int]("BufferSize")

// WithQueueDeletion toggles eager queue deletion on Unsubscribe.
var WithQueueDeletion = opts.ForName[Options, bool]("DeleteQueueOnUnsubscribe")

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) opts.Option[Options] {
	return opts.Type[Options](func(o *Options) error {
		if logger != nil {
			o.Logger = logger
		}
		return nil
	})
}

// WithMeterProvider sets where metrics are recorded. A nil provider keeps the default.
func WithMeterProvider(provider metric.MeterProvider) opts.Option[Options] {
	return opts.Type[Options](func(o *Options) error {
		if provider != nil {
			o.MeterProvider = provider
		}
		return nil
	})
}

// WithTriggerTransform rewrites triggers into routing keys, for example to namespace them.
func WithTriggerTransform(fn func(string) string) opts.Option[Options] {
	return opts.Type[Options](func(o *Options) error {
		o.TriggerTransform = fn
		return nil
	})
}

func (o Options) routingKey(trigger string) string {
	if o.TriggerTransform == nil {
		return trigger
	}
	return o.TriggerTransform(trigger)
}
