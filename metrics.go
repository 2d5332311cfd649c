package triggerbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/casualjim/triggerbus"

// engineMetrics records the engine's traffic. Every instrument carries the trigger.
type engineMetrics struct {
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	dropped       metric.Int64Counter
	subscriptions metric.Int64UpDownCounter
}

func newEngineMetrics(provider metric.MeterProvider) (*engineMetrics, error) {
	meter := provider.Meter(meterName)

	published, err := meter.Int64Counter("triggerbus.published",
		metric.WithDescription("Number of events published"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter("triggerbus.delivered",
		metric.WithDescription("Number of events handed to a subscription"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("triggerbus.dropped",
		metric.WithDescription("Number of deliveries rejected by a subscription"),
	)
	if err != nil {
		return nil, err
	}

	subscriptions, err := meter.Int64UpDownCounter("triggerbus.subscriptions.active",
		metric.WithDescription("Number of live subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	return &engineMetrics{
		published:     published,
		delivered:     delivered,
		dropped:       dropped,
		subscriptions: subscriptions,
	}, nil
}

func triggerAttr(trigger string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("trigger", trigger))
}

func (m *engineMetrics) publish(ctx context.Context, trigger string) {
	m.published.Add(ctx, 1, triggerAttr(trigger))
}

func (m *engineMetrics) deliver(trigger string) {
	m.delivered.Add(context.Background(), 1, triggerAttr(trigger))
}

func (m *engineMetrics) drop(trigger, reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("reason", reason),
	))
}

func (m *engineMetrics) subscribed(trigger string) {
	m.subscriptions.Add(context.Background(), 1, triggerAttr(trigger))
}

func (m *engineMetrics) unsubscribed(trigger string) {
	m.subscriptions.Add(context.Background(), -1, triggerAttr(trigger))
}
