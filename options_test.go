package triggerbus

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/pkg/pull"
	"github.com/fogfish/opts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()

	assert.Equal(t, broker.ExchangeSpec{Name: DefaultExchange, Kind: broker.KindTopic}, o.Exchange)
	assert.Equal(t, broker.QueueSpec{Exclusive: true, AutoDelete: true}, o.Queue)
	assert.Equal(t, pull.DefaultCapacity, o.BufferSize)
	assert.True(t, o.DeleteQueueOnUnsubscribe)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.MeterProvider)
	assert.Equal(t, "FIRST_EVENT", o.routingKey("FIRST_EVENT"))
}

func TestOptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	provider := noop.NewMeterProvider()

	tests := []struct {
		name   string
		option opts.Option[Options]
		check  func(t *testing.T, o Options)
	}{
		{
			name:   "exchange",
			option: WithExchange("graphql", broker.KindDirect, true, false),
			check: func(t *testing.T, o Options) {
				assert.Equal(t, broker.ExchangeSpec{Name: "graphql", Kind: broker.KindDirect, Durable: true}, o.Exchange)
			},
		},
		{
			name:   "queue defaults",
			option: WithQueueDefaults(false, true, false),
			check: func(t *testing.T, o Options) {
				assert.Equal(t, broker.QueueSpec{Durable: true}, o.Queue)
			},
		},
		{
			name:   "buffer size",
			option: WithBufferSize(8),
			check: func(t *testing.T, o Options) {
				assert.Equal(t, 8, o.BufferSize)
			},
		},
		{
			name:   "queue deletion",
			option: WithQueueDeletion(false),
			check: func(t *testing.T, o Options) {
				assert.False(t, o.DeleteQueueOnUnsubscribe)
			},
		},
		{
			name:   "logger",
			option: WithLogger(logger),
			check: func(t *testing.T, o Options) {
				assert.Same(t, logger, o.Logger)
			},
		},
		{
			name:   "nil logger keeps default",
			option: WithLogger(nil),
			check: func(t *testing.T, o Options) {
				assert.NotNil(t, o.Logger)
			},
		},
		{
			name:   "meter provider",
			option: WithMeterProvider(provider),
			check: func(t *testing.T, o Options) {
				assert.Equal(t, provider, o.MeterProvider)
			},
		},
		{
			name:   "nil meter provider keeps default",
			option: WithMeterProvider(nil),
			check: func(t *testing.T, o Options) {
				assert.NotNil(t, o.MeterProvider)
			},
		},
		{
			name:   "trigger transform",
			option: WithTriggerTransform(strings.ToLower),
			check: func(t *testing.T, o Options) {
				assert.Equal(t, "first_event", o.routingKey("FIRST_EVENT"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			require.NoError(t, opts.Apply(&o, []opts.Option[Options]{tt.option}))
			tt.check(t, o)
		})
	}
}

func TestNew_NormalizesOptions(t *testing.T) {
	conn := broker.Local()
	defer conn.Close()

	engine, err := New(conn, WithExchange("graphql", "", false, false), WithBufferSize(-1))
	require.NoError(t, err)
	defer engine.Close(t.Context())

	assert.Equal(t, broker.KindTopic, engine.options.Exchange.Kind)
	assert.Equal(t, pull.DefaultCapacity, engine.options.BufferSize)
}
