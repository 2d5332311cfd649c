// Package config loads the triggerbus configuration from YAML and the environment
// and turns it into a broker connection and engine options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/casualjim/triggerbus"
	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/pkg/natsx"
	"github.com/fogfish/opts"
	"gopkg.in/yaml.v3"
)

// Broker kinds.
const (
	BrokerLocal = "local"
	BrokerNATS  = "nats"
	BrokerAMQP  = "amqp"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRIGGERBUS_"

// Config is the file shape, see testdata/triggerbus.yaml.
type Config struct {
	Broker     Broker              `yaml:"broker"`
	Exchange   broker.ExchangeSpec `yaml:"exchange"`
	Queue      broker.QueueSpec    `yaml:"queue"`
	BufferSize int                 `yaml:"buffer_size"`
	// DeleteQueueOnUnsubscribe deletes queues eagerly, on by default.
	DeleteQueueOnUnsubscribe *bool `yaml:"delete_queue_on_unsubscribe,omitempty"`
	// TriggerPrefix namespaces every trigger on the broker.
	TriggerPrefix string `yaml:"trigger_prefix,omitempty"`
}

// Broker selects the transport.
type Broker struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url,omitempty"`
}

// Default returns the configuration used when nothing is set: an in-memory broker
// and the engine defaults.
func Default() Config {
	defaults := triggerbus.DefaultOptions()
	return Config{
		Broker:     Broker{Kind: BrokerLocal},
		Exchange:   defaults.Exchange,
		Queue:      defaults.Queue,
		BufferSize: defaults.BufferSize,
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if clean := strings.TrimSpace(path); clean != "" {
		data, err := os.ReadFile(clean)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", clean, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", clean, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TRIGGERBUS_* variables. A broker without a URL
// falls back to NATS_URL or AMQP_URL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "BROKER"); ok && v != "" {
		c.Broker.Kind = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "URL"); ok && v != "" {
		c.Broker.URL = v
	}
	if v, ok := lookup(EnvPrefix + "EXCHANGE"); ok && v != "" {
		c.Exchange.Name = v
	}
	if v, ok := lookup(EnvPrefix + "EXCHANGE_TYPE"); ok && v != "" {
		c.Exchange.Kind = v
	}
	if v, ok := lookup(EnvPrefix + "TRIGGER_PREFIX"); ok {
		c.TriggerPrefix = v
	}
	if v, ok := lookup(EnvPrefix + "BUFFER_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBUFFER_SIZE: %w", EnvPrefix, err)
		}
		c.BufferSize = n
	}
	if v, ok := lookup(EnvPrefix + "DELETE_QUEUE_ON_UNSUBSCRIBE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDELETE_QUEUE_ON_UNSUBSCRIBE: %w", EnvPrefix, err)
		}
		c.DeleteQueueOnUnsubscribe = &b
	}

	if c.Broker.URL == "" {
		switch c.Broker.Kind {
		case BrokerNATS:
			c.Broker.URL, _ = lookup("NATS_URL")
		case BrokerAMQP:
			c.Broker.URL, _ = lookup("AMQP_URL")
		}
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker.Kind {
	case BrokerLocal, BrokerNATS:
	case BrokerAMQP:
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required for amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q is not one of local, nats, amqp", c.Broker.Kind))
	}
	if c.Exchange.Name == "" {
		errs = append(errs, errors.New("exchange.name is required"))
	}
	switch c.Exchange.Kind {
	case broker.KindDirect, broker.KindTopic, broker.KindFanout:
	default:
		errs = append(errs, fmt.Errorf("exchange.type %q is not one of direct, topic, fanout", c.Exchange.Kind))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EngineOptions converts the configuration into engine options.
func (c Config) EngineOptions() []opts.Option[triggerbus.Options] {
	options := []opts.Option[triggerbus.Options]{
		triggerbus.WithExchange(c.Exchange.Name, c.Exchange.Kind, c.Exchange.Durable, c.Exchange.AutoDelete),
		triggerbus.WithQueueDefaults(c.Queue.Exclusive, c.Queue.Durable, c.Queue.AutoDelete),
	}
	if c.BufferSize > 0 {
		options = append(options, triggerbus.WithBufferSize(c.BufferSize))
	}
	if c.DeleteQueueOnUnsubscribe != nil {
		options = append(options, triggerbus.WithQueueDeletion(*c.DeleteQueueOnUnsubscribe))
	}
	if prefix := c.TriggerPrefix; prefix != "" {
		options = append(options, triggerbus.WithTriggerTransform(func(trigger string) string {
			return prefix + "." + trigger
		}))
	}
	return options
}

// Connect opens the configured broker connection. The caller owns it.
func (c Config) Connect() (broker.Connection, error) {
	switch c.Broker.Kind {
	case BrokerLocal:
		return broker.Local(), nil
	case BrokerNATS:
		nc, err := natsx.NewClient(c.Broker.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: connect to nats: %w", triggerbus.ErrTransport, err)
		}
		return broker.NATS(nc).Owned(), nil
	case BrokerAMQP:
		conn, err := broker.DialAMQP(c.Broker.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", triggerbus.ErrTransport, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
}
