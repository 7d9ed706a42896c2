// Package transport defines the broker abstraction the pipeline stages talk to.
// Each backend (rabbitmq, kafka, nats-jetstream, sqlite, channel) lives in its
// own sub-package and registers a Builder with the registry from init.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and the publisher. When both sides are the same
// value it is closed once.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		firstErr = t.Subscriber.Close()
	}
	if t.Publisher == nil {
		return firstErr
	}
	if same, ok := t.Publisher.(message.Subscriber); ok && same == t.Subscriber {
		return firstErr
	}
	if err := t.Publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetSQLiteFile() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by transports that can report how many
// messages are waiting on a queue.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DeadLetterCounter is implemented by transports that park messages after
// too many redeliveries.
type DeadLetterCounter interface {
	GetDeadLetterCount(topic string) (int64, error)
}
