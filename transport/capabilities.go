package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// Durable reports whether queued messages survive a process restart.
	Durable bool

	// ConfirmedPublish reports whether Publish returns only after the broker
	// has accepted the message.
	ConfirmedPublish bool

	// CompetingConsumers reports whether several subscribers on one topic
	// share the messages instead of each receiving a copy.
	CompetingConsumers bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered.
	SupportsNack bool

	// SupportsOrdering indicates messages on one topic are delivered in publish order.
	SupportsOrdering bool
}

// SupportsReliableDelivery returns true if the transport gives at-least-once
// delivery (ack plus redelivery on nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// AllowsParallelConsumers reports whether it is safe to run more than one
// handler on the same topic without every handler seeing every message.
func (c Capabilities) AllowsParallelConsumers() bool {
	return c.CompetingConsumers
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		Durable:            true,
		ConfirmedPublish:   true,
		CompetingConsumers: true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		Durable:            true,
		ConfirmedPublish:   true,
		CompetingConsumers: true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats-jetstream",
		Durable:            true,
		ConfirmedPublish:   true,
		CompetingConsumers: true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		Durable:            true,
		ConfirmedPublish:   true,
		CompetingConsumers: true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports report a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
