package transport

// Capabilities describes the delivery guarantees of a dead-letter backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// Durable indicates published dead letters survive a broker restart.
	Durable bool

	// SupportsOrdering indicates dead letters are kept in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates consumers of the dead-letter topic ack explicitly.
	SupportsAck bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Accepts reports whether a payload of size bytes fits the transport.
func (c Capabilities) Accepts(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
	}

	// NATSCapabilities for NATS Core: fire-and-forget, nothing is stored.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for the SNS publisher.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		Durable:         true,
		SupportsTracing: true,
		SupportsAck:     true,
		MaxMessageSize:  262144, // 256KB
	}

	// HTTPCapabilities for webhook delivery.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
