package transport

// Capabilities describes how a broker backs the Consumer and Producer
// contract. The service reports them in its snapshot and enforces
// MaxMessageSize before publishing.
type Capabilities struct {
	Name string `json:"name"`

	// OffsetSeek is set when Seek rewinds the partition position. Otherwise
	// Seek is a negative acknowledgment and the broker picks the redelivery
	// time, so a sought record may come back after later ones.
	OffsetSeek bool `json:"offset_seek"`

	// FetchPause is set when Pause stops fetching from the broker. Otherwise
	// Pause only stops the consumer from handing out records it already holds.
	FetchPause bool `json:"fetch_pause"`

	// KeyedOrdering is set when records sharing a key arrive in publish order.
	KeyedOrdering bool `json:"keyed_ordering"`

	// PublishAck is set when Producer.Publish waits for the broker to
	// acknowledge the write.
	PublishAck bool `json:"publish_ack"`

	// Durable is set when uncommitted records survive a consumer restart.
	Durable bool `json:"durable"`

	// MaxMessageSize is the largest payload in bytes, 0 when unbounded or
	// unknown.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// AtLeastOnce reports whether a record that was neither committed nor sought
// is delivered again after a crash.
func (c Capabilities) AtLeastOnce() bool {
	return c.Durable && c.PublishAck
}

// Fits reports whether a payload of size bytes may be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Capability sets of the bundled transports.
var (
	ChannelCapabilities = Capabilities{
		Name:          "channel",
		KeyedOrdering: true,
		PublishAck:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		KeyedOrdering:  true,
		PublishAck:     true,
		Durable:        true,
		MaxMessageSize: 1 << 20,
	}

	KafkaGoCapabilities = Capabilities{
		Name:           "kafka-go",
		OffsetSeek:     true,
		FetchPause:     true,
		KeyedOrdering:  true,
		PublishAck:     true,
		Durable:        true,
		MaxMessageSize: 1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:       "rabbitmq",
		PublishAck: true,
		Durable:    true,
	}

	// NATS core has no persistence: a record is lost if nobody is
	// subscribed when it is published.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:           "nats-jetstream",
		FetchPause:     true,
		KeyedOrdering:  true,
		PublishAck:     true,
		Durable:        true,
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		PublishAck:     true,
		Durable:        true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:       "http",
		PublishAck: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
