// Package transport defines the broker client contract used by courier and
// the registry that builds it from configuration. Each broker lives in its
// own sub-package and registers itself with the registry.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/courier/internal/runtime/metadata"
)

// SharedConsumerName is the consumer name used for the physical consumer that
// multiplexes every non-exclusive message type.
const SharedConsumerName = "shared"

// Record is one message read from the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	ID        string
	Key       []byte
	Value     []byte
	Headers   metadata.Headers
	Timestamp time.Time

	// Handle is the transport's native message. Only the consumer that
	// produced the record interprets it.
	Handle any
}

// OutboundMessage is what a Producer writes.
type OutboundMessage struct {
	Key     []byte
	Value   []byte
	Headers metadata.Headers
}

// Producer publishes messages. Publish returns only after the broker
// acknowledged the write.
type Producer interface {
	Publish(ctx context.Context, topic string, msg OutboundMessage) error
	Close() error
}

// Consumer is a physical broker consumer. Implementations are driven by a
// single poll goroutine and need not be safe for concurrent use.
type Consumer interface {
	// Subscribe replaces the current topic assignment.
	Subscribe(topics []string) error
	// Unsubscribe drops every topic.
	Unsubscribe() error
	// Poll waits up to timeout for the next record. It returns nil, nil on
	// timeout. A zero timeout never blocks and only keeps the session alive.
	Poll(ctx context.Context, timeout time.Duration) (*Record, error)
	// Pause stops fetching without leaving the consumer group.
	Pause()
	// Resume restarts fetching after Pause.
	Resume()
	// Commit acknowledges rec and everything before it on its partition.
	Commit(ctx context.Context, rec *Record) error
	// Seek rewinds so rec is delivered again.
	Seek(rec *Record) error
	Close() error
}

// ConsumeError is returned by Poll for failures the consumer can classify.
type ConsumeError struct {
	// Record is set when the failure is tied to a specific position.
	Record *Record
	Err    error
	// Recoverable errors are logged and polling continues.
	Recoverable bool
}

func (e *ConsumeError) Error() string {
	if e.Record != nil {
		return fmt.Sprintf("consume %s[%d]@%d: %v", e.Record.Topic, e.Record.Partition, e.Record.Offset, e.Err)
	}
	return fmt.Sprintf("consume: %v", e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// ConsumerFactory creates a physical consumer. name is SharedConsumerName or
// the type name of an exclusive message type.
type ConsumerFactory func(ctx context.Context, name string) (Consumer, error)

// Transport is the producer plus consumer factory built for a broker.
type Transport struct {
	Producer    Producer
	NewConsumer ConsumerFactory
}

// Close closes the producer.
func (t Transport) Close() error {
	if t.Producer == nil {
		return nil
	}
	return t.Producer.Close()
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered by name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ConsumerGroup derives the consumer group for a named consumer. The shared
// consumer uses base; exclusive consumers get their own group so their
// assignments never rebalance with the shared one.
func ConsumerGroup(base, name string) string {
	if name == "" || name == SharedConsumerName {
		return base
	}
	if base == "" {
		return name
	}
	return base + "." + name
}
