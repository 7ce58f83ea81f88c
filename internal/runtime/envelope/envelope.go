// Package envelope defines the per-message carrier that flows through a
// processing pipeline.
package envelope

import (
	"fmt"
	"time"

	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/storage"
	"github.com/drblury/courier/transport"
)

// RecordRef points at the durable outbound row an envelope was persisted to
// or rehydrated from. The final pipeline stage uses it to mark the row
// delivered.
type RecordRef struct {
	ID       string
	Sequence int64
}

// Envelope carries one message through a pipeline run. It is created when a
// run starts, mutated in place by stages and dropped when the run ends; it is
// never shared between runs.
type Envelope[T any] struct {
	// Message is the typed payload. It is the zero value until a deserialize
	// stage populates it on the consume side.
	Message T

	// SerializedData holds the encoded payload. Publish-side serialization
	// fills it; consume-side envelopes start with it set.
	SerializedData []byte

	// Key is the partition key. Empty means the broker may assign freely.
	Key string

	Headers metadata.Headers

	// Record is set when the envelope is bound to an outbound row.
	Record *RecordRef

	TypeName string
	Topic    string

	// Timestamp is when the message was produced, if known.
	Timestamp time.Time

	duplicate  bool
	serialized bool
}

// New creates a publish-side envelope for msg.
func New[T any](typeName, topic string, msg T) *Envelope[T] {
	return &Envelope[T]{
		Message:   msg,
		TypeName:  typeName,
		Topic:     topic,
		Headers:   metadata.Headers{},
		Timestamp: time.Now().UTC(),
	}
}

// FromBytes creates a consume-side envelope from raw record data. The headers
// are cloned so stages never mutate the broker record.
func FromBytes[T any](typeName, topic, key string, data []byte, headers metadata.Headers) *Envelope[T] {
	h := headers.Clone()
	if h == nil {
		h = metadata.Headers{}
	}
	return &Envelope[T]{
		SerializedData: data,
		Key:            key,
		Headers:        h,
		TypeName:       typeName,
		Topic:          topic,
		serialized:     true,
	}
}

// FromRecord creates a consume-side envelope from a polled broker record.
func FromRecord[T any](typeName string, rec *transport.Record) *Envelope[T] {
	env := FromBytes[T](typeName, rec.Topic, string(rec.Key), rec.Value, rec.Headers)
	env.Timestamp = rec.Timestamp
	if env.Key == "" {
		env.Key = env.Headers.GetString(metadata.KeyPartitionKey)
	}
	return env
}

// FromOutbound rehydrates a publish-side envelope from a persisted row. The
// payload is already serialized and the envelope is bound to the row.
func FromOutbound[T any](rec storage.OutboundRecord) (*Envelope[T], error) {
	headers, err := metadata.Decode(rec.Headers)
	if err != nil {
		return nil, fmt.Errorf("decode headers of outbound %s: %w", rec.ID, err)
	}
	env := &Envelope[T]{
		SerializedData: rec.Payload,
		Key:            rec.PartitionKey,
		Headers:        headers,
		TypeName:       rec.TypeName,
		Topic:          rec.Topic,
		Timestamp:      rec.CreatedAt,
		serialized:     true,
	}
	env.Bind(rec.ID, rec.SequenceNumber)
	return env, nil
}

// IsSerialized reports whether the payload bytes are already available.
// Envelopes built from raw data count as serialized even when the payload
// is empty.
func (e *Envelope[T]) IsSerialized() bool {
	return e.serialized || len(e.SerializedData) > 0
}

// SetSerialized stores the encoded payload.
func (e *Envelope[T]) SetSerialized(data []byte) {
	e.SerializedData = data
	e.serialized = true
}

// MarkDuplicate flags the envelope as an already-processed delivery. Stages
// after the dedup guard are skipped for duplicates.
func (e *Envelope[T]) MarkDuplicate() {
	e.duplicate = true
}

// Duplicate reports whether the dedup guard recognised this delivery.
func (e *Envelope[T]) Duplicate() bool {
	return e.duplicate
}

// Bind attaches the envelope to an outbound row.
func (e *Envelope[T]) Bind(id string, sequence int64) {
	e.Record = &RecordRef{ID: id, Sequence: sequence}
	e.Headers = e.Headers.SetString(metadata.KeyOutboxRecordID, id)
}
