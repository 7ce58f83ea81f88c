// Package kafkago provides a native Kafka transport for courier built on
// segmentio/kafka-go. Unlike the watermill based kafka transport it exposes
// real partitions and offsets, commits only contiguous completed offsets, and
// emulates seeking with a local redelivery queue.
package kafkago

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/segmentio/kafka-go"

	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka-go"

// Reader is the subset of *kafka.Reader used by the consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used by the producer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory allows overriding the reader creation for testing.
var ReaderFactory = func(cfg kafka.ReaderConfig) Reader {
	return kafka.NewReader(cfg)
}

// WriterFactory allows overriding the writer creation for testing.
var WriterFactory = func(cfg Config) Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
}

func init() {
	Register()
}

// Register registers the kafka-go transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaGoCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaGoCapabilities
}

// Config holds kafka-go specific configuration.
type Config struct {
	Brokers  []string
	GroupID  string
	ClientID string

	// MaxWait bounds how long the reader waits to fill a fetch.
	MaxWait time.Duration
	// QueueCapacity is the reader's internal prefetch queue.
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "courier"
	}
	if c.ClientID == "" {
		c.ClientID = "courier"
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	return c
}

// Build creates a new kafka-go transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka-go: at least one broker is required")
	}
	t := New(Config{
		Brokers:  brokers,
		GroupID:  cfg.GetKafkaConsumerGroup(),
		ClientID: cfg.GetKafkaClientID(),
	}, logger)
	return transport.Transport{
		Producer:    t,
		NewConsumer: t.NewConsumer,
	}, nil
}

// Transport owns the shared writer and builds consumers.
type Transport struct {
	config Config
	writer Writer
	logger watermill.LoggerAdapter
}

// New creates a transport. No connection is made until the first write or
// subscribe.
func New(cfg Config, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()
	return &Transport{
		config: cfg,
		writer: WriterFactory(cfg),
		logger: logger,
	}
}

// Publish writes msg and waits for all in-sync replicas.
func (t *Transport) Publish(ctx context.Context, topic string, msg transport.OutboundMessage) error {
	km := kafka.Message{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	msg.Headers.Range(func(key string, value []byte) bool {
		km.Headers = append(km.Headers, kafka.Header{Key: key, Value: value})
		return true
	})
	if err := t.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka-go publish %s: %w", topic, err)
	}
	return nil
}

// Close closes the writer.
func (t *Transport) Close() error {
	return t.writer.Close()
}

// NewConsumer creates a group consumer for name.
func (t *Transport) NewConsumer(_ context.Context, name string) (transport.Consumer, error) {
	return &Consumer{
		t:        t,
		group:    transport.ConsumerGroup(t.config.GroupID, name),
		trackers: make(map[partition]*tracker),
	}, nil
}

type partition struct {
	topic string
	id    int
}

// tracker orders a partition's outstanding offsets so commits never move
// past a record that is still being processed.
type tracker struct {
	inflight []int64
	done     map[int64]kafka.Message
}

type handle struct {
	msg        kafka.Message
	generation int
}

// Consumer is a kafka-go consumer group member. It is driven by a single
// poll goroutine.
type Consumer struct {
	t     *Transport
	group string

	mu         sync.Mutex
	reader     Reader
	topics     []string
	generation int
	paused     bool
	redeliver  []kafka.Message
	trackers   map[partition]*tracker
}

// Subscribe replaces the topic set by recreating the group reader.
func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := slices.Clone(topics)
	slices.Sort(sorted)
	if c.reader != nil && slices.Equal(sorted, c.topics) {
		return nil
	}

	if err := c.resetLocked(); err != nil {
		return err
	}
	c.topics = sorted
	if len(sorted) == 0 {
		return nil
	}

	c.reader = ReaderFactory(kafka.ReaderConfig{
		Brokers:       c.t.config.Brokers,
		GroupID:       c.group,
		GroupTopics:   sorted,
		MaxWait:       c.t.config.MaxWait,
		QueueCapacity: c.t.config.QueueCapacity,
	})
	return nil
}

func (c *Consumer) resetLocked() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
		c.reader = nil
	}
	c.generation++
	c.redeliver = nil
	c.trackers = make(map[partition]*tracker)
	return err
}

// Unsubscribe closes the reader.
func (c *Consumer) Unsubscribe() error {
	return c.Subscribe(nil)
}

// Poll returns a sought record first, then the next fetched one.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*transport.Record, error) {
	c.mu.Lock()
	if c.paused || c.reader == nil {
		c.mu.Unlock()
		return nil, transport.Wait(ctx, timeout)
	}
	if len(c.redeliver) > 0 {
		msg := c.redeliver[0]
		c.redeliver = c.redeliver[1:]
		rec := c.record(msg)
		c.mu.Unlock()
		return rec, nil
	}
	reader, gen := c.reader, c.generation
	c.mu.Unlock()

	if timeout <= 0 {
		return nil, ctx.Err()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, &transport.ConsumeError{Err: err, Recoverable: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		// Reassigned while fetching; the new reader fetches it again.
		return nil, nil
	}
	p := partition{topic: msg.Topic, id: msg.Partition}
	tr := c.trackers[p]
	if tr == nil {
		tr = &tracker{done: make(map[int64]kafka.Message)}
		c.trackers[p] = tr
	}
	tr.inflight = append(tr.inflight, msg.Offset)
	return c.record(msg), nil
}

func (c *Consumer) record(msg kafka.Message) *transport.Record {
	headers := make(metadata.Headers, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		headers = append(headers, metadata.Header{Key: h.Key, Value: h.Value})
	}
	return &transport.Record{
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
		ID:        fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
		Handle:    handle{msg: msg, generation: c.generation},
	}
}

// Pause stops fetching. The reader's prefetch queue fills and then stops.
func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts fetching.
func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Commit marks rec done and commits the highest contiguous completed offset
// of its partition.
func (c *Consumer) Commit(ctx context.Context, rec *transport.Record) error {
	h, ok := rec.Handle.(handle)
	if !ok {
		return errors.New("record was not produced by a kafka-go consumer")
	}

	c.mu.Lock()
	if h.generation != c.generation || c.reader == nil {
		c.mu.Unlock()
		return nil
	}
	tr := c.trackers[partition{topic: h.msg.Topic, id: h.msg.Partition}]
	if tr == nil {
		c.mu.Unlock()
		return nil
	}
	tr.done[h.msg.Offset] = h.msg

	var last *kafka.Message
	for len(tr.inflight) > 0 {
		m, ok := tr.done[tr.inflight[0]]
		if !ok {
			break
		}
		delete(tr.done, tr.inflight[0])
		tr.inflight = tr.inflight[1:]
		last = &m
	}
	reader := c.reader
	c.mu.Unlock()

	if last == nil {
		return nil
	}
	return reader.CommitMessages(ctx, *last)
}

// Seek queues rec for redelivery on the next Poll.
func (c *Consumer) Seek(rec *transport.Record) error {
	h, ok := rec.Handle.(handle)
	if !ok {
		return errors.New("record was not produced by a kafka-go consumer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h.generation != c.generation {
		return nil
	}
	c.redeliver = append(c.redeliver, h.msg)
	return nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}
