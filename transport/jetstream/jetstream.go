// Package jetstream provides a native NATS JetStream transport for courier.
// Consumers pull from durable JetStream consumers, one per topic, and only
// fetch while the poll loop is not paused.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "COURIER"

	// DefaultMaxDeliver leaves redelivery unbounded; courier's breaker and
	// retry stages decide when to give up.
	DefaultMaxDeliver = -1

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single pull request.
	DefaultFetchWait = time.Second

	pausedBackoff = 50 * time.Millisecond
)

// JetStream is the subset of nats.JetStreamContext the transport uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Fetcher is a bound pull subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Connect allows overriding the connection creation for testing. The
// returned func closes the connection.
var Connect = func(url string) (JetStream, func(), error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, nc.Close, nil
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetNATSStream(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Producer:    t,
		NewConsumer: t.NewConsumer,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "COURIER".
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts. Negative means
	// unlimited.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string

	// FetchBatch is the number of messages requested per pull.
	FetchBatch int

	// FetchWait bounds a single pull request.
	FetchWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	return c
}

// Transport publishes to and builds consumers for one JetStream stream.
type Transport struct {
	js        JetStream
	closeConn func()
	config    Config
	logger    watermill.LoggerAdapter

	closed atomic.Bool
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()

	js, closeConn, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	t, err := NewWithJetStream(js, cfg, logger)
	if err != nil {
		closeConn()
		return nil, err
	}
	t.closeConn = closeConn
	return t, nil
}

// NewWithJetStream builds a transport over an existing JetStream context.
func NewWithJetStream(js JetStream, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		js:     js,
		config: cfg.withDefaults(),
		logger: logger,
	}
	if err := t.ensureStream(); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
		t.logger.Info("JetStream stream updated", watermill.LogFields{
			"stream": t.config.StreamName,
		})
	}
	return nil
}

// Publish writes msg and waits for the stream's ack.
func (t *Transport) Publish(ctx context.Context, topic string, msg transport.OutboundMessage) error {
	if t.closed.Load() {
		return fmt.Errorf("transport is closed")
	}

	natsMsg := &nats.Msg{
		Subject: t.subject(topic),
		Data:    msg.Value,
		Header:  toNATSHeader(msg),
	}
	if _, err := t.js.PublishMsg(natsMsg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	return nil
}

// Close closes the connection. Consumers must be closed first.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.closeConn != nil {
		t.closeConn()
	}
	return nil
}

// NewConsumer creates a pull consumer. name scopes the durable consumer
// names, so the shared and exclusive consumers never compete for a message.
func (t *Transport) NewConsumer(_ context.Context, name string) (transport.Consumer, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("transport is closed")
	}
	return newConsumer(t, name), nil
}

// GetCapabilities returns the JetStream transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

func durableName(consumer, topic string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return "courier_" + clean(consumer) + "_" + clean(topic)
}

type topicSub struct {
	cancel  context.CancelFunc
	fetcher Fetcher
}

// Consumer is a JetStream pull consumer.
type Consumer struct {
	t    *Transport
	name string

	pull func(subject, durable string) (Fetcher, error)
	ack  func(*nats.Msg) error
	nak  func(*nats.Msg) error

	deliveries chan *transport.Record
	paused     atomic.Bool

	mu     sync.Mutex
	topics map[string]topicSub
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newConsumer(t *Transport, name string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		t:          t,
		name:       name,
		ack:        func(m *nats.Msg) error { return m.Ack() },
		nak:        func(m *nats.Msg) error { return m.Nak() },
		deliveries: make(chan *transport.Record),
		topics:     make(map[string]topicSub),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.pull = func(subject, durable string) (Fetcher, error) {
		return t.js.PullSubscribe(subject, durable, nats.BindStream(t.config.StreamName))
	}
	return c
}

// Subscribe replaces the topic set.
func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("subscribe: consumer is closed")
	}

	for topic, sub := range c.topics {
		if !slices.Contains(topics, topic) {
			c.drop(topic, sub)
		}
	}

	for _, topic := range topics {
		if _, ok := c.topics[topic]; ok {
			continue
		}
		fetcher, err := c.bind(topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		ctx, cancel := context.WithCancel(c.ctx)
		c.topics[topic] = topicSub{cancel: cancel, fetcher: fetcher}
		c.wg.Add(1)
		go c.fetch(ctx, topic, fetcher)
	}
	return nil
}

func (c *Consumer) bind(topic string) (Fetcher, error) {
	subject := c.t.subject(topic)
	durable := durableName(c.name, topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    c.t.config.MaxDeliver,
		AckWait:       c.t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := c.t.js.AddConsumer(c.t.config.StreamName, consumerCfg); err != nil {
		if _, err := c.t.js.UpdateConsumer(c.t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}
	return c.pull(subject, durable)
}

func (c *Consumer) drop(topic string, sub topicSub) {
	sub.cancel()
	if err := sub.fetcher.Unsubscribe(); err != nil {
		c.t.logger.Error("Failed to unsubscribe", err, watermill.LogFields{"topic": topic})
	}
	delete(c.topics, topic)
}

// Unsubscribe drops every topic.
func (c *Consumer) Unsubscribe() error {
	return c.Subscribe(nil)
}

func (c *Consumer) fetch(ctx context.Context, topic string, f Fetcher) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		if c.paused.Load() {
			_ = transport.Wait(ctx, pausedBackoff)
			continue
		}

		msgs, err := f.Fetch(c.t.config.FetchBatch, nats.MaxWait(c.t.config.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			_ = transport.Wait(ctx, c.t.config.FetchWait)
			continue
		}

		for _, m := range msgs {
			select {
			case c.deliveries <- c.toRecord(topic, m):
			case <-ctx.Done():
				_ = c.nak(m)
				return
			}
		}
	}
}

// Poll returns the next fetched message.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*transport.Record, error) {
	if c.paused.Load() {
		return nil, transport.Wait(ctx, timeout)
	}
	return transport.Receive(ctx, c.deliveries, timeout)
}

// Pause stops issuing pull requests.
func (c *Consumer) Pause() {
	c.paused.Store(true)
}

// Resume restarts pull requests.
func (c *Consumer) Resume() {
	c.paused.Store(false)
}

// Commit acks the message.
func (c *Consumer) Commit(_ context.Context, rec *transport.Record) error {
	m, ok := rec.Handle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("record was not produced by a JetStream consumer")
	}
	return c.ack(m)
}

// Seek naks the message so JetStream redelivers it.
func (c *Consumer) Seek(rec *transport.Record) error {
	m, ok := rec.Handle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("record was not produced by a JetStream consumer")
	}
	return c.nak(m)
}

// Close stops every fetch goroutine and drops the pull subscriptions.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for topic, sub := range c.topics {
		c.drop(topic, sub)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Consumer) toRecord(topic string, m *nats.Msg) *transport.Record {
	headers := fromNATSHeader(m.Header)
	rec := &transport.Record{
		Topic:     topic,
		Partition: 0,
		Offset:    -1,
		ID:        m.Header.Get(nats.MsgIdHdr),
		Value:     m.Data,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
		Handle:    m,
	}
	if key, ok := headers.Get(metadata.KeyPartitionKey); ok {
		rec.Key = key
	}
	if md, err := m.Metadata(); err == nil {
		rec.Offset = int64(md.Sequence.Stream)
		rec.Timestamp = md.Timestamp
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
		}
	}
	return rec
}

func toNATSHeader(msg transport.OutboundMessage) nats.Header {
	h := nats.Header{}
	msg.Headers.Range(func(key string, value []byte) bool {
		h.Add(key, string(value))
		return true
	})
	if len(msg.Key) > 0 {
		h.Set(metadata.KeyPartitionKey, string(msg.Key))
	}
	return h
}

func fromNATSHeader(h nats.Header) metadata.Headers {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(metadata.Headers, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, metadata.Header{Key: k, Value: []byte(v)})
		}
	}
	return out
}
