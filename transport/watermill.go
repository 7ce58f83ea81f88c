package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/courier/internal/runtime/metadata"
)

var errNotWatermillRecord = errors.New("record was not produced by a watermill consumer")

// WatermillProducer adapts a watermill publisher to Producer.
type WatermillProducer struct {
	pub     message.Publisher
	closers []io.Closer
}

// NewWatermillProducer wraps pub. Extra closers are closed after pub, which
// lets builders tie a shared subscriber's lifetime to the transport.
func NewWatermillProducer(pub message.Publisher, closers ...io.Closer) *WatermillProducer {
	return &WatermillProducer{pub: pub, closers: closers}
}

// Publish sends msg to topic. The record key travels in the partition key
// header because watermill messages have no native key.
func (p *WatermillProducer) Publish(ctx context.Context, topic string, msg OutboundMessage) error {
	wm := message.NewMessage(watermill.NewUUID(), msg.Value)
	wm.Metadata = metadata.ToWatermill(msg.Headers)
	if len(msg.Key) > 0 {
		wm.Metadata.Set(metadata.KeyPartitionKey, string(msg.Key))
	}
	wm.SetContext(ctx)
	return p.pub.Publish(topic, wm)
}

// Close closes the publisher and any attached closers.
func (p *WatermillProducer) Close() error {
	errs := []error{p.pub.Close()}
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// WatermillConsumer adapts a watermill subscriber to the poll based Consumer
// contract. One goroutine per subscribed topic forwards messages into an
// unbuffered hand-off, so nothing is fetched ahead of Poll.
type WatermillConsumer struct {
	sub            message.Subscriber
	ownsSubscriber bool
	logger         watermill.LoggerAdapter

	deliveries chan *Record
	paused     atomic.Bool

	mu     sync.Mutex
	topics map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatermillConsumer wraps sub. When ownsSubscriber is set, Close also
// closes sub.
func NewWatermillConsumer(sub message.Subscriber, logger watermill.LoggerAdapter, ownsSubscriber bool) *WatermillConsumer {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillConsumer{
		sub:            sub,
		ownsSubscriber: ownsSubscriber,
		logger:         logger,
		deliveries:     make(chan *Record),
		topics:         make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Subscribe replaces the topic set. Topics that stay subscribed keep their
// watermill subscription.
func (c *WatermillConsumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("subscribe: consumer is closed")
	}

	for topic, cancel := range c.topics {
		if !slices.Contains(topics, topic) {
			cancel()
			delete(c.topics, topic)
		}
	}

	for _, topic := range topics {
		if _, ok := c.topics[topic]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(c.ctx)
		msgs, err := c.sub.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.topics[topic] = cancel
		c.wg.Add(1)
		go c.forward(ctx, topic, msgs)
	}
	return nil
}

// Unsubscribe drops every topic.
func (c *WatermillConsumer) Unsubscribe() error {
	return c.Subscribe(nil)
}

// Topics returns the current topic set in sorted order.
func (c *WatermillConsumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

func (c *WatermillConsumer) forward(ctx context.Context, topic string, msgs <-chan *message.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			rec := recordFromWatermill(topic, msg)
			select {
			case c.deliveries <- rec:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

// Poll returns the next forwarded message. While paused it only waits, so
// forwarding goroutines stay blocked and the broker sees no new acks.
func (c *WatermillConsumer) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	if c.paused.Load() {
		return nil, Wait(ctx, timeout)
	}
	return Receive(ctx, c.deliveries, timeout)
}

// Pause stops handing out messages.
func (c *WatermillConsumer) Pause() {
	c.paused.Store(true)
}

// Resume restarts handing out messages.
func (c *WatermillConsumer) Resume() {
	c.paused.Store(false)
}

// Paused reports whether Pause is in effect.
func (c *WatermillConsumer) Paused() bool {
	return c.paused.Load()
}

// Commit acks the underlying message.
func (c *WatermillConsumer) Commit(_ context.Context, rec *Record) error {
	msg, ok := rec.Handle.(*message.Message)
	if !ok {
		return errNotWatermillRecord
	}
	msg.Ack()
	return nil
}

// Seek nacks the underlying message so the subscriber redelivers it.
func (c *WatermillConsumer) Seek(rec *Record) error {
	msg, ok := rec.Handle.(*message.Message)
	if !ok {
		return errNotWatermillRecord
	}
	msg.Nack()
	return nil
}

// Close stops forwarding and, when owned, closes the subscriber.
func (c *WatermillConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.topics = map[string]context.CancelFunc{}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if c.ownsSubscriber {
		return c.sub.Close()
	}
	return nil
}

func recordFromWatermill(topic string, msg *message.Message) *Record {
	headers := metadata.FromWatermill(msg.Metadata)
	var key []byte
	if pk := msg.Metadata.Get(metadata.KeyPartitionKey); pk != "" {
		key = []byte(pk)
	}
	return &Record{
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		ID:        msg.UUID,
		Key:       key,
		Value:     msg.Payload,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
		Handle:    msg,
	}
}

// FromWatermill builds a Transport from a publisher and a subscriber
// constructor. newSubscriber is called once per physical consumer and the
// returned subscriber is owned by it.
func FromWatermill(pub message.Publisher, newSubscriber func(ctx context.Context, name string) (message.Subscriber, error), logger watermill.LoggerAdapter, closers ...io.Closer) Transport {
	return Transport{
		Producer: NewWatermillProducer(pub, closers...),
		NewConsumer: func(ctx context.Context, name string) (Consumer, error) {
			sub, err := newSubscriber(ctx, name)
			if err != nil {
				return nil, err
			}
			return NewWatermillConsumer(sub, logger, true), nil
		},
	}
}

// FromSharedWatermill builds a Transport whose consumers share one
// subscriber. The subscriber is closed with the producer.
func FromSharedWatermill(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) Transport {
	var closers []io.Closer
	if any(sub) != any(pub) {
		closers = append(closers, sub)
	}
	return Transport{
		Producer: NewWatermillProducer(pub, closers...),
		NewConsumer: func(context.Context, string) (Consumer, error) {
			return NewWatermillConsumer(sub, logger, false), nil
		},
	}
}
