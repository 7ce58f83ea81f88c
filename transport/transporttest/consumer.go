package transporttest

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// NewRecord builds a record tagged with typeName.
func NewRecord(topic, typeName string, value []byte) *transport.Record {
	h := metadata.Headers{}
	if typeName != "" {
		h = h.SetString(metadata.KeyMessageType, typeName)
	}
	return &transport.Record{Topic: topic, Value: value, Headers: h, Timestamp: time.Now()}
}

// Consumer is an in-memory transport.Consumer. Seek puts the record back at
// the head of the queue, like rewinding a partition.
type Consumer struct {
	mu       sync.Mutex
	queue    []*transport.Record
	notify   chan struct{}
	topics   []string
	paused   bool
	closed   bool
	offset   int64
	pollErrs []error

	Subscribes   [][]string
	Unsubscribes int
	Pauses       int
	Resumes      int
	ZeroPolls    int
	Commits      []*transport.Record
	Seeks        []*transport.Record
}

// NewConsumer creates an empty fake consumer.
func NewConsumer() *Consumer {
	return &Consumer{notify: make(chan struct{}, 1)}
}

// Push enqueues records for Poll. Records without an offset get the next one.
func (c *Consumer) Push(recs ...*transport.Record) {
	c.mu.Lock()
	for _, rec := range recs {
		if rec.Offset == 0 {
			c.offset++
			rec.Offset = c.offset
		}
		if rec.ID == "" {
			rec.ID = rec.Topic + "/" + strconv.FormatInt(rec.Offset, 10)
		}
		c.queue = append(c.queue, rec)
	}
	c.mu.Unlock()
	c.signal()
}

// FailNextPoll makes the next Poll return err.
func (c *Consumer) FailNextPoll(err error) {
	c.mu.Lock()
	c.pollErrs = append(c.pollErrs, err)
	c.mu.Unlock()
	c.signal()
}

func (c *Consumer) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	c.topics = slices.Clone(topics)
	c.Subscribes = append(c.Subscribes, slices.Clone(topics))
	return nil
}

func (c *Consumer) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = nil
	c.Unsubscribes++
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*transport.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if timeout <= 0 {
			c.ZeroPolls++
		}
		if len(c.pollErrs) > 0 {
			err := c.pollErrs[0]
			c.pollErrs = c.pollErrs[1:]
			c.mu.Unlock()
			return nil, err
		}
		if !c.paused {
			for i, rec := range c.queue {
				if slices.Contains(c.topics, rec.Topic) {
					c.queue = slices.Delete(c.queue, i, i+1)
					c.mu.Unlock()
					return rec, nil
				}
			}
		}
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ctx.Err()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.Pauses++
	c.mu.Unlock()
}

func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.Resumes++
	c.mu.Unlock()
	c.signal()
}

func (c *Consumer) Commit(_ context.Context, rec *transport.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Commits = append(c.Commits, rec)
	return nil
}

func (c *Consumer) Seek(rec *transport.Record) error {
	c.mu.Lock()
	c.Seeks = append(c.Seeks, rec)
	c.queue = append([]*transport.Record{rec}, c.queue...)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Snapshot returns copies of the recorded calls.
func (c *Consumer) Snapshot() ConsumerCalls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerCalls{
		Subscribes:   slices.Clone(c.Subscribes),
		Unsubscribes: c.Unsubscribes,
		Pauses:       c.Pauses,
		Resumes:      c.Resumes,
		ZeroPolls:    c.ZeroPolls,
		Commits:      slices.Clone(c.Commits),
		Seeks:        slices.Clone(c.Seeks),
		Paused:       c.paused,
		Closed:       c.closed,
		Topics:       slices.Clone(c.topics),
		Queued:       len(c.queue),
	}
}

// ConsumerCalls is a point-in-time copy of a Consumer's recorded calls.
type ConsumerCalls struct {
	Subscribes   [][]string
	Unsubscribes int
	Pauses       int
	Resumes      int
	ZeroPolls    int
	Commits      []*transport.Record
	Seeks        []*transport.Record
	Paused       bool
	Closed       bool
	Topics       []string
	Queued       int
}

// Producer is an in-memory transport.Producer.
type Producer struct {
	mu        sync.Mutex
	published []Published
	closed    bool

	// Fail, when set, decides per message whether Publish fails.
	Fail func(topic string, msg transport.OutboundMessage) error
}

// Published is one message handed to Producer.Publish.
type Published struct {
	Topic string
	Msg   transport.OutboundMessage
}

func (p *Producer) Publish(_ context.Context, topic string, msg transport.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(topic, msg); err != nil {
			return err
		}
	}
	p.published = append(p.published, Published{Topic: topic, Msg: msg})
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns everything published so far.
func (p *Producer) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.published)
}

// Closed reports whether Close was called.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
