// Package channel implements the bounded per-type queue that sits between a
// poll loop and the consumers of one message type.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

const (
	DefaultCapacity      = 1000
	DefaultHighWatermark = 0.8
	DefaultLowWatermark  = 0.5
)

// Overflow decides what Write does when the channel is full.
type Overflow int

const (
	// OverflowBlock makes writers wait for free space.
	OverflowBlock Overflow = iota
	// OverflowDropOldest evicts the oldest queued item to make room.
	OverflowDropOldest
)

func (o Overflow) String() string {
	if o == OverflowDropOldest {
		return "drop_oldest"
	}
	return "block"
}

// ParseOverflow maps a configuration string onto an Overflow policy.
func ParseOverflow(value string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "block", "wait":
		return OverflowBlock, nil
	case "drop_oldest", "drop-oldest", "dropoldest":
		return OverflowDropOldest, nil
	default:
		return OverflowBlock, fmt.Errorf("channel: unknown overflow policy %q", value)
	}
}

// Config sizes a Channel. Watermarks are fractions of Capacity.
type Config struct {
	Capacity      int
	HighWatermark float64
	LowWatermark  float64
	Overflow      Overflow
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = DefaultHighWatermark
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = DefaultLowWatermark
	}
	if c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 2
	}
	return c
}

// Normalized returns the configuration with defaults and corrections applied.
func (c Config) Normalized() Config {
	return c.withDefaults()
}

// Channel is a bounded FIFO with watermark queries for backpressure.
// Write and Read block until they can proceed or ctx is done.
type Channel[T any] struct {
	cfg    Config
	onDrop func(T)

	mu      sync.Mutex
	items   []T
	head    int
	count   int
	closed  bool
	dropped uint64
	changed chan struct{}
}

// Option customises a Channel.
type Option[T any] func(*Channel[T])

// WithDropHandler is called, outside the lock, for every item evicted by
// OverflowDropOldest.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(c *Channel[T]) {
		c.onDrop = fn
	}
}

// New creates a Channel.
func New[T any](cfg Config, opts ...Option[T]) *Channel[T] {
	cfg = cfg.withDefaults()
	c := &Channel[T]{
		cfg:     cfg,
		items:   make([]T, cfg.Capacity),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Channel[T]) Config() Config {
	return c.cfg
}

// Capacity returns the maximum number of queued items.
func (c *Channel[T]) Capacity() int {
	return c.cfg.Capacity
}

// Count returns the number of queued items.
func (c *Channel[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Dropped returns how many items OverflowDropOldest has evicted.
func (c *Channel[T]) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// ShouldPause reports whether the queue reached the high watermark.
func (c *Channel[T]) ShouldPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.count) >= float64(c.cfg.Capacity)*c.cfg.HighWatermark
}

// ShouldResume reports whether the queue drained to the low watermark.
func (c *Channel[T]) ShouldResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.count) <= float64(c.cfg.Capacity)*c.cfg.LowWatermark
}

// Write enqueues item, applying the overflow policy when full.
func (c *Channel[T]) Write(ctx context.Context, item T) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errspkg.ErrChannelClosed
		}
		if c.count < c.cfg.Capacity {
			c.push(item)
			c.broadcast()
			c.mu.Unlock()
			return nil
		}
		if c.cfg.Overflow == OverflowDropOldest {
			evicted := c.pop()
			c.dropped++
			c.push(item)
			c.broadcast()
			c.mu.Unlock()
			if c.onDrop != nil {
				c.onDrop(evicted)
			}
			return nil
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Read dequeues the oldest item. After Close, queued items are still
// returned; ErrChannelClosed is reported once the queue is empty.
func (c *Channel[T]) Read(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if c.count > 0 {
			item := c.pop()
			c.broadcast()
			c.mu.Unlock()
			return item, nil
		}
		if c.closed {
			c.mu.Unlock()
			var zero T
			return zero, errspkg.ErrChannelClosed
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRead dequeues without waiting.
func (c *Channel[T]) TryRead() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		var zero T
		return zero, false
	}
	item := c.pop()
	c.broadcast()
	return item, true
}

// Close rejects further writes and wakes all waiters.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.broadcast()
}

func (c *Channel[T]) push(item T) {
	tail := (c.head + c.count) % c.cfg.Capacity
	c.items[tail] = item
	c.count++
}

func (c *Channel[T]) pop() T {
	var zero T
	item := c.items[c.head]
	c.items[c.head] = zero
	c.head = (c.head + 1) % c.cfg.Capacity
	c.count--
	return item
}

// broadcast must be called with mu held.
func (c *Channel[T]) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}
