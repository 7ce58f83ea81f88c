// Package breaker implements the per-type circuit breaker that protects a
// consumer from hammering a failing downstream.
//
// Outcomes are kept in a fixed-size ring. Once the ring holds at least
// MinimumThroughput outcomes and TripThreshold of them are failures the
// breaker opens. After ResetInterval the next Allow moves it to half-open,
// where ActiveThreshold consecutive successes close it again and any failure
// re-opens it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultWindowSize        = 20
	DefaultTripThreshold     = 10
	DefaultMinimumThroughput = 10
	DefaultActiveThreshold   = 3
	DefaultResetInterval     = 30 * time.Second
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errspkg.ErrCircuitOpen

// Config tunes a Breaker. Zero values fall back to the defaults.
type Config struct {
	// WindowSize is the number of recent outcomes kept in the ring.
	WindowSize int
	// TripThreshold is the number of failures in the window that opens the breaker.
	TripThreshold int
	// MinimumThroughput is the number of outcomes required before tripping is considered.
	MinimumThroughput int
	// ActiveThreshold is the number of consecutive half-open successes that close the breaker.
	ActiveThreshold int
	// ResetInterval is how long the breaker stays open before admitting a trial call.
	ResetInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.TripThreshold <= 0 {
		c.TripThreshold = DefaultTripThreshold
	}
	if c.MinimumThroughput <= 0 {
		c.MinimumThroughput = DefaultMinimumThroughput
	}
	if c.ActiveThreshold <= 0 {
		c.ActiveThreshold = DefaultActiveThreshold
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = DefaultResetInterval
	}
	if c.WindowSize < c.TripThreshold {
		c.WindowSize = c.TripThreshold
	}
	if c.WindowSize < c.MinimumThroughput {
		c.WindowSize = c.MinimumThroughput
	}
	return c
}

// Validate rejects explicit negative values.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize < 0 {
		errs = append(errs, errors.New("breaker: window size cannot be negative"))
	}
	if c.TripThreshold < 0 {
		errs = append(errs, errors.New("breaker: trip threshold cannot be negative"))
	}
	if c.MinimumThroughput < 0 {
		errs = append(errs, errors.New("breaker: minimum throughput cannot be negative"))
	}
	if c.ActiveThreshold < 0 {
		errs = append(errs, errors.New("breaker: active threshold cannot be negative"))
	}
	if c.ResetInterval < 0 {
		errs = append(errs, errors.New("breaker: reset interval cannot be negative"))
	}
	return errors.Join(errs...)
}

// Normalized returns the configuration with defaults applied.
func (c Config) Normalized() Config {
	return c.withDefaults()
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers an observer called after each transition.
// It runs outside the breaker lock.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is safe for concurrent use. Every message type owns its own
// instance.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange StateChangeFunc

	mu                sync.Mutex
	state             State
	window            *window
	openedAt          time.Time
	halfOpenSuccesses int
	// trial is set while the single half-open call is in flight.
	trial             bool
}

// New creates a closed Breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		state:  Closed,
		window: newWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the failures and total outcomes currently in the window.
func (b *Breaker) Counts() (failures, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.failures, b.window.count
}

// TrialInFlight reports whether a half-open breaker has its single call in flight.
func (b *Breaker) TrialInFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == HalfOpen && b.trial
}

// RetryAfter returns how long an open breaker keeps rejecting calls.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cfg.ResetInterval - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Allow reports whether a call may proceed. An open breaker whose reset
// interval elapsed moves to half-open. A half-open breaker lets one call
// through at a time; the caller must finish it with RecordSuccess,
// RecordFailure or Ignore.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var notify func()
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetInterval {
			notify = b.transition(HalfOpen)
			b.trial = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.trial {
			allowed = false
		} else {
			b.trial = true
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess feeds a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case Closed:
		b.window.add(false)
		if b.shouldTrip() {
			notify = b.transition(Open)
		}
	case HalfOpen:
		b.trial = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.ActiveThreshold {
			notify = b.transition(Closed)
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure feeds a failed outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case Closed:
		b.window.add(true)
		if b.shouldTrip() {
			notify = b.transition(Open)
		}
	case HalfOpen:
		notify = b.transition(Open)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Ignore ends an allowed call whose outcome does not count, freeing the
// half-open slot.
func (b *Breaker) Ignore() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// Record feeds err as a failure, or a success when err is nil.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.RecordFailure()
		return
	}
	b.RecordSuccess()
}

// Execute runs fn when allowed and records its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) shouldTrip() bool {
	return b.window.count >= b.cfg.MinimumThroughput && b.window.failures >= b.cfg.TripThreshold
}

// transition must be called with mu held. The returned func notifies the
// observer and must be called after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.trial = false
	switch to {
	case Open:
		b.openedAt = b.now()
	case HalfOpen:
		b.halfOpenSuccesses = 0
	case Closed:
		b.window.reset()
		b.halfOpenSuccesses = 0
	}
	if b.onChange == nil {
		return nil
	}
	fn, name := b.onChange, b.name
	return func() { fn(name, from, to) }
}
