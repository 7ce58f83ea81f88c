// Package consumer fans records from physical broker consumers out to the
// per-type channels and runs the per-type dispatchers that drain them.
package consumer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/drblury/courier/internal/runtime/breaker"
	"github.com/drblury/courier/internal/runtime/channel"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/transport"
)

// ProcessFunc runs one record through a type's consume pipeline.
type ProcessFunc func(ctx context.Context, rec *transport.Record) error

// Delivery is a record queued on a type's channel. It remembers the loop
// that polled it so the commit or seek goes back to the same consumer.
type Delivery struct {
	Record *transport.Record
	origin *PollLoop
}

// TypeConfig describes one registered message type.
type TypeConfig struct {
	Name string
	// Topic defaults to Name.
	Topic string
	// Exclusive gives the type its own physical consumer.
	Exclusive bool
	// Concurrency is the number of dispatcher goroutines. Defaults to 1.
	Concurrency int
	Channel     channel.Config
	// Breaker is optional. Without one a processing failure is fatal for the
	// loop that delivered the record.
	Breaker *breaker.Breaker
	Process ProcessFunc
	// OnDrop observes records evicted by a drop-oldest channel.
	OnDrop func(*transport.Record)
}

// TypeState is the runtime state of one registered type. It lives for the
// whole process.
type TypeState struct {
	cfg     TypeConfig
	channel *channel.Channel[*Delivery]
	active  atomic.Bool
	// gate orders channel writes against deactivation.
	gate    sync.RWMutex
}

// NewTypeState validates cfg and allocates the type's channel.
func NewTypeState(cfg TypeConfig) (*TypeState, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrTypeNameRequired
	}
	if cfg.Process == nil {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrHandlerRequired, cfg.Name)
	}
	if cfg.Topic == "" {
		cfg.Topic = cfg.Name
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var opts []channel.Option[*Delivery]
	if cfg.OnDrop != nil {
		onDrop := cfg.OnDrop
		opts = append(opts, channel.WithDropHandler(func(d *Delivery) {
			onDrop(d.Record)
		}))
	}
	return &TypeState{
		cfg:     cfg,
		channel: channel.New(cfg.Channel, opts...),
	}, nil
}

func (s *TypeState) Name() string                         { return s.cfg.Name }
func (s *TypeState) Topic() string                        { return s.cfg.Topic }
func (s *TypeState) Exclusive() bool                      { return s.cfg.Exclusive }
func (s *TypeState) Concurrency() int                     { return s.cfg.Concurrency }
func (s *TypeState) Breaker() *breaker.Breaker            { return s.cfg.Breaker }
func (s *TypeState) Channel() *channel.Channel[*Delivery] { return s.channel }

// Active reports whether a dispatcher is draining the channel. Records for
// inactive types are not routed.
func (s *TypeState) Active() bool { return s.active.Load() }

// offer queues del when the type is active. A deactivation waits for an
// offer in progress, so the dispatcher's final drain sees every queued
// delivery.
func (s *TypeState) offer(ctx context.Context, del *Delivery) (bool, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.active.Load() {
		return false, nil
	}
	return true, s.channel.Write(ctx, del)
}

func (s *TypeState) deactivate() {
	s.gate.Lock()
	s.active.Store(false)
	s.gate.Unlock()
}

// Registry maps stable type names to their state. It is filled during
// registration and read by every poll loop.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeState
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeState)}
}

// Add registers state under its name.
func (r *Registry) Add(state *TypeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[state.Name()]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrTypeAlreadyRegistered, state.Name())
	}
	r.types[state.Name()] = state
	return nil
}

func (r *Registry) Get(name string) (*TypeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.types[name]
	return state, ok
}

// All returns the registered types ordered by name.
func (r *Registry) All() []*TypeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TypeState, 0, len(r.types))
	for _, state := range r.types {
		out = append(out, state)
	}
	slices.SortFunc(out, func(a, b *TypeState) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}
