package consumer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// scope is one physical consumer with its poll loop and topic ref-counts.
type scope struct {
	name      string
	dedicated bool
	consumer  transport.Consumer
	loop      *PollLoop
	topics    map[string]int
	types     map[string]int
}

func (s *scope) topicSet() []string {
	return slices.Sorted(maps.Keys(s.topics))
}

// SubscriptionRegistry activates types on shared or dedicated consumers and
// ref-counts their topics. Loops run under the registry's context, not the
// caller's.
type SubscriptionRegistry struct {
	ctx         context.Context
	newConsumer transport.ConsumerFactory
	registry    *Registry
	logger      logging.ServiceLogger
	loopConfig  LoopConfig

	mu          sync.Mutex
	scopes      map[string]*scope
	dispatchers map[string]*Dispatcher
	typeRefs    map[string]int
	closed      bool
}

// NewSubscriptionRegistry creates an empty registry. loopConfig supplies the
// timings and observers of every loop it starts.
func NewSubscriptionRegistry(ctx context.Context, newConsumer transport.ConsumerFactory, registry *Registry, logger logging.ServiceLogger, loopConfig LoopConfig) *SubscriptionRegistry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &SubscriptionRegistry{
		ctx:         ctx,
		newConsumer: newConsumer,
		registry:    registry,
		logger:      logger,
		loopConfig:  loopConfig,
		scopes:      make(map[string]*scope),
		dispatchers: make(map[string]*Dispatcher),
		typeRefs:    make(map[string]int),
	}
}

// Token is a handle on one activation. Close releases it.
type Token struct {
	reg   *SubscriptionRegistry
	scope *scope
	state *TypeState
	once  sync.Once
	err   error
}

func (t *Token) TypeName() string { return t.state.Name() }
func (t *Token) Scope() string    { return t.scope.name }

// Close releases the activation. The last token of a topic removes it from
// the consumer; the last token of a dedicated consumer stops it.
func (t *Token) Close() error {
	t.once.Do(func() {
		t.err = t.reg.release(t)
	})
	return t.err
}

// Activate subscribes state's topic on the consumer it belongs to, starting
// that consumer's loop and the type's dispatcher when needed.
func (r *SubscriptionRegistry) Activate(ctx context.Context, state *TypeState) (*Token, error) {
	if r.newConsumer == nil {
		return nil, errspkg.ErrConsumerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errspkg.ErrLoopStopped
	}

	sc, created, err := r.scopeFor(ctx, state)
	if err != nil {
		return nil, err
	}

	attached := false
	if sc.types[state.Name()] == 0 {
		if err := sc.loop.Attach(ctx, state); err != nil {
			r.abandon(sc, created)
			return nil, err
		}
		attached = true
	}

	topic := state.Topic()
	if sc.topics[topic] == 0 {
		topics := append(sc.topicSet(), topic)
		slices.Sort(topics)
		if err := sc.loop.Subscribe(ctx, topics); err != nil {
			if attached {
				_ = sc.loop.Detach(ctx, state.Name())
			}
			r.abandon(sc, created)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		r.logger.Debug("Topic subscribed", logging.LogFields{"consumer": sc.name, "topic": topic})
	}
	sc.topics[topic]++
	sc.types[state.Name()]++

	if r.typeRefs[state.Name()] == 0 {
		r.dispatchers[state.Name()] = StartDispatcher(r.ctx, state, r.logger)
	}
	r.typeRefs[state.Name()]++

	return &Token{reg: r, scope: sc, state: state}, nil
}

func (r *SubscriptionRegistry) scopeFor(ctx context.Context, state *TypeState) (*scope, bool, error) {
	name := transport.SharedConsumerName
	if state.Exclusive() {
		name = state.Name()
	}
	if sc, ok := r.scopes[name]; ok {
		select {
		case <-sc.loop.Done():
			r.logger.Error("Replacing terminated poll loop", sc.loop.Err(), logging.LogFields{"consumer": name})
			delete(r.scopes, name)
			_ = sc.consumer.Close()
		default:
			return sc, false, nil
		}
	}

	c, err := r.newConsumer(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("create consumer %s: %w", name, err)
	}
	cfg := r.loopConfig
	cfg.Name = name
	cfg.Owner = ""
	if state.Exclusive() {
		cfg.Owner = state.Name()
	}
	sc := &scope{
		name:      name,
		dedicated: state.Exclusive(),
		consumer:  c,
		loop:      NewPollLoop(cfg, c, r.registry, r.logger),
		topics:    make(map[string]int),
		types:     make(map[string]int),
	}
	sc.loop.Start(r.ctx)
	r.scopes[name] = sc
	return sc, true, nil
}

// abandon tears down a scope created by a failed activation.
func (r *SubscriptionRegistry) abandon(sc *scope, created bool) {
	if !created {
		return
	}
	_ = sc.loop.Stop()
	_ = sc.consumer.Close()
	delete(r.scopes, sc.name)
}

func (r *SubscriptionRegistry) release(t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := t.scope
	name := t.state.Name()
	topic := t.state.Topic()
	ctx := r.ctx
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	var errs []error
	r.typeRefs[name]--
	if r.typeRefs[name] <= 0 {
		delete(r.typeRefs, name)
		if d, ok := r.dispatchers[name]; ok {
			d.Stop()
			delete(r.dispatchers, name)
		}
	}

	sc.types[name]--
	if sc.types[name] <= 0 {
		delete(sc.types, name)
		errs = append(errs, sc.loop.Detach(ctx, name))
	}

	sc.topics[topic]--
	if sc.topics[topic] <= 0 {
		delete(sc.topics, topic)
		if remaining := sc.topicSet(); len(remaining) > 0 {
			errs = append(errs, sc.loop.Subscribe(ctx, remaining))
		} else {
			errs = append(errs, sc.loop.Unsubscribe(ctx))
		}
		r.logger.Debug("Topic released", logging.LogFields{"consumer": sc.name, "topic": topic})
	}

	if sc.dedicated && len(sc.topics) == 0 {
		errs = append(errs, sc.loop.Stop(), sc.consumer.Close())
		if r.scopes[sc.name] == sc {
			delete(r.scopes, sc.name)
		}
	}
	return joinIgnoringStopped(errs...)
}

// Close stops every dispatcher and loop and closes the consumers.
func (r *SubscriptionRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for name, d := range r.dispatchers {
		d.Stop()
		delete(r.dispatchers, name)
	}
	var errs []error
	for name, sc := range r.scopes {
		errs = append(errs, sc.loop.Stop(), sc.consumer.Close())
		delete(r.scopes, name)
	}
	return errors.Join(errs...)
}

// ScopeSnapshot describes one physical consumer.
type ScopeSnapshot struct {
	Name      string
	Dedicated bool
	State     LoopState
	Topics    []string
	Err       error
}

// Snapshot lists the live consumers ordered by name.
func (r *SubscriptionRegistry) Snapshot() []ScopeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScopeSnapshot, 0, len(r.scopes))
	for _, name := range slices.Sorted(maps.Keys(r.scopes)) {
		sc := r.scopes[name]
		out = append(out, ScopeSnapshot{
			Name:      sc.name,
			Dedicated: sc.dedicated,
			State:     sc.loop.State(),
			Topics:    sc.topicSet(),
			Err:       sc.loop.Err(),
		})
	}
	return out
}

// joinIgnoringStopped drops the errors of loops that already terminated.
func joinIgnoringStopped(errs ...error) error {
	kept := errs[:0]
	for _, err := range errs {
		if !errors.Is(err, errspkg.ErrLoopStopped) {
			kept = append(kept, err)
		}
	}
	return errors.Join(kept...)
}
