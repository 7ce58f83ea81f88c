package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/courier/internal/runtime/breaker"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

const (
	DefaultPollTimeout         = 100 * time.Millisecond
	DefaultResumeCheckInterval = 50 * time.Millisecond
)

// LoopState is the state of a poll loop's physical consumer.
type LoopState int32

const (
	Running LoopState = iota
	PausedByBackpressure
	PausedByCircuitBreaker
)

func (s LoopState) String() string {
	switch s {
	case Running:
		return "running"
	case PausedByBackpressure:
		return "paused_backpressure"
	case PausedByCircuitBreaker:
		return "paused_circuit_breaker"
	default:
		return fmt.Sprintf("loop_state(%d)", int32(s))
	}
}

// LoopConfig tunes a PollLoop.
type LoopConfig struct {
	Name string
	// Owner is the type a dedicated loop belongs to. Records without a type
	// header are routed to it.
	Owner string
	// PollTimeout bounds each real poll.
	PollTimeout time.Duration
	// ResumeCheckInterval is how often a paused loop re-checks watermarks
	// and breakers.
	ResumeCheckInterval time.Duration
	// OnStateChange observes transitions. It is also called once with
	// from == to when the loop starts.
	OnStateChange func(loop string, from, to LoopState)
	// OnUnroutable observes records that were committed without processing.
	OnUnroutable func(loop string, rec *transport.Record, reason string)
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Name == "" {
		c.Name = transport.SharedConsumerName
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ResumeCheckInterval <= 0 {
		c.ResumeCheckInterval = DefaultResumeCheckInterval
	}
	return c
}

type outcome int

const (
	outcomeCommit outcome = iota
	outcomeSeek
	outcomeFatal
)

type completion struct {
	rec      *transport.Record
	outcome  outcome
	typeName string
	err      error
}

type command struct {
	fn    func() error
	reply chan error
}

// PollLoop drives one physical consumer. Its goroutine is the only caller of
// the consumer: other goroutines hand it commands and completions.
type PollLoop struct {
	cfg      LoopConfig
	consumer transport.Consumer
	registry *Registry
	logger   logging.ServiceLogger

	commands chan command
	compMu   sync.Mutex
	pending  []completion
	wake     chan struct{}

	// Owned by the loop goroutine.
	guarded  map[string]*TypeState
	pausedBy []*TypeState
	paused   bool

	state   atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewPollLoop creates a stopped loop over c.
func NewPollLoop(cfg LoopConfig, c transport.Consumer, registry *Registry, logger logging.ServiceLogger) *PollLoop {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PollLoop{
		cfg:      cfg,
		consumer: c,
		registry: registry,
		logger:   logger.With(logging.LogFields{"poll_loop": cfg.Name}),
		commands: make(chan command),
		wake:     make(chan struct{}, 1),
		guarded:  make(map[string]*TypeState),
		done:     make(chan struct{}),
	}
}

func (l *PollLoop) Name() string { return l.cfg.Name }

// State returns the current loop state.
func (l *PollLoop) State() LoopState { return LoopState(l.state.Load()) }

// Done is closed once the loop goroutine has exited.
func (l *PollLoop) Done() <-chan struct{} { return l.done }

// Err returns the error that terminated the loop. It is nil while running and
// after a regular stop.
func (l *PollLoop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Start runs the loop until ctx is cancelled, Stop is called or a fatal
// error occurs. Only the first call has an effect.
func (l *PollLoop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (l *PollLoop) Stop() error {
	if !l.started.Load() {
		return nil
	}
	l.cancel()
	<-l.done
	return l.err
}

// Attach makes the loop guard state: its watermarks and breaker pause the
// physical consumer.
func (l *PollLoop) Attach(ctx context.Context, state *TypeState) error {
	return l.do(ctx, func() error {
		l.guarded[state.Name()] = state
		return nil
	})
}

// Detach stops guarding the named type.
func (l *PollLoop) Detach(ctx context.Context, name string) error {
	return l.do(ctx, func() error {
		delete(l.guarded, name)
		kept := l.pausedBy[:0]
		for _, state := range l.pausedBy {
			if state.Name() != name {
				kept = append(kept, state)
			}
		}
		l.pausedBy = kept
		return nil
	})
}

// Subscribe replaces the consumer's topic assignment.
func (l *PollLoop) Subscribe(ctx context.Context, topics []string) error {
	return l.do(ctx, func() error {
		return l.consumer.Subscribe(topics)
	})
}

// Unsubscribe drops every topic of the consumer.
func (l *PollLoop) Unsubscribe(ctx context.Context) error {
	return l.do(ctx, l.consumer.Unsubscribe)
}

func (l *PollLoop) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case l.commands <- command{fn: fn, reply: reply}:
	case <-l.done:
		return errspkg.ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		select {
		case err := <-reply:
			return err
		default:
			return errspkg.ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *PollLoop) complete(c completion) {
	select {
	case <-l.done:
		return
	default:
	}
	l.compMu.Lock()
	l.pending = append(l.pending, c)
	l.compMu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *PollLoop) run(ctx context.Context) {
	defer close(l.done)
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(l.cfg.Name, l.State(), l.State())
	}
	err := l.loop(ctx)
	// Acknowledge what finished before shutdown.
	if flushErr := l.flush(context.WithoutCancel(ctx)); err == nil || errors.Is(err, context.Canceled) {
		err = flushErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("Poll loop terminated", err, nil)
		l.err = err
	}
}

func (l *PollLoop) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.drain(ctx); err != nil {
			return err
		}

		if open := l.openBreaker(); open != nil {
			l.pause(PausedByCircuitBreaker)
			if err := l.heartbeat(ctx); err != nil {
				return err
			}
			wait := open.RetryAfter()
			if wait <= 0 || wait > l.cfg.ResumeCheckInterval {
				wait = l.cfg.ResumeCheckInterval
			}
			l.idle(ctx, wait)
			continue
		}

		switch l.State() {
		case PausedByCircuitBreaker:
			l.resume()
		case PausedByBackpressure:
			if !l.drained() {
				if err := l.heartbeat(ctx); err != nil {
					return err
				}
				l.idle(ctx, l.cfg.ResumeCheckInterval)
				continue
			}
			l.resume()
		}

		if pressured := l.pressured(); len(pressured) > 0 {
			l.pausedBy = pressured
			l.pause(PausedByBackpressure)
			continue
		}

		rec, err := l.consumer.Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			if fatal := l.pollFailed(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}
		if rec != nil {
			l.route(ctx, rec)
		}
	}
}

// drain applies queued completions, then queued commands.
func (l *PollLoop) drain(ctx context.Context) error {
	if err := l.flush(ctx); err != nil {
		return err
	}
	for {
		select {
		case cmd := <-l.commands:
			cmd.reply <- cmd.fn()
		default:
			return nil
		}
	}
}

func (l *PollLoop) flush(ctx context.Context) error {
	l.compMu.Lock()
	batch := l.pending
	l.pending = nil
	l.compMu.Unlock()

	var fatal error
	for _, c := range batch {
		switch c.outcome {
		case outcomeCommit:
			if err := l.consumer.Commit(ctx, c.rec); err != nil {
				l.logger.Error("Commit failed", err, recordFields(c.rec))
			}
		case outcomeSeek:
			l.seek(c.rec)
		case outcomeFatal:
			l.seek(c.rec)
			if fatal == nil {
				fatal = fmt.Errorf("consumer: %s failed and has no circuit breaker: %w", c.typeName, c.err)
			}
		}
	}
	return fatal
}

func (l *PollLoop) idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = l.cfg.ResumeCheckInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.wake:
	case cmd := <-l.commands:
		cmd.reply <- cmd.fn()
	}
}

// heartbeat issues a zero-length poll so the broker session stays alive
// while the consumer is paused.
func (l *PollLoop) heartbeat(ctx context.Context) error {
	rec, err := l.consumer.Poll(ctx, 0)
	if err != nil {
		return l.pollFailed(ctx, err)
	}
	if rec != nil {
		l.seek(rec)
	}
	return nil
}

// openBreaker returns a guarded breaker that rejects records: open within its
// reset interval, or half-open with its trial call in flight.
func (l *PollLoop) openBreaker() *breaker.Breaker {
	for _, state := range l.guarded {
		b := state.Breaker()
		if b == nil {
			continue
		}
		if b.TrialInFlight() || (b.State() == breaker.Open && b.RetryAfter() > 0) {
			return b
		}
	}
	return nil
}

func (l *PollLoop) pressured() []*TypeState {
	var out []*TypeState
	for _, state := range l.guarded {
		if state.Channel().ShouldPause() {
			out = append(out, state)
		}
	}
	return out
}

func (l *PollLoop) drained() bool {
	for _, state := range l.pausedBy {
		if !state.Channel().ShouldResume() {
			return false
		}
	}
	return true
}

func (l *PollLoop) pause(to LoopState) {
	if !l.paused {
		l.consumer.Pause()
		l.paused = true
	}
	l.setState(to)
}

func (l *PollLoop) resume() {
	if l.paused {
		l.consumer.Resume()
		l.paused = false
	}
	l.pausedBy = nil
	l.setState(Running)
}

func (l *PollLoop) setState(to LoopState) {
	from := LoopState(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.logger.Debug("Poll loop state changed", logging.LogFields{"from": from.String(), "to": to.String()})
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(l.cfg.Name, from, to)
	}
}

func (l *PollLoop) pollFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ce *transport.ConsumeError
	if errors.As(err, &ce) {
		switch {
		case ce.Record != nil:
			l.logger.Error("Consume failed, seeking back", err, recordFields(ce.Record))
			l.seek(ce.Record)
			return nil
		case ce.Recoverable:
			l.logger.Error("Recoverable consume error", err, nil)
			return nil
		default:
			return err
		}
	}
	l.logger.Error("Poll failed", err, nil)
	l.idle(ctx, l.cfg.ResumeCheckInterval)
	return nil
}

func (l *PollLoop) seek(rec *transport.Record) {
	if err := l.consumer.Seek(rec); err != nil {
		l.logger.Error("Seek failed", err, recordFields(rec))
	}
}

func (l *PollLoop) route(ctx context.Context, rec *transport.Record) {
	name, ok := l.typeOf(rec)
	if !ok {
		l.drop(ctx, rec, "missing type header")
		return
	}
	state, ok := l.registry.Get(name)
	if !ok {
		l.drop(ctx, rec, "unknown type "+name)
		return
	}
	queued, err := state.offer(ctx, &Delivery{Record: rec, origin: l})
	switch {
	case !queued:
		l.drop(ctx, rec, "no active consumer for "+name)
	case err != nil:
		l.seek(rec)
		if ctx.Err() == nil {
			l.logger.Error("Channel write failed", err, recordFields(rec))
		}
	}
}

// typeOf resolves the type tag of rec. Untagged records go to the owner of a
// dedicated loop, or to the only guarded type subscribed to the topic.
func (l *PollLoop) typeOf(rec *transport.Record) (string, bool) {
	if name := rec.Headers.GetString(metadata.KeyMessageType); name != "" {
		return name, true
	}
	if l.cfg.Owner != "" {
		return l.cfg.Owner, true
	}
	var match string
	for name, state := range l.guarded {
		if state.Topic() != rec.Topic {
			continue
		}
		if match != "" {
			return "", false
		}
		match = name
	}
	return match, match != ""
}

func (l *PollLoop) drop(ctx context.Context, rec *transport.Record, reason string) {
	fields := recordFields(rec)
	fields["reason"] = reason
	l.logger.Error("Dropping unroutable record", errspkg.ErrUnknownType, fields)
	if err := l.consumer.Commit(ctx, rec); err != nil {
		l.logger.Error("Commit failed", err, fields)
	}
	if l.cfg.OnUnroutable != nil {
		l.cfg.OnUnroutable(l.cfg.Name, rec, reason)
	}
}

func recordFields(rec *transport.Record) logging.LogFields {
	if rec == nil {
		return logging.LogFields{}
	}
	return logging.LogFields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
		"record_id": rec.ID,
	}
}
