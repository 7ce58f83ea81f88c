// Package outbox delivers persisted outbound rows to the broker. Rows are
// written in the same transaction as the business change they accompany and
// flipped to delivered only after the broker acknowledged them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/storage"
)

const (
	DefaultInterval           = time.Second
	DefaultMaxMessagesPerPoll = 100
	DefaultMaxRetries         = 10
	DefaultDispatchTimeout    = 30 * time.Second
)

// Config tunes a Worker.
type Config struct {
	Interval           time.Duration
	MaxMessagesPerPoll int
	// MaxRetries parks rows that failed this many times. Negative disables
	// parking.
	MaxRetries      int
	DispatchTimeout time.Duration
	// RateLimit caps dispatches per second. Zero means unlimited.
	RateLimit float64
	Burst     int
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxMessagesPerPoll <= 0 {
		c.MaxMessagesPerPoll = DefaultMaxMessagesPerPoll
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DispatchFunc publishes one persisted row and returns once the broker
// acknowledged it.
type DispatchFunc func(ctx context.Context, rec storage.OutboundRecord) error

// Result summarises one cycle.
type Result struct {
	Claimed   int
	Delivered int
	Failed    int
	LostRaces int
	// Skipped is set when the strategy granted no rows, for example because
	// another node holds the lease.
	Skipped bool
}

// Worker periodically claims, dispatches and commits outbound rows.
type Worker struct {
	store    storage.Store
	strategy Strategy
	cfg      Config
	logger   logging.ServiceLogger
	limiter  *rate.Limiter
	observer func(Result, error)

	mu          sync.RWMutex
	dispatchers map[string]DispatchFunc

	running atomic.Bool
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithObserver is called after every cycle.
func WithObserver(fn func(Result, error)) WorkerOption {
	return func(w *Worker) { w.observer = fn }
}

// NewWorker creates a stopped worker. strategy defaults to SingleNode.
func NewWorker(store storage.Store, strategy Strategy, cfg Config, logger logging.ServiceLogger, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if strategy == nil {
		strategy = SingleNode{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg = cfg.withDefaults()
	w := &Worker{
		store:       store,
		strategy:    strategy,
		cfg:         cfg,
		logger:      logging.Component(logger, "outbox_worker", logging.LogFields{"strategy": strategy.Name()}),
		dispatchers: make(map[string]DispatchFunc),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register sets the dispatcher for rows of typeName.
func (w *Worker) Register(typeName string, fn DispatchFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatchers[typeName] = fn
}

func (w *Worker) Strategy() Strategy { return w.strategy }
func (w *Worker) Config() Config     { return w.cfg }

// Run executes a cycle every Interval until ctx is done, then releases the
// strategy.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("outbox: worker already running")
	}
	defer w.running.Store(false)
	defer func() {
		if err := w.strategy.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Error("Releasing coordination failed", err, nil)
		}
	}()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Outbox cycle failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch, dispatches it and commits the outcome as a unit.
// A crash before the commit leaves every row undelivered.
func (w *Worker) RunOnce(ctx context.Context) (res Result, err error) {
	defer func() {
		if w.observer != nil {
			w.observer(res, err)
		}
	}()

	scope, err := w.strategy.Scope(ctx)
	if errors.Is(err, errspkg.ErrNotLeader) {
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return res, err
	}
	if w.cfg.MaxRetries > 0 {
		scope.MaxRetries = w.cfg.MaxRetries
	}

	batch, err := w.store.ClaimOutbound(ctx, scope, w.cfg.MaxMessagesPerPoll)
	if err != nil {
		return res, fmt.Errorf("claim outbound: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := batch.Rollback(); rbErr != nil {
				w.logger.Error("Rolling back outbox batch failed", rbErr, nil)
			}
		}
	}()

	dispatchCtx := ctx
	var renewBy time.Time
	if leased, ok := w.strategy.(Leased); ok {
		var expiresAt time.Time
		renewBy, expiresAt = leased.LeaseWindow()
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithDeadline(ctx, expiresAt)
		defer cancel()
	}

	records := batch.Records()
	res.Claimed = len(records)
	for _, rec := range records {
		if w.limiter != nil {
			if err := w.limiter.Wait(dispatchCtx); err != nil {
				break
			}
		}
		if dispatchCtx.Err() != nil {
			break
		}
		if !renewBy.IsZero() && !time.Now().Before(renewBy) {
			w.logger.Debug("Lease window elapsed, leaving the rest of the batch to the next cycle", logging.LogFields{
				"remaining": len(records) - res.Delivered - res.Failed - res.LostRaces,
			})
			break
		}

		fields := logging.LogFields{"outbox_id": rec.ID, "message_type": rec.TypeName, "retries": rec.Retries}
		if dispatchErr := w.dispatch(dispatchCtx, rec); dispatchErr != nil {
			if dispatchCtx.Err() != nil {
				break
			}
			w.logger.Error("Outbox dispatch failed", dispatchErr, fields)
			if err := batch.MarkFailed(ctx, rec.ID); err != nil {
				return res, fmt.Errorf("mark %s failed: %w", rec.ID, err)
			}
			res.Failed++
			continue
		}
		if err := batch.MarkDelivered(ctx, w.cfg.Now().UTC(), rec.ID); err != nil {
			if errors.Is(err, errspkg.ErrLostRace) {
				w.logger.Info("Outbound row already delivered elsewhere", fields)
				res.LostRaces++
				continue
			}
			return res, fmt.Errorf("mark %s delivered: %w", rec.ID, err)
		}
		res.Delivered++
	}

	if err := batch.Commit(); err != nil {
		return res, fmt.Errorf("commit outbox batch: %w", err)
	}
	committed = true
	if res.Claimed > 0 {
		w.logger.Debug("Outbox cycle complete", logging.LogFields{
			"claimed":    res.Claimed,
			"delivered":  res.Delivered,
			"failed":     res.Failed,
			"lost_races": res.LostRaces,
		})
	}
	return res, nil
}

func (w *Worker) dispatch(ctx context.Context, rec storage.OutboundRecord) (err error) {
	w.mu.RLock()
	fn, ok := w.dispatchers[rec.TypeName]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownType, rec.TypeName)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbox dispatch panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, rec)
}
