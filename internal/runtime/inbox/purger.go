package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/storage"
)

// DefaultPurgeSchedule runs the purge every ten minutes.
const DefaultPurgeSchedule = "@every 10m"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Purger deletes expired dedup rows on a cron schedule.
type Purger struct {
	store    storage.Store
	schedule cron.Schedule
	logger   logging.ServiceLogger
	now      func() time.Time
	onPurge  func(n int64)

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	running bool
}

// PurgerOption customises a Purger.
type PurgerOption func(*Purger)

// WithPurgeClock replaces time.Now.
func WithPurgeClock(now func() time.Time) PurgerOption {
	return func(p *Purger) { p.now = now }
}

// WithPurgeObserver is called with the number of rows removed by each run.
func WithPurgeObserver(fn func(n int64)) PurgerOption {
	return func(p *Purger) { p.onPurge = fn }
}

// NewPurger parses spec, a cron expression with optional seconds or a
// descriptor such as "@every 5m".
func NewPurger(store storage.Store, spec string, logger logging.ServiceLogger, opts ...PurgerOption) (*Purger, error) {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("inbox purge schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Purger{
		store:    store,
		schedule: schedule,
		logger:   logging.Component(logger, "inbox_purger", nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PurgeOnce removes every dedup row that expired before now.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	n, err := p.store.PurgeInbound(ctx, p.now())
	if err != nil {
		return 0, err
	}
	if p.onPurge != nil {
		p.onPurge(n)
	}
	return n, nil
}

// Start schedules PurgeOnce until ctx is done or Stop is called.
func (p *Purger) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.cron = cron.New(cron.WithParser(parser))
	p.cron.Schedule(p.schedule, cron.FuncJob(func() {
		n, err := p.PurgeOnce(ctx)
		if err != nil {
			p.logger.Error("Inbox purge failed", err, nil)
			return
		}
		if n > 0 {
			p.logger.Debug("Inbox purged", logging.LogFields{"rows": n})
		}
	}))
	p.cron.Start()
	stop := make(chan struct{})
	p.stop = stop
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-stop:
		}
	}()
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	c := p.cron
	close(p.stop)
	p.mu.Unlock()
	<-c.Stop().Done()
}
