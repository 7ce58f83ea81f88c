package consumer

import (
	"context"
	"errors"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
)

// Dispatcher drains one type's channel with Concurrency goroutines and
// reports every outcome back to the loop that polled the record.
type Dispatcher struct {
	state  *TypeState
	logger logging.ServiceLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartDispatcher marks state active and starts its workers.
func StartDispatcher(ctx context.Context, state *TypeState, logger logging.ServiceLogger) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		state:  state,
		logger: logger.With(logging.LogFields{"message_type": state.Name()}),
		cancel: cancel,
	}
	state.active.Store(true)
	for range state.Concurrency() {
		d.wg.Add(1)
		go d.work(ctx)
	}
	return d
}

// Stop cancels in-flight processing, waits for the workers and seeks back
// whatever is still queued.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.state.deactivate()
		d.cancel()
		d.wg.Wait()
		for {
			del, ok := d.state.Channel().TryRead()
			if !ok {
				return
			}
			del.retry()
		}
	})
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		del, err := d.state.Channel().Read(ctx)
		if err != nil {
			return
		}
		d.handle(ctx, del)
	}
}

func (d *Dispatcher) handle(ctx context.Context, del *Delivery) {
	b := d.state.Breaker()
	if b != nil && !b.Allow() {
		del.retry()
		return
	}

	err := d.state.cfg.Process(ctx, del.Record)
	switch {
	case err == nil:
		if b != nil {
			b.RecordSuccess()
		}
		del.ack()
	case errspkg.IsUnprocessable(err):
		if b != nil {
			b.Ignore()
		}
		d.logger.Error("Dropping unprocessable record", err, recordFields(del.Record))
		del.ack()
	case errors.Is(err, errspkg.ErrCircuitOpen), ctx.Err() != nil:
		if b != nil {
			b.Ignore()
		}
		del.retry()
	case b != nil:
		b.RecordFailure()
		d.logger.Error("Processing failed", err, recordFields(del.Record))
		del.retry()
	default:
		d.logger.Error("Processing failed without a circuit breaker", err, recordFields(del.Record))
		del.fail(d.state.Name(), err)
	}
}

func (d *Delivery) ack() {
	if d.origin != nil {
		d.origin.complete(completion{rec: d.Record, outcome: outcomeCommit})
	}
}

func (d *Delivery) retry() {
	if d.origin != nil {
		d.origin.complete(completion{rec: d.Record, outcome: outcomeSeek})
	}
}

func (d *Delivery) fail(typeName string, err error) {
	if d.origin != nil {
		d.origin.complete(completion{rec: d.Record, outcome: outcomeFatal, typeName: typeName, err: err})
	}
}
