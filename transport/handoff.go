package transport

import (
	"context"
	"time"
)

// Receive takes the next record from a hand-off channel fed by fetch
// goroutines. It returns nil, nil when timeout elapses and never blocks when
// timeout is zero.
func Receive(ctx context.Context, ch <-chan *Record, timeout time.Duration) (*Record, error) {
	if timeout <= 0 {
		select {
		case rec := <-ch:
			return rec, nil
		default:
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-ch:
		return rec, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks for timeout or until ctx is done. Paused consumers use it so a
// Poll keeps its pacing without handing out records.
func Wait(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
