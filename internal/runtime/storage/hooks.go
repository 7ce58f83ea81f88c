package storage

import (
	"context"
	"sync"
)

// CommitHooks collects AfterCommit callbacks for a transaction.
type CommitHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// Add schedules fn.
func (h *CommitHooks) Add(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// Run executes the scheduled callbacks in registration order. Callbacks get a
// context that is detached from the caller's cancellation.
func (h *CommitHooks) Run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	for _, fn := range fns {
		fn(detached)
	}
}

// Discard drops the scheduled callbacks, used on rollback.
func (h *CommitHooks) Discard() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}
