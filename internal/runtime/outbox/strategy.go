package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/storage"
)

// Strategy decides which outbound rows this worker may claim. Strategies of
// different workers must hand out disjoint scopes.
type Strategy interface {
	Name() string
	// Scope returns the rows this worker owns for the next cycle.
	// ErrNotLeader means the worker owns nothing right now.
	Scope(ctx context.Context) (storage.Scope, error)
	// Release gives up whatever the strategy holds, on shutdown.
	Release(ctx context.Context) error
}

// Leased is implemented by strategies whose ownership expires. A cycle stops
// starting dispatches at renewBy and cancels in-flight ones at expiresAt, so
// no row is dispatched after the lease lapsed. The next cycle renews.
type Leased interface {
	LeaseWindow() (renewBy, expiresAt time.Time)
}

// SingleNode owns every row. Use it when exactly one worker runs.
type SingleNode struct{}

func (SingleNode) Name() string { return "single" }

func (SingleNode) Scope(context.Context) (storage.Scope, error) {
	return storage.Scope{All: true}, nil
}

func (SingleNode) Release(context.Context) error { return nil }

const (
	DefaultLeaseName = "courier-outbox"
	DefaultLeaseTTL  = 30 * time.Second
)

// ExclusiveConfig tunes ExclusiveNode.
type ExclusiveConfig struct {
	LeaseName string
	// Owner identifies this node. Defaults to ids.NodeID().
	Owner string
	// TTL bounds how long a crashed leader blocks the others. The leader
	// renews the lease every cycle and a cycle dispatches for at most half
	// of it, so TTL must exceed twice the worker interval.
	TTL time.Duration
}

func (c ExclusiveConfig) withDefaults() ExclusiveConfig {
	if c.LeaseName == "" {
		c.LeaseName = DefaultLeaseName
	}
	if c.Owner == "" {
		c.Owner = ids.NodeID()
	}
	if c.TTL <= 0 {
		c.TTL = DefaultLeaseTTL
	}
	return c
}

// ExclusiveNode elects one leader cluster-wide through a lease. The leader
// owns every row; everyone else owns none.
type ExclusiveNode struct {
	leases   storage.LeaseStore
	cfg      ExclusiveConfig
	onChange func(leader bool)

	mu         sync.Mutex
	leader     bool
	acquiredAt time.Time
}

// NewExclusiveNode creates the strategy. onChange, if set, observes
// leadership changes.
func NewExclusiveNode(leases storage.LeaseStore, cfg ExclusiveConfig, onChange func(leader bool)) (*ExclusiveNode, error) {
	if leases == nil {
		return nil, fmt.Errorf("%w: exclusive coordination needs a lease store", errspkg.ErrStoreRequired)
	}
	return &ExclusiveNode{leases: leases, cfg: cfg.withDefaults(), onChange: onChange}, nil
}

func (e *ExclusiveNode) Name() string  { return "exclusive" }
func (e *ExclusiveNode) Owner() string { return e.cfg.Owner }

// Leader reports the outcome of the last lease attempt.
func (e *ExclusiveNode) Leader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Scope takes or renews the lease.
func (e *ExclusiveNode) Scope(ctx context.Context) (storage.Scope, error) {
	started := time.Now()
	ok, err := e.leases.AcquireLease(ctx, e.cfg.LeaseName, e.cfg.Owner, e.cfg.TTL)
	if err != nil {
		e.setLeader(false)
		return storage.Scope{}, fmt.Errorf("acquire lease %s: %w", e.cfg.LeaseName, err)
	}
	e.setLeader(ok)
	if !ok {
		return storage.Scope{}, errspkg.ErrNotLeader
	}
	e.mu.Lock()
	e.acquiredAt = started
	e.mu.Unlock()
	return storage.Scope{All: true}, nil
}

// LeaseWindow returns when the current cycle must stop dispatching and when
// the lease taken by the last Scope call expires.
func (e *ExclusiveNode) LeaseWindow() (renewBy, expiresAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquiredAt.Add(e.cfg.TTL / 2), e.acquiredAt.Add(e.cfg.TTL)
}

// Release drops the lease so another node can take over immediately.
func (e *ExclusiveNode) Release(ctx context.Context) error {
	if !e.Leader() {
		return nil
	}
	e.setLeader(false)
	return e.leases.ReleaseLease(ctx, e.cfg.LeaseName, e.cfg.Owner)
}

func (e *ExclusiveNode) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	e.mu.Unlock()
	if changed && e.onChange != nil {
		e.onChange(leader)
	}
}

// Sharded owns the rows whose partition-key bucket is in a fixed set.
type Sharded struct {
	buckets []int
}

// NewSharded owns exactly buckets.
func NewSharded(buckets ...int) (*Sharded, error) {
	if len(buckets) == 0 {
		return nil, errors.New("outbox: sharded coordination needs at least one bucket")
	}
	owned := slices.Clone(buckets)
	slices.Sort(owned)
	return &Sharded{buckets: slices.Compact(owned)}, nil
}

// NewShardedMember owns every bucket b with b % members == index, so members
// workers configured with indexes 0..members-1 cover all buckets exactly once.
func NewShardedMember(index, members, bucketCount int) (*Sharded, error) {
	if members <= 0 || index < 0 || index >= members {
		return nil, fmt.Errorf("outbox: shard index %d out of range for %d members", index, members)
	}
	if bucketCount <= 0 {
		bucketCount = storage.DefaultBucketCount
	}
	var owned []int
	for b := index; b < bucketCount; b += members {
		owned = append(owned, b)
	}
	return NewSharded(owned...)
}

func (s *Sharded) Name() string                  { return "sharded" }
func (s *Sharded) Buckets() []int                { return slices.Clone(s.buckets) }
func (s *Sharded) Release(context.Context) error { return nil }

func (s *Sharded) Scope(context.Context) (storage.Scope, error) {
	return storage.Scope{Buckets: slices.Clone(s.buckets)}, nil
}
