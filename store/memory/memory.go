// Package memory provides an in-process durable store for tests and local
// development. Writes made in a transaction are staged and applied only on
// commit, so rollback and crash semantics match the SQL stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/storage"
)

// Config tunes the memory store.
type Config struct {
	// BucketCount is the number of partition-key buckets. Defaults to storage.DefaultBucketCount.
	BucketCount int
	// Now replaces time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BucketCount <= 0 {
		c.BucketCount = storage.DefaultBucketCount
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// Store implements storage.Store and storage.LeaseStore.
type Store struct {
	cfg Config

	mu         sync.Mutex
	seq        int64
	outbound   []*storage.OutboundRecord
	byID       map[string]*storage.OutboundRecord
	claimed    map[string]struct{}
	inbound    map[uint64]storage.InboundRecord
	pending    map[uint64]struct{}
	leases     map[string]lease
	inboundErr error
	closed     bool
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.LeaseStore = (*Store)(nil)
)

// New creates an empty Store.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		byID:    make(map[string]*storage.OutboundRecord),
		claimed: make(map[string]struct{}),
		inbound: make(map[uint64]storage.InboundRecord),
		pending: make(map[uint64]struct{}),
		leases:  make(map[string]lease),
	}
}

// FailInbound makes every inbound operation return err until it is reset
// with nil. It simulates an unavailable dedup store.
func (s *Store) FailInbound(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundErr = err
}

// Transact runs fn in a staged transaction.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if tx, ok := storage.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	tx := &memTx{store: s}
	if err := fn(storage.WithTx(ctx, tx), tx); err != nil {
		tx.rollback()
		return err
	}
	if err := s.apply(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.hooks.Run(ctx)
	return nil
}

func (s *Store) apply(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memory store: closed")
	}
	if len(tx.inbound) > 0 && s.inboundErr != nil {
		return s.inboundErr
	}
	for i := range tx.outbound {
		rec := tx.outbound[i]
		if _, exists := s.byID[rec.ID]; exists {
			return fmt.Errorf("memory store: duplicate outbound id %s", rec.ID)
		}
	}
	for i := range tx.outbound {
		s.seq++
		rec := tx.outbound[i]
		rec.SequenceNumber = s.seq
		stored := rec
		s.outbound = append(s.outbound, &stored)
		s.byID[stored.ID] = &stored
	}
	for _, rec := range tx.inbound {
		s.inbound[rec.HashID] = rec
		delete(s.pending, rec.HashID)
	}
	return nil
}

// ClaimOutbound claims up to limit undelivered rows in sequence order.
func (s *Store) ClaimOutbound(ctx context.Context, scope storage.Scope, limit int) (storage.OutboundBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &memBatch{
		store:     s,
		delivered: make(map[string]time.Time),
		failed:    make(map[string]struct{}),
	}
	if limit <= 0 || scope.Empty() {
		return batch, nil
	}
	for _, rec := range s.outbound {
		if len(batch.records) >= limit {
			break
		}
		if rec.Delivered || !scope.Includes(rec.Bucket) {
			continue
		}
		if scope.MaxRetries > 0 && rec.Retries >= scope.MaxRetries {
			continue
		}
		if _, locked := s.claimed[rec.ID]; locked {
			continue
		}
		s.claimed[rec.ID] = struct{}{}
		batch.records = append(batch.records, copyRecord(rec))
	}
	return batch, nil
}

// MarkDelivered flags rows delivered outside of a claim.
func (s *Store) MarkDelivered(ctx context.Context, at time.Time, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, id := range ids {
		rec, ok := s.byID[id]
		if !ok || rec.Delivered {
			continue
		}
		deliveredAt := at
		rec.Delivered = true
		rec.DeliveredAt = &deliveredAt
		changed++
	}
	return changed, nil
}

// PendingOutbound counts undelivered rows.
func (s *Store) PendingOutbound(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending int64
	for _, rec := range s.outbound {
		if !rec.Delivered {
			pending++
		}
	}
	return pending, nil
}

// InboundExists reports whether an unexpired dedup row exists.
func (s *Store) InboundExists(ctx context.Context, hashID uint64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inboundErr != nil {
		return false, s.inboundErr
	}
	rec, ok := s.inbound[hashID]
	return ok && rec.ExpireAt.After(now), nil
}

// PurgeInbound deletes expired dedup rows.
func (s *Store) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inboundErr != nil {
		return 0, s.inboundErr
	}
	var purged int64
	for hash, rec := range s.inbound {
		if !rec.ExpireAt.After(before) {
			delete(s.inbound, hash)
			purged++
		}
	}
	return purged, nil
}

// AcquireLease takes or renews a lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	current, held := s.leases[name]
	if held && current.owner != owner && current.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops a lease held by owner.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[name]; ok && current.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Close marks the store closed. Further commits fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Outbound returns a snapshot of every outbound row in sequence order.
func (s *Store) Outbound() []storage.OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.OutboundRecord, len(s.outbound))
	for i, rec := range s.outbound {
		out[i] = copyRecord(rec)
	}
	return out
}

// Inbound returns a snapshot of the dedup rows ordered by expiry.
func (s *Store) Inbound() []storage.InboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.InboundRecord, 0, len(s.inbound))
	for _, rec := range s.inbound {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAt.Before(out[j].ExpireAt) })
	return out
}

func copyRecord(rec *storage.OutboundRecord) storage.OutboundRecord {
	cp := *rec
	if rec.DeliveredAt != nil {
		at := *rec.DeliveredAt
		cp.DeliveredAt = &at
	}
	return cp
}

type memTx struct {
	store    *Store
	outbound []storage.OutboundRecord
	inbound  []storage.InboundRecord
	hooks    storage.CommitHooks
}

func (t *memTx) AppendOutbound(ctx context.Context, records ...storage.OutboundRecord) error {
	now := t.store.cfg.Now().UTC()
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = ids.CreateULID()
		}
		rec.Bucket = storage.BucketOf(rec.PartitionKey, t.store.cfg.BucketCount)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.Delivered = false
		rec.DeliveredAt = nil
		t.outbound = append(t.outbound, rec)
	}
	return nil
}

// AppendInbound reserves the hash until the transaction ends, so a
// concurrent delivery of the same record conflicts before its handler runs.
func (t *memTx) AppendInbound(ctx context.Context, record storage.InboundRecord) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inboundErr != nil {
		return s.inboundErr
	}
	now := record.ProcessedAt
	if now.IsZero() {
		now = s.cfg.Now()
	}
	if _, held := s.pending[record.HashID]; held {
		return errspkg.ErrAlreadyProcessed
	}
	if rec, ok := s.inbound[record.HashID]; ok && rec.ExpireAt.After(now) {
		return errspkg.ErrAlreadyProcessed
	}
	s.pending[record.HashID] = struct{}{}
	t.inbound = append(t.inbound, record)
	return nil
}

func (t *memTx) rollback() {
	t.hooks.Discard()
	if len(t.inbound) == 0 {
		return
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, rec := range t.inbound {
		delete(t.store.pending, rec.HashID)
	}
}

func (t *memTx) AfterCommit(fn func(ctx context.Context)) {
	t.hooks.Add(fn)
}

type memBatch struct {
	store     *Store
	records   []storage.OutboundRecord
	delivered map[string]time.Time
	failed    map[string]struct{}
	done      bool
}

func (b *memBatch) Records() []storage.OutboundRecord {
	return b.records
}

func (b *memBatch) MarkDelivered(ctx context.Context, at time.Time, ids ...string) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	lost := 0
	for _, id := range ids {
		if rec, ok := b.store.byID[id]; ok && rec.Delivered {
			lost++
			continue
		}
		b.delivered[id] = at
	}
	if lost > 0 {
		return fmt.Errorf("%w: %d rows", errspkg.ErrLostRace, lost)
	}
	return nil
}

func (b *memBatch) MarkFailed(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		b.failed[id] = struct{}{}
	}
	return nil
}

func (b *memBatch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true
	if b.store.closed {
		b.release()
		return fmt.Errorf("memory store: closed")
	}
	for id, at := range b.delivered {
		if rec, ok := b.store.byID[id]; ok && !rec.Delivered {
			deliveredAt := at
			rec.Delivered = true
			rec.DeliveredAt = &deliveredAt
		}
	}
	for id := range b.failed {
		if rec, ok := b.store.byID[id]; ok && !rec.Delivered {
			rec.Retries++
		}
	}
	b.release()
	return nil
}

func (b *memBatch) Rollback() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true
	b.release()
	return nil
}

// release must be called with the store lock held.
func (b *memBatch) release() {
	for _, rec := range b.records {
		delete(b.store.claimed, rec.ID)
	}
}
