// Package sqlstore implements storage.Store on database/sql. The postgres and
// sqlite stores supply a Dialect and share everything else.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/storage"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// Schema creates the tables. Statements use {prefix} for the table prefix.
	Schema []string
	// ClaimLock is appended to the claim query, e.g. "FOR UPDATE SKIP LOCKED".
	ClaimLock string
	// Rebind rewrites $n placeholders for engines that use another syntax.
	Rebind func(query string) string
}

// Config tunes a Store.
type Config struct {
	// TablePrefix is prepended to every table name. Defaults to "courier_".
	TablePrefix string
	BucketCount int
	Now         func() time.Time
	Logger      logging.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = "courier_"
	}
	if c.BucketCount <= 0 {
		c.BucketCount = storage.DefaultBucketCount
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	return c
}

// Store implements storage.Store and storage.LeaseStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	q       queries
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.LeaseStore = (*Store)(nil)
)

type queries struct {
	insertOutbound string
	insertInbound  string
	claim          string
	markDelivered  string
	markFailed     string
	pending        string
	inboundExists  string
	purgeInbound   string
	acquireLease   string
	releaseLease   string
}

// New wraps db and creates the schema when missing.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	s := &Store{db: db, dialect: dialect, cfg: cfg}
	s.q = s.buildQueries()
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("%s store: initialize schema: %w", dialect.Name, err)
	}
	return s, nil
}

func (s *Store) table(name string) string {
	return s.cfg.TablePrefix + name
}

func (s *Store) rebind(query string) string {
	query = strings.NewReplacer(
		"{outbound}", s.table("outbound"),
		"{inbound}", s.table("inbound"),
		"{leases}", s.table("leases"),
		"{prefix}", s.cfg.TablePrefix,
	).Replace(query)
	if s.dialect.Rebind != nil {
		return s.dialect.Rebind(query)
	}
	return query
}

func (s *Store) buildQueries() queries {
	return queries{
		insertOutbound: s.rebind(`
			INSERT INTO {outbound} (id, partition_key, bucket, topic, type_name, runtime_type, headers, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		insertInbound: s.rebind(`
			INSERT INTO {inbound} (hash_id, type_name, expire_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (hash_id) DO UPDATE SET type_name = excluded.type_name, expire_at = excluded.expire_at
			WHERE {inbound}.expire_at <= $4`),
		claim: `
			SELECT seq, id, partition_key, bucket, topic, type_name, runtime_type, headers, payload, retries, created_at
			FROM {outbound}
			WHERE delivered_at IS NULL`,
		markDelivered: `UPDATE {outbound} SET delivered_at = $1 WHERE delivered_at IS NULL AND id IN (%s)`,
		markFailed:    `UPDATE {outbound} SET retries = retries + 1 WHERE delivered_at IS NULL AND id IN (%s)`,
		pending:       s.rebind(`SELECT COUNT(*) FROM {outbound} WHERE delivered_at IS NULL`),
		inboundExists: s.rebind(`SELECT COUNT(*) FROM {inbound} WHERE hash_id = $1 AND expire_at > $2`),
		purgeInbound:  s.rebind(`DELETE FROM {inbound} WHERE expire_at <= $1`),
		acquireLease: s.rebind(`
			INSERT INTO {leases} (name, owner, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE {leases}.owner = excluded.owner OR {leases}.expires_at <= $4`),
		releaseLease: s.rebind(`DELETE FROM {leases} WHERE name = $1 AND owner = $2`),
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Transact runs fn in a database transaction. A transaction already carried by
// ctx is joined instead.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if tx, ok := storage.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	raw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s store: begin: %w", s.dialect.Name, err)
	}
	tx := &sqlTx{Tx: raw, store: s}
	if err := fn(storage.WithTx(ctx, tx), tx); err != nil {
		tx.hooks.Discard()
		s.rollback(raw)
		return err
	}
	if err := raw.Commit(); err != nil {
		tx.hooks.Discard()
		return fmt.Errorf("%s store: commit: %w", s.dialect.Name, err)
	}
	tx.hooks.Run(ctx)
	return nil
}

func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.cfg.Logger.Error("Rolling back transaction failed", err, logging.LogFields{"store": s.dialect.Name})
	}
}

// ClaimOutbound locks up to limit undelivered rows in scope. The rows stay
// locked until the batch commits or rolls back.
func (s *Store) ClaimOutbound(ctx context.Context, scope storage.Scope, limit int) (storage.OutboundBatch, error) {
	if limit <= 0 || scope.Empty() {
		return &sqlBatch{store: s}, nil
	}

	query := s.q.claim
	var args []any
	if !scope.All {
		query += " AND bucket IN (" + placeholders(len(args)+1, len(scope.Buckets)) + ")"
		for _, b := range scope.Buckets {
			args = append(args, b)
		}
	}
	if scope.MaxRetries > 0 {
		args = append(args, scope.MaxRetries)
		query += " AND retries < $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY seq LIMIT $" + strconv.Itoa(len(args))
	if s.dialect.ClaimLock != "" {
		query += " " + s.dialect.ClaimLock
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s store: begin claim: %w", s.dialect.Name, err)
	}
	rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		s.rollback(tx)
		return nil, fmt.Errorf("%s store: claim: %w", s.dialect.Name, err)
	}
	defer rows.Close()

	batch := &sqlBatch{store: s, tx: tx}
	for rows.Next() {
		var (
			rec       storage.OutboundRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.SequenceNumber, &rec.ID, &rec.PartitionKey, &rec.Bucket, &rec.Topic,
			&rec.TypeName, &rec.RuntimeTypeName, &rec.Headers, &rec.Payload, &rec.Retries, &createdAt); err != nil {
			s.rollback(tx)
			return nil, fmt.Errorf("%s store: scan claimed row: %w", s.dialect.Name, err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		batch.records = append(batch.records, rec)
	}
	if err := rows.Err(); err != nil {
		s.rollback(tx)
		return nil, fmt.Errorf("%s store: claim: %w", s.dialect.Name, err)
	}
	return batch, nil
}

// MarkDelivered flags rows outside of a claim and returns how many changed.
func (s *Store) MarkDelivered(ctx context.Context, at time.Time, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.inQuery(s.q.markDelivered, 2, len(ids)), markArgs(toNanos(at), ids)...)
	if err != nil {
		return 0, fmt.Errorf("%s store: mark delivered: %w", s.dialect.Name, err)
	}
	return res.RowsAffected()
}

// PendingOutbound counts undelivered rows.
func (s *Store) PendingOutbound(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q.pending).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s store: count pending: %w", s.dialect.Name, err)
	}
	return n, nil
}

// InboundExists reports whether an unexpired dedup row exists.
func (s *Store) InboundExists(ctx context.Context, hashID uint64, now time.Time) (bool, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q.inboundExists, int64(hashID), toNanos(now)).Scan(&n); err != nil {
		return false, fmt.Errorf("%s store: lookup inbound: %w", s.dialect.Name, err)
	}
	return n > 0, nil
}

// PurgeInbound deletes dedup rows that expired at or before the given time.
func (s *Store) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.purgeInbound, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("%s store: purge inbound: %w", s.dialect.Name, err)
	}
	return res.RowsAffected()
}

// AcquireLease takes or renews name for owner.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.cfg.Now()
	res, err := s.db.ExecContext(ctx, s.q.acquireLease, name, owner, toNanos(now.Add(ttl)), toNanos(now))
	if err != nil {
		return false, fmt.Errorf("%s store: acquire lease %s: %w", s.dialect.Name, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops a lease held by owner.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.q.releaseLease, name, owner); err != nil {
		return fmt.Errorf("%s store: release lease %s: %w", s.dialect.Name, name, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// inQuery fills the IN list of query with n placeholders starting at $first.
func (s *Store) inQuery(query string, first, n int) string {
	return s.rebind(fmt.Sprintf(query, placeholders(first, n)))
}

func placeholders(first, n int) string {
	var b strings.Builder
	for i := range n {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(first + i))
	}
	return b.String()
}

func markArgs(lead any, ids []string) []any {
	args := make([]any, 0, len(ids)+1)
	if lead != nil {
		args = append(args, lead)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// Timestamps are stored as unix nanoseconds so both engines compare them the
// same way.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type sqlTx struct {
	*sql.Tx
	store *Store
	hooks storage.CommitHooks
}

var _ storage.SQLTx = (*sqlTx)(nil)

func (t *sqlTx) AppendOutbound(ctx context.Context, records ...storage.OutboundRecord) error {
	now := t.store.cfg.Now()
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = ids.CreateULID()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		headers := rec.Headers
		if headers == nil {
			headers = []byte{}
		}
		payload := rec.Payload
		if payload == nil {
			payload = []byte{}
		}
		_, err := t.ExecContext(ctx, t.store.q.insertOutbound,
			rec.ID,
			rec.PartitionKey,
			storage.BucketOf(rec.PartitionKey, t.store.cfg.BucketCount),
			rec.Topic,
			rec.TypeName,
			rec.RuntimeTypeName,
			headers,
			payload,
			toNanos(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("%s store: insert outbound %s: %w", t.store.dialect.Name, rec.ID, err)
		}
	}
	return nil
}

// AppendInbound inserts the dedup row or replaces an expired one. A
// concurrent transaction holding the same hash blocks on the unique index
// until it ends.
func (t *sqlTx) AppendInbound(ctx context.Context, record storage.InboundRecord) error {
	now := record.ProcessedAt
	if now.IsZero() {
		now = t.store.cfg.Now()
	}
	res, err := t.ExecContext(ctx, t.store.q.insertInbound,
		int64(record.HashID), record.TypeName, toNanos(record.ExpireAt), toNanos(now))
	if err != nil {
		return fmt.Errorf("%s store: insert inbound: %w", t.store.dialect.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s store: insert inbound: %w", t.store.dialect.Name, err)
	}
	if n == 0 {
		return errspkg.ErrAlreadyProcessed
	}
	return nil
}

func (t *sqlTx) AfterCommit(fn func(ctx context.Context)) {
	t.hooks.Add(fn)
}

type sqlBatch struct {
	store   *Store
	tx      *sql.Tx
	records []storage.OutboundRecord
	done    bool
}

func (b *sqlBatch) Records() []storage.OutboundRecord { return b.records }

func (b *sqlBatch) MarkDelivered(ctx context.Context, at time.Time, ids ...string) error {
	if b.tx == nil || len(ids) == 0 {
		return nil
	}
	res, err := b.tx.ExecContext(ctx, b.store.inQuery(b.store.q.markDelivered, 2, len(ids)), markArgs(toNanos(at), ids)...)
	if err != nil {
		return fmt.Errorf("%s store: mark delivered: %w", b.store.dialect.Name, err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if lost := int64(len(ids)) - changed; lost > 0 {
		return fmt.Errorf("%w: %d rows", errspkg.ErrLostRace, lost)
	}
	return nil
}

func (b *sqlBatch) MarkFailed(ctx context.Context, ids ...string) error {
	if b.tx == nil || len(ids) == 0 {
		return nil
	}
	if _, err := b.tx.ExecContext(ctx, b.store.inQuery(b.store.q.markFailed, 1, len(ids)), markArgs(nil, ids)...); err != nil {
		return fmt.Errorf("%s store: mark failed: %w", b.store.dialect.Name, err)
	}
	return nil
}

func (b *sqlBatch) Commit() error {
	if b.done || b.tx == nil {
		b.done = true
		return nil
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("%s store: commit claim: %w", b.store.dialect.Name, err)
	}
	return nil
}

func (b *sqlBatch) Rollback() error {
	if b.done || b.tx == nil {
		b.done = true
		return nil
	}
	b.done = true
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%s store: rollback claim: %w", b.store.dialect.Name, err)
	}
	return nil
}
