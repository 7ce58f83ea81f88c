// Package storage defines the durable store contract shared by the outbox
// worker, the inbox guard and the store implementations under store/.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultBucketCount is the number of partition-key buckets outbound rows are
// spread across for sharded coordination.
const DefaultBucketCount = 64

// OutboundRecord is a message persisted for later dispatch.
type OutboundRecord struct {
	ID              string
	SequenceNumber  int64
	PartitionKey    string
	Bucket          int
	Topic           string
	TypeName        string
	RuntimeTypeName string
	Headers         []byte
	Payload         []byte
	Delivered       bool
	DeliveredAt     *time.Time
	Retries         int
	CreatedAt       time.Time
}

// InboundRecord remembers a processed delivery until ExpireAt.
type InboundRecord struct {
	HashID   uint64
	TypeName string
	ExpireAt time.Time

	// ProcessedAt decides whether an existing row has expired and may be
	// replaced. Zero means the store's current time.
	ProcessedAt time.Time
}

// Scope restricts which outbound rows a worker may claim.
type Scope struct {
	// All claims every bucket.
	All bool
	// Buckets lists the owned buckets when All is false.
	Buckets []int
	// MaxRetries excludes rows that failed this many times. Zero disables the cut-off.
	MaxRetries int
}

// Includes reports whether a row in bucket falls inside the scope.
func (s Scope) Includes(bucket int) bool {
	if s.All {
		return true
	}
	for _, b := range s.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Empty reports whether the scope can never match a row.
func (s Scope) Empty() bool {
	return !s.All && len(s.Buckets) == 0
}

// BucketOf maps a partition key onto one of count buckets.
func BucketOf(partitionKey string, count int) int {
	if count <= 0 {
		count = DefaultBucketCount
	}
	return int(xxhash.Sum64String(partitionKey) % uint64(count))
}

// Tx is a unit of work. Records appended through a Tx become visible
// atomically with everything else written in the same transaction.
type Tx interface {
	AppendOutbound(ctx context.Context, records ...OutboundRecord) error
	// AppendInbound records a delivery. It fails with
	// errors.ErrAlreadyProcessed when an unexpired row for the same hash
	// exists or is held by another open transaction.
	AppendInbound(ctx context.Context, record InboundRecord) error
	// AfterCommit schedules fn to run once the transaction committed.
	AfterCommit(fn func(ctx context.Context))
}

// SQLTx is implemented by SQL-backed transactions so applications can write
// business state in the same commit as outbound and inbound rows.
type SQLTx interface {
	Tx
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OutboundBatch is a set of claimed rows processed as one unit. Nothing is
// persisted until Commit; Rollback releases the claim unchanged.
type OutboundBatch interface {
	Records() []OutboundRecord
	MarkDelivered(ctx context.Context, at time.Time, ids ...string) error
	MarkFailed(ctx context.Context, ids ...string) error
	Commit() error
	Rollback() error
}

// Store is the durable store collaborator.
type Store interface {
	// Transact runs fn in a transaction, committing when fn returns nil.
	// When ctx already carries a transaction, fn joins it instead.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ClaimOutbound locks up to limit undelivered rows in scope, oldest first.
	ClaimOutbound(ctx context.Context, scope Scope, limit int) (OutboundBatch, error)
	// MarkDelivered flags rows outside of a claim. It returns how many rows
	// changed; rows already delivered are not counted.
	MarkDelivered(ctx context.Context, at time.Time, ids ...string) (int64, error)
	// PendingOutbound counts undelivered rows.
	PendingOutbound(ctx context.Context) (int64, error)
	// InboundExists reports whether a non-expired dedup row exists.
	InboundExists(ctx context.Context, hashID uint64, now time.Time) (bool, error)
	// PurgeInbound deletes dedup rows that expired before the given time.
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// LeaseStore provides the leases used for exclusive-node coordination.
type LeaseStore interface {
	// AcquireLease takes or renews name for owner until now+ttl. It returns
	// false when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

type txKey struct{}

// WithTx stores tx in ctx so nested stages and handlers join it.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// SQLTxFromContext returns the SQL transaction carried by ctx, if the active
// store is SQL-backed.
func SQLTxFromContext(ctx context.Context) (SQLTx, bool) {
	tx, ok := ctx.Value(txKey{}).(SQLTx)
	return tx, ok
}
