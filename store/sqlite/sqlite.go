// Package sqlite provides a SQLite-backed durable store. SQLite allows a
// single writer, so the store keeps one connection and claims rows by
// holding an immediate transaction.
//
// The claim transaction owns that connection until the outbox batch commits
// or rolls back, so Transact, InboundExists and PendingOutbound wait for the
// whole outbox cycle. Keep Outbox.MaxMessagesPerPoll and DispatchTimeout
// small when publishers share the store, and give Transact a context with a
// deadline to bound the wait. Use the postgres store when publish latency
// must not depend on the outbox cycle.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/store/internal/sqlstore"
)

// DefaultBusyTimeout is how long a statement waits for the write lock.
const DefaultBusyTimeout = 5 * time.Second

// Config holds SQLite-specific configuration.
type Config struct {
	// Path is the database file. Use ":memory:" for a throwaway database.
	Path string
	// TablePrefix is prepended to every table name. Defaults to "courier_".
	TablePrefix string
	BucketCount int
	BusyTimeout time.Duration
	Now         func() time.Time
	Logger      logging.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "courier.db"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	return c
}

func (c Config) dsn() string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", c.Path, c.BusyTimeout.Milliseconds())
}

// Store is a SQLite implementation of storage.Store and storage.LeaseStore.
type Store struct {
	*sqlstore.Store
}

var dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS {outbound} (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			partition_key TEXT NOT NULL DEFAULT '',
			bucket INTEGER NOT NULL,
			topic TEXT NOT NULL,
			type_name TEXT NOT NULL,
			runtime_type TEXT NOT NULL DEFAULT '',
			headers BLOB NOT NULL,
			payload BLOB NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			delivered_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS {prefix}outbound_pending ON {outbound}(bucket, seq) WHERE delivered_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS {inbound} (
			hash_id INTEGER PRIMARY KEY,
			type_name TEXT NOT NULL,
			expire_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS {prefix}inbound_expire ON {inbound}(expire_at)`,
		`CREATE TABLE IF NOT EXISTS {leases} (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	},
	// SQLite numbers parameters as ?NNN.
	Rebind: func(query string) string {
		return strings.ReplaceAll(query, "$", "?")
	},
}

// Open opens the database file and creates the schema when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	store, err := sqlstore.New(ctx, db, dialect, sqlstore.Config{
		TablePrefix: cfg.TablePrefix,
		BucketCount: cfg.BucketCount,
		Now:         cfg.Now,
		Logger:      cfg.Logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}
