// Package postgres provides a PostgreSQL-backed durable store. Outbox workers
// on different nodes claim rows with FOR UPDATE SKIP LOCKED, so they never
// dispatch the same row concurrently.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/store/internal/sqlstore"
)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// URL is the PostgreSQL connection string.
	URL string
	// TablePrefix is prepended to every table name. Defaults to "courier_".
	TablePrefix string
	BucketCount int
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	Now          func() time.Time
	Logger       logging.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store is a PostgreSQL implementation of storage.Store and storage.LeaseStore.
type Store struct {
	*sqlstore.Store
}

var dialect = sqlstore.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS {outbound} (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			partition_key TEXT NOT NULL DEFAULT '',
			bucket INTEGER NOT NULL,
			topic TEXT NOT NULL,
			type_name TEXT NOT NULL,
			runtime_type TEXT NOT NULL DEFAULT '',
			headers BYTEA NOT NULL,
			payload BYTEA NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			delivered_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS {prefix}outbound_pending ON {outbound}(bucket, seq) WHERE delivered_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS {inbound} (
			hash_id BIGINT PRIMARY KEY,
			type_name TEXT NOT NULL,
			expire_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS {prefix}inbound_expire ON {inbound}(expire_at)`,
		`CREATE TABLE IF NOT EXISTS {leases} (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	},
	ClaimLock: "FOR UPDATE SKIP LOCKED",
}

// Open connects to PostgreSQL and creates the schema when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
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
