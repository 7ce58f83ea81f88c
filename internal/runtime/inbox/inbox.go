// Package inbox implements consume-side deduplication: a delivery whose
// (type, key, payload) hash was already processed inside the retention window
// skips the handler.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/storage"
)

// StageName names the dedup guard in consume pipelines.
const StageName = "inbox"

// DefaultRetention is how long a processed delivery is remembered.
const DefaultRetention = 24 * time.Hour

var separator = []byte{0}

// Hash returns the dedup identity of a delivery.
func Hash(typeName, key string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(typeName)
	_, _ = d.Write(separator)
	_, _ = d.WriteString(key)
	_, _ = d.Write(separator)
	_, _ = d.Write(payload)
	return d.Sum64()
}

// Config tunes the guard.
type Config struct {
	Retention time.Duration
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Guard returns the dedup stage. It is disabled when store is nil.
//
// A duplicate is marked on the envelope and the rest of the chain is skipped,
// so the record is still committed. Otherwise the dedup row is written first
// and the rest of the chain runs inside the same store transaction, so a
// concurrent delivery of the same record conflicts on the row instead of
// running the handler a second time. Any store failure rejects the delivery
// with ErrDedupUnavailable.
func Guard[T any](store storage.Store, cfg Config, logger logging.ServiceLogger) pipeline.Stage[T] {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NopLogger()
	}
	return pipeline.NewStage(StageName, store != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		hash := Hash(env.TypeName, env.Key, env.SerializedData)
		now := cfg.Now()

		exists, err := store.InboundExists(ctx, hash, now)
		if err != nil {
			return fmt.Errorf("%w: %w", errspkg.ErrDedupUnavailable, err)
		}
		if exists {
			return skip(env, hash, logger)
		}

		var handlerErr error
		err = store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.AppendInbound(ctx, storage.InboundRecord{
				HashID:      hash,
				TypeName:    env.TypeName,
				ExpireAt:    now.Add(cfg.Retention),
				ProcessedAt: now,
			}); err != nil {
				return err
			}
			handlerErr = next(ctx)
			return handlerErr
		})
		switch {
		case err == nil:
			return nil
		case handlerErr != nil:
			return handlerErr
		case errors.Is(err, errspkg.ErrAlreadyProcessed):
			return skip(env, hash, logger)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return fmt.Errorf("%w: %w", errspkg.ErrDedupUnavailable, err)
		}
	})
}

func skip[T any](env *envelope.Envelope[T], hash uint64, logger logging.ServiceLogger) error {
	env.MarkDuplicate()
	logger.Debug("Skipping duplicate delivery", logging.LogFields{
		"message_type": env.TypeName,
		"hash_id":      hash,
	})
	return nil
}
