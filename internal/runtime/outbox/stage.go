package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/storage"
)

// StageName names the outbox-write stage. The worker runs the publish
// pipeline without it.
const StageName = "outbox"

// WriteConfig tunes the outbox-write stage.
type WriteConfig struct {
	// Immediate dispatches right after the transaction commits. On failure
	// the row stays pending for the worker.
	Immediate bool
	Now       func() time.Time
	// OnImmediate observes the outcome of every immediate dispatch.
	OnImmediate func(typeName string, err error)
}

// Write returns the stage that persists the envelope as an outbound row
// instead of publishing it. It joins the transaction carried by ctx, or opens
// its own. The rest of the chain runs only in immediate mode, after commit.
func Write[T any](store storage.Store, cfg WriteConfig, logger logging.ServiceLogger) pipeline.Stage[T] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return pipeline.NewStage(StageName, store != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		now := cfg.Now().UTC()
		id := ids.CreateULIDAt(now)
		env.Bind(id, 0)

		headers, err := env.Headers.Encode()
		if err != nil {
			return fmt.Errorf("encode headers: %w", err)
		}
		rec := storage.OutboundRecord{
			ID:              id,
			PartitionKey:    env.Key,
			Topic:           env.Topic,
			TypeName:        env.TypeName,
			RuntimeTypeName: env.Headers.GetString(metadata.KeyRuntimeType),
			Headers:         headers,
			Payload:         env.SerializedData,
			CreatedAt:       now,
		}

		return store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.AppendOutbound(ctx, rec); err != nil {
				return fmt.Errorf("append outbound: %w", err)
			}
			if cfg.Immediate {
				tx.AfterCommit(func(ctx context.Context) {
					dispatchImmediately(ctx, store, cfg, logger, rec, next)
				})
			}
			return nil
		})
	})
}

func dispatchImmediately(ctx context.Context, store storage.Store, cfg WriteConfig, logger logging.ServiceLogger, rec storage.OutboundRecord, next pipeline.Next) {
	fields := logging.LogFields{"outbox_id": rec.ID, "message_type": rec.TypeName}
	err := next(ctx)
	if cfg.OnImmediate != nil {
		cfg.OnImmediate(rec.TypeName, err)
	}
	if err != nil {
		logger.Error("Immediate publish failed, leaving row to the outbox worker", err, fields)
		return
	}
	if _, err := store.MarkDelivered(ctx, cfg.Now().UTC(), rec.ID); err != nil {
		logger.Error("Marking outbound row delivered failed", err, fields)
	}
}
