package runtime

import (
	"context"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// TypeName is the registered message type being processed.
	TypeName string
	// Topic is the topic the message was received from.
	Topic string
	// Key is the partition key, if any.
	Key string
	// CorrelationID identifies the message across services.
	CorrelationID string
	// Headers are the message headers. Hooks must not modify them.
	Headers metadata.Headers
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// RetryCount is the number of extra attempts the retry stage made.
	RetryCount int
	// Duplicate is set when the inbox recognised an already-processed message.
	Duplicate bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the consume pipeline runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the pipeline completed without error.
	// Duration will be set to how long the pipeline took.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the pipeline returned an error.
	// Duration will be set to how long the pipeline took before failing.
	OnJobError func(ctx JobContext, err error)
}

// Empty reports whether no hook is set.
func (h JobHooks) Empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksStage invokes hooks around the rest of the consume pipeline.
func JobHooksStage[T any](hooks JobHooks) pipeline.Stage[T] {
	return pipeline.NewStage(StageJobHooks, !hooks.Empty(), func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		ctx, attempts := withAttemptCounter(ctx)
		jobCtx := JobContext{
			TypeName:      env.TypeName,
			Topic:         env.Topic,
			Key:           env.Key,
			CorrelationID: env.Headers.GetString(metadata.KeyCorrelationID),
			Headers:       env.Headers,
			Context:       ctx,
			StartedAt:     time.Now(),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx)

		jobCtx.Duration = time.Since(jobCtx.StartedAt)
		jobCtx.Duplicate = env.Duplicate()
		if *attempts > 1 {
			jobCtx.RetryCount = *attempts - 1
		}
		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	})
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"message_type":   ctx.TypeName,
				"topic":          ctx.Topic,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"message_type":   ctx.TypeName,
				"topic":          ctx.Topic,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"retry_count":    ctx.RetryCount,
				"duplicate":      ctx.Duplicate,
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"message_type":   ctx.TypeName,
				"topic":          ctx.Topic,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"retry_count":    ctx.RetryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward job events to counters.
func MetricsHooks(onStart, onDone, onError func(typeName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.TypeName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.TypeName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.TypeName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
