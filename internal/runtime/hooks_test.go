package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

func consumedEnvelope() *envelope.Envelope[order] {
	headers := metadata.New(metadata.KeyCorrelationID, "corr-1")
	return envelope.FromBytes[order]("order.created", "orders", "c-1", []byte(`{"id":"o-1"}`), headers)
}

func TestJobHooksStageOnJobStart(t *testing.T) {
	var captured JobContext
	stage := JobHooksStage[order](JobHooks{
		OnJobStart: func(ctx JobContext) { captured = ctx },
	})

	err := stage.Invoke(context.Background(), consumedEnvelope(), func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "order.created", captured.TypeName)
	assert.Equal(t, "orders", captured.Topic)
	assert.Equal(t, "c-1", captured.Key)
	assert.Equal(t, "corr-1", captured.CorrelationID)
	assert.NotNil(t, captured.Context)
	assert.False(t, captured.StartedAt.IsZero())
	assert.Zero(t, captured.Duration)
}

func TestJobHooksStageOnJobDone(t *testing.T) {
	var (
		done    JobContext
		errored bool
	)
	stage := JobHooksStage[order](JobHooks{
		OnJobDone:  func(ctx JobContext) { done = ctx },
		OnJobError: func(JobContext, error) { errored = true },
	})

	err := stage.Invoke(context.Background(), consumedEnvelope(), func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	assert.False(t, errored)
	assert.GreaterOrEqual(t, done.Duration, 5*time.Millisecond)
	assert.Zero(t, done.RetryCount)
	assert.False(t, done.Duplicate)
}

func TestJobHooksStageOnJobError(t *testing.T) {
	boom := errors.New("downstream failed")
	var (
		captured JobContext
		gotErr   error
		doneHit  bool
	)
	stage := JobHooksStage[order](JobHooks{
		OnJobDone: func(JobContext) { doneHit = true },
		OnJobError: func(ctx JobContext, err error) {
			captured = ctx
			gotErr = err
		},
	})

	err := stage.Invoke(context.Background(), consumedEnvelope(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	assert.False(t, doneHit)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, "order.created", captured.TypeName)
}

func TestJobHooksStageCountsRetries(t *testing.T) {
	var done JobContext
	hooks := JobHooksStage[order](JobHooks{OnJobDone: func(ctx JobContext) { done = ctx }})
	retry := RetryStage[order](RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)

	attempts := 0
	handler := pipeline.NewStage[order]("flaky", true, func(ctx context.Context, _ *envelope.Envelope[order], next pipeline.Next) error {
		attempts++
		if attempts < 3 {
			return errors.New("try again")
		}
		return next(ctx)
	})

	inv := pipeline.NewInvoker("order.created", pipeline.Consume, pipeline.Nested, hooks, retry, handler)
	require.NoError(t, inv.Invoke(context.Background(), consumedEnvelope()))

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, done.RetryCount)
}

func TestJobHooksStageReportsDuplicates(t *testing.T) {
	var done JobContext
	stage := JobHooksStage[order](JobHooks{OnJobDone: func(ctx JobContext) { done = ctx }})

	env := consumedEnvelope()
	err := stage.Invoke(context.Background(), env, func(context.Context) error {
		env.MarkDuplicate()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, done.Duplicate)
}

func TestJobHooksStageDisabledWhenEmpty(t *testing.T) {
	assert.False(t, JobHooksStage[order](JobHooks{}).Enabled())
	assert.True(t, JobHooksStage[order](JobHooks{OnJobStart: func(JobContext) {}}).Enabled())
}

func TestJobHooksMerge(t *testing.T) {
	var calls []string
	first := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "first.start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "first.error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "second.start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "second.done") },
	}

	merged := first.Merge(second)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"first.start", "second.start", "second.done", "first.error"}, calls)

	t.Run("empty sides stay empty", func(t *testing.T) {
		merged := JobHooks{}.Merge(JobHooks{})
		assert.True(t, merged.Empty())
	})
}

func TestLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	hooks := LoggingHooks(logger)

	hooks.OnJobStart(JobContext{TypeName: "order.created"})
	hooks.OnJobDone(JobContext{TypeName: "order.created", RetryCount: 1, Duplicate: true})
	hooks.OnJobError(JobContext{TypeName: "order.created"}, errors.New("boom"))

	assert.Equal(t, []string{"Job started"}, logger.messages("debug"))
	assert.Equal(t, []string{"Job completed"}, logger.messages("info"))
	assert.Equal(t, []string{"Job failed"}, logger.messages("error"))

	entry, ok := logger.find("Job completed")
	require.True(t, ok)
	assert.Equal(t, 1, entry.fields["retry_count"])
	assert.Equal(t, true, entry.fields["duplicate"])
}

func TestMetricsHooks(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	count := func(event string) func(typeName, topic string) {
		return func(typeName, topic string) {
			mu.Lock()
			defer mu.Unlock()
			counts[event+":"+typeName+":"+topic]++
		}
	}

	hooks := MetricsHooks(count("start"), count("done"), count("error"))
	job := JobContext{TypeName: "order.created", Topic: "orders"}
	hooks.OnJobStart(job)
	hooks.OnJobDone(job)
	hooks.OnJobError(job, errors.New("boom"))

	assert.Equal(t, map[string]int{
		"start:order.created:orders": 1,
		"done:order.created:orders":  1,
		"error:order.created:orders": 1,
	}, counts)

	t.Run("nil counters are ignored", func(t *testing.T) {
		hooks := MetricsHooks(nil, nil, nil)
		assert.NotPanics(t, func() {
			hooks.OnJobStart(job)
			hooks.OnJobDone(job)
			hooks.OnJobError(job, errors.New("boom"))
		})
	})
}

func TestAlertingHooks(t *testing.T) {
	var alerted error
	hooks := AlertingHooks(func(_ JobContext, err error) { alerted = err })

	assert.Nil(t, hooks.OnJobStart)
	assert.Nil(t, hooks.OnJobDone)

	boom := errors.New("boom")
	hooks.OnJobError(JobContext{}, boom)
	assert.ErrorIs(t, alerted, boom)
}
