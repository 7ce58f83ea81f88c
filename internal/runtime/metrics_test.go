package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/breaker"
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, outcomeOf(nil, false))
	assert.Equal(t, OutcomeDuplicate, outcomeOf(nil, true))
	assert.Equal(t, OutcomeUnprocessable, outcomeOf(&errspkg.UnprocessableEventError{Err: errors.New("x")}, false))
	assert.Equal(t, OutcomeCircuitOpen, outcomeOf(errspkg.ErrCircuitOpen, false))
	assert.Equal(t, OutcomeFailed, outcomeOf(errors.New("boom"), false))
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg)
	require.NoError(t, other.Register(), "already registered collectors are tolerated")
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.ObservePipeline("orders", pipeline.Consume, OutcomeSuccess, 10*time.Millisecond)
	m.ObservePipeline("orders", pipeline.Consume, OutcomeSuccess, 20*time.Millisecond)
	m.RecordDropped("orders", "inactive")
	m.RecordLoopState("shared", consumer.PausedByBackpressure.String())
	m.RecordBreakerState("orders", breaker.Open.String())
	m.ObserveOutbox(outbox.Result{Delivered: 3, Failed: 1}, nil)
	m.ObserveOutbox(outbox.Result{}, errors.New("store down"))
	m.ObserveOutbox(outbox.Result{}, context.Canceled)
	m.RecordPurged(7)
	m.RecordImmediate("orders", nil)
	m.RecordImmediate("orders", errors.New("broker down"))

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"courier_messages_total", map[string]string{"type": "orders", "direction": "consume", "outcome": OutcomeSuccess}, 2},
		{"courier_pipeline_duration_seconds", map[string]string{"type": "orders"}, 2},
		{"courier_dropped_total", map[string]string{"type": "orders", "reason": "inactive"}, 1},
		{"courier_poll_loop_transitions_total", map[string]string{"consumer": "shared"}, 1},
		{"courier_breaker_transitions_total", map[string]string{"breaker": "orders", "state": "open"}, 1},
		{"courier_outbox_rows_total", map[string]string{"outcome": "delivered"}, 3},
		{"courier_outbox_rows_total", map[string]string{"outcome": "failed"}, 1},
		{"courier_outbox_immediate_total", map[string]string{"type": "orders", "outcome": "delivered"}, 1},
		{"courier_outbox_immediate_total", map[string]string{"type": "orders", "outcome": "deferred"}, 1},
		{"courier_outbox_cycle_errors_total", nil, 1},
		{"courier_inbox_purged_total", nil, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := gatherValue(t, reg, tt.name, tt.labels)
			require.True(t, ok, "metric %s not found", tt.name)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetricsWatchExportsState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	b := breaker.New("orders", breaker.Config{})
	m.Watch(func() Snapshot {
		return Snapshot{
			Types: []TypeSnapshot{
				{Name: "orders", Consumer: true, ChannelDepth: 4, ChannelCapacity: 16, ChannelDropped: 2, breaker: b},
				{Name: "audit", Consumer: false},
			},
			Consumers:     []ConsumerSnapshot{{Name: "shared", state: consumer.PausedByCircuitBreaker}},
			OutboxPending: 9,
		}
	})
	require.NoError(t, m.Register())

	depth, ok := gatherValue(t, reg, "courier_channel_depth", map[string]string{"type": "orders"})
	require.True(t, ok)
	assert.Equal(t, 4.0, depth)

	_, ok = gatherValue(t, reg, "courier_channel_depth", map[string]string{"type": "audit"})
	assert.False(t, ok, "publish-only types have no channel")

	state, ok := gatherValue(t, reg, "courier_breaker_state", map[string]string{"type": "orders"})
	require.True(t, ok)
	assert.Equal(t, float64(breaker.Closed), state)

	loop, ok := gatherValue(t, reg, "courier_poll_loop_state", map[string]string{"consumer": "shared"})
	require.True(t, ok)
	assert.Equal(t, float64(consumer.PausedByCircuitBreaker), loop)

	pending, ok := gatherValue(t, reg, "courier_outbox_pending", nil)
	require.True(t, ok)
	assert.Equal(t, 9.0, pending)
}

func TestMetricsWatchSkipsPendingWithoutStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Watch(func() Snapshot { return Snapshot{OutboxPending: -1} })
	require.NoError(t, m.Register())

	_, ok := gatherValue(t, reg, "courier_outbox_pending", nil)
	assert.False(t, ok)
}
