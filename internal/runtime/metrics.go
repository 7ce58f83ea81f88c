package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

const metricsNamespace = "courier"

// Pipeline outcomes reported by the metrics and stats stages.
const (
	OutcomeSuccess       = "success"
	OutcomeDuplicate     = "duplicate"
	OutcomeUnprocessable = "unprocessable"
	OutcomeCircuitOpen   = "circuit_open"
	OutcomeFailed        = "failed"
)

func outcomeOf(err error, duplicate bool) string {
	switch {
	case err == nil && duplicate:
		return OutcomeDuplicate
	case err == nil:
		return OutcomeSuccess
	case errspkg.IsUnprocessable(err):
		return OutcomeUnprocessable
	case errors.Is(err, errspkg.ErrCircuitOpen):
		return OutcomeCircuitOpen
	default:
		return OutcomeFailed
	}
}

// Metrics owns the courier Prometheus collectors.
type Metrics struct {
	mu sync.Mutex

	messagesTotal     *prometheus.CounterVec
	pipelineSeconds   *prometheus.HistogramVec
	droppedTotal      *prometheus.CounterVec
	loopTransitions   *prometheus.CounterVec
	breakerTrips      *prometheus.CounterVec
	outboxRowsTotal   *prometheus.CounterVec
	outboxImmediate   *prometheus.CounterVec
	outboxCycleErrors prometheus.Counter
	inboxPurgedTotal  prometheus.Counter
	state             *stateCollector

	registerer prometheus.Registerer
	registered bool
}

// newCounterVec creates a new counter vec in the courier namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Register exposes them on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		messagesTotal:   newCounterVec("", "messages_total", "Messages that went through a pipeline, by outcome", []string{"type", "direction", "outcome"}),
		droppedTotal:    newCounterVec("", "dropped_total", "Records dropped without processing", []string{"type", "reason"}),
		loopTransitions: newCounterVec("poll_loop", "transitions_total", "Poll loop state transitions", []string{"consumer", "state"}),
		breakerTrips:    newCounterVec("breaker", "transitions_total", "Circuit breaker state transitions", []string{"breaker", "state"}),
		outboxRowsTotal: newCounterVec("outbox", "rows_total", "Outbound rows handled by the outbox worker, by outcome", []string{"outcome"}),
		outboxImmediate: newCounterVec("outbox", "immediate_total", "Immediate dispatches after commit, by outcome", []string{"type", "outcome"}),
		pipelineSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Time spent in a pipeline run",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "direction"},
		),
		outboxCycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "outbox",
			Name:      "cycle_errors_total",
			Help:      "Outbox worker cycles that failed",
		}),
		inboxPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inbox",
			Name:      "purged_total",
			Help:      "Expired dedup rows removed from the inbox",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.pipelineSeconds,
		m.droppedTotal,
		m.loopTransitions,
		m.breakerTrips,
		m.outboxRowsTotal,
		m.outboxImmediate,
		m.outboxCycleErrors,
		m.inboxPurgedTotal,
	}
	if m.state != nil {
		collectors = append(collectors, m.state)
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObservePipeline records one pipeline run.
func (m *Metrics) ObservePipeline(typeName string, direction pipeline.Direction, outcome string, d time.Duration) {
	m.messagesTotal.WithLabelValues(typeName, direction.String(), outcome).Inc()
	m.pipelineSeconds.WithLabelValues(typeName, direction.String()).Observe(d.Seconds())
}

// RecordDropped counts a record that was committed without processing.
func (m *Metrics) RecordDropped(typeName, reason string) {
	m.droppedTotal.WithLabelValues(typeName, reason).Inc()
}

// RecordLoopState counts a poll loop transition.
func (m *Metrics) RecordLoopState(consumer, state string) {
	m.loopTransitions.WithLabelValues(consumer, state).Inc()
}

// RecordBreakerState counts a circuit breaker transition.
func (m *Metrics) RecordBreakerState(name, state string) {
	m.breakerTrips.WithLabelValues(name, state).Inc()
}

// RecordImmediate counts an immediate dispatch. Failed ones are deferred to
// the outbox worker.
func (m *Metrics) RecordImmediate(typeName string, err error) {
	outcome := "delivered"
	if err != nil {
		outcome = "deferred"
	}
	m.outboxImmediate.WithLabelValues(typeName, outcome).Inc()
}

// ObserveOutbox records one outbox worker cycle.
func (m *Metrics) ObserveOutbox(res outbox.Result, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		m.outboxCycleErrors.Inc()
	}
	m.outboxRowsTotal.WithLabelValues("delivered").Add(float64(res.Delivered))
	m.outboxRowsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	m.outboxRowsTotal.WithLabelValues("lost_race").Add(float64(res.LostRaces))
}

// RecordPurged counts expired inbox rows.
func (m *Metrics) RecordPurged(n int64) {
	m.inboxPurgedTotal.Add(float64(n))
}

// Watch exposes gauges computed from snapshot on every scrape. Call it before
// Register.
func (m *Metrics) Watch(snapshot func() Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newStateCollector(snapshot)
}

// stateCollector turns a service snapshot into gauges at scrape time.
type stateCollector struct {
	snapshot func() Snapshot

	channelDepth    *prometheus.Desc
	channelCapacity *prometheus.Desc
	channelDropped  *prometheus.Desc
	breakerState    *prometheus.Desc
	loopState       *prometheus.Desc
	outboxPending   *prometheus.Desc
}

func newStateCollector(snapshot func() Snapshot) *stateCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &stateCollector{
		snapshot:        snapshot,
		channelDepth:    desc("channel_depth", "Records queued on a type's channel", "type"),
		channelCapacity: desc("channel_capacity", "Capacity of a type's channel", "type"),
		channelDropped:  desc("channel_dropped_total", "Records evicted from a full drop-oldest channel", "type"),
		breakerState:    desc("breaker_state", "Circuit breaker state: 0 closed, 1 open, 2 half-open", "type"),
		loopState:       desc("poll_loop_state", "Poll loop state: 0 running, 1 paused by backpressure, 2 paused by breaker", "consumer"),
		outboxPending:   desc("outbox_pending", "Undelivered outbound rows"),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	for _, t := range snap.Types {
		if !t.Consumer {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.channelDepth, prometheus.GaugeValue, float64(t.ChannelDepth), t.Name)
		ch <- prometheus.MustNewConstMetric(c.channelCapacity, prometheus.GaugeValue, float64(t.ChannelCapacity), t.Name)
		ch <- prometheus.MustNewConstMetric(c.channelDropped, prometheus.CounterValue, float64(t.ChannelDropped), t.Name)
		if t.breaker != nil {
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(t.breaker.State()), t.Name)
		}
	}
	for _, l := range snap.Consumers {
		ch <- prometheus.MustNewConstMetric(c.loopState, prometheus.GaugeValue, float64(l.state), l.Name)
	}
	if snap.OutboxPending >= 0 {
		ch <- prometheus.MustNewConstMetric(c.outboxPending, prometheus.GaugeValue, float64(snap.OutboxPending))
	}
}
