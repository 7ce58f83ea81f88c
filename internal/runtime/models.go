package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/courier/internal/runtime/breaker"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Snapshot is a point-in-time view of the service.
type Snapshot struct {
	Transport transport.Capabilities `json:"transport"`
	Types     []TypeSnapshot         `json:"types"`
	Consumers []ConsumerSnapshot     `json:"consumers"`
	// OutboxPending is -1 when the service has no store.
	OutboxPending int64         `json:"outbox_pending"`
	Resource      ResourceUsage `json:"resource"`
	CollectedAt   time.Time     `json:"collected_at"`
}

// TypeSnapshot describes one registered type.
type TypeSnapshot struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Exclusive bool   `json:"exclusive"`
	// Consumer is set for types registered with a handler.
	Consumer bool `json:"consumer"`
	// Active is set while the type's dispatcher runs.
	Active          bool       `json:"active"`
	Outbox          bool       `json:"outbox"`
	Inbox           bool       `json:"inbox"`
	ChannelDepth    int        `json:"channel_depth"`
	ChannelCapacity int        `json:"channel_capacity"`
	ChannelDropped  uint64     `json:"channel_dropped"`
	BreakerState    string     `json:"breaker_state,omitempty"`
	Stats           *TypeStats `json:"stats,omitempty"`

	breaker *breaker.Breaker
}

// ConsumerSnapshot describes one physical consumer and its poll loop.
type ConsumerSnapshot struct {
	Name      string   `json:"name"`
	Dedicated bool     `json:"dedicated"`
	State     string   `json:"state"`
	Topics    []string `json:"topics"`
	Error     string   `json:"error,omitempty"`

	state consumer.LoopState
}

// TypeStats aggregates the consume-side history of one type.
type TypeStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesDuplicate   uint64    `json:"messages_duplicate"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation  uint64 `json:"validation"`
	CircuitOpen uint64 `json:"circuit_open"`
	Dedup       uint64 `json:"dedup"`
	Downstream  uint64 `json:"downstream"`
	Other       uint64 `json:"other"`
	LastError   string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryValidation  ErrorCategory = "validation"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryDedup       ErrorCategory = "dedup"
	ErrorCategoryDownstream  ErrorCategory = "downstream"
	ErrorCategoryOther       ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func newTypeStats() *TypeStats {
	return &TypeStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

// StatsStage feeds stats with the outcome of the rest of the chain.
func StatsStage[T any](stats *TypeStats, classifier ErrorClassifier) pipeline.Stage[T] {
	return pipeline.NewStage(StageStats, stats != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		stats.onStart()
		start := time.Now()
		err := next(ctx)
		stats.onFinish(time.Since(start), err, env.Duplicate(), classifier)
		return err
	})
}

func (s *TypeStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxInFlight {
		s.MaxInFlight = s.InFlight
	}
}

func (s *TypeStats) onFinish(duration time.Duration, err error, duplicate bool, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
	}
	if duplicate {
		s.MessagesDuplicate++
	}
	s.TotalProcessingTime += int64(duration)
	now := time.Now().UTC()
	s.LastProcessedAt = now

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
	s.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(now)
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    s.MessagesProcessed,
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)
}

// Clone returns a copy safe to hand out.
func (s *TypeStats) Clone() *TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &TypeStats{
		MessagesProcessed:   s.MessagesProcessed,
		MessagesFailed:      s.MessagesFailed,
		MessagesDuplicate:   s.MessagesDuplicate,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		InFlight:            s.InFlight,
		MaxInFlight:         s.MaxInFlight,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
		Errors:              s.Errors,
	}
}

func (s *TypeStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias TypeStats
	return json.Marshal((*Alias)(s))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryCircuitOpen:
		e.CircuitOpen++
	case ErrorCategoryDedup:
		e.Dedup++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, 0, lw.filled)
	for i := range lw.filled {
		idx := (lw.next - lw.filled + i + len(lw.samples)) % len(lw.samples)
		samples = append(samples, lw.samples[idx])
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsUnprocessable(err):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, errspkg.ErrDedupUnavailable):
		return ErrorCategoryDedup
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
