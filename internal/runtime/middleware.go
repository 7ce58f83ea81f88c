package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/transport"
)

// Stage names. Custom stages must not reuse them.
const (
	StageRecoverer       = "recoverer"
	StageCorrelationID   = "correlation_id"
	StageLogging         = "logging"
	StageTracing         = "tracing"
	StageMetrics         = "metrics"
	StageStats           = "stats"
	StageJobHooks        = "job_hooks"
	StageRetry           = "retry"
	StageSerialize       = "serialize"
	StageDeserialize     = "deserialize"
	StageProducerBreaker = "producer_breaker"
	StageDispatch        = "dispatch"
	StageHandler         = "handler"
)

// Handler processes one consumed message. Returning an
// UnprocessableEventError drops the message; any other error redelivers it.
type Handler[T any] func(ctx context.Context, env *envelope.Envelope[T]) error

// RetryConfig customises the retry stage.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
	// RetryIf decides whether an error is worth another attempt. Unprocessable
	// events and open circuits are never retried.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// RecovererStage converts panics into errors.
func RecovererStage[T any]() pipeline.Stage[T] {
	return pipeline.NewStage(StageRecoverer, true, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovered in %s pipeline: %v\n%s", env.TypeName, r, debug.Stack())
			}
		}()
		return next(ctx)
	})
}

// CorrelationIDStage ensures each message carries a correlation identifier.
func CorrelationIDStage[T any]() pipeline.Stage[T] {
	return pipeline.NewStage(StageCorrelationID, true, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		if !env.Headers.Has(metadata.KeyCorrelationID) {
			env.Headers = env.Headers.SetString(metadata.KeyCorrelationID, idspkg.CreateULID())
		}
		return next(ctx)
	})
}

// LoggingStage logs every message and the failures of the rest of the chain.
func LoggingStage[T any](logger loggingpkg.ServiceLogger, direction pipeline.Direction) pipeline.Stage[T] {
	return pipeline.NewStage(StageLogging, logger != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		fields := envelopeFields(env)
		fields["direction"] = direction.String()
		logger.Debug("Handling message", fields)

		start := time.Now()
		err := next(ctx)
		fields["duration_ms"] = time.Since(start).Milliseconds()
		if err != nil {
			logger.Error("Message pipeline failed", err, fields)
			return err
		}
		if env.Duplicate() {
			logger.Debug("Duplicate message skipped", fields)
		}
		return nil
	})
}

func envelopeFields[T any](env *envelope.Envelope[T]) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"message_type":   env.TypeName,
		"topic":          env.Topic,
		"payload_bytes":  len(env.SerializedData),
		"correlation_id": env.Headers.GetString(metadata.KeyCorrelationID),
	}
	if env.Key != "" {
		fields["key"] = env.Key
	}
	if env.Record != nil {
		fields["outbox_id"] = env.Record.ID
	}
	return fields
}

// TracingStage wraps the rest of the chain in a span. Publish pipelines
// inject the span context into the headers; consume pipelines continue the
// trace found there.
func TracingStage[T any](tracer trace.Tracer, propagator propagation.TextMapPropagator, direction pipeline.Direction) pipeline.Stage[T] {
	return pipeline.NewStage(StageTracing, tracer != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		kind := trace.SpanKindProducer
		if direction == pipeline.Consume {
			kind = trace.SpanKindConsumer
			if propagator != nil {
				ctx = propagator.Extract(ctx, &headerCarrier{headers: &env.Headers})
			}
		}

		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", direction, env.TypeName),
			trace.WithSpanKind(kind),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", env.Topic),
				attribute.String("messaging.message.type", env.TypeName),
				attribute.String("messaging.message.conversation_id", env.Headers.GetString(metadata.KeyCorrelationID)),
			),
		)
		defer span.End()

		if direction == pipeline.Publish && propagator != nil {
			propagator.Inject(ctx, &headerCarrier{headers: &env.Headers})
		}

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

// headerCarrier adapts Headers to the OpenTelemetry propagation API.
type headerCarrier struct {
	headers *metadata.Headers
}

func (c *headerCarrier) Get(key string) string {
	return c.headers.GetString(key)
}

func (c *headerCarrier) Set(key, value string) {
	*c.headers = c.headers.SetString(key, value)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, c.headers.Len())
	c.headers.Range(func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// MetricsStage records the outcome and latency of the rest of the chain.
func MetricsStage[T any](m *Metrics, direction pipeline.Direction) pipeline.Stage[T] {
	return pipeline.NewStage(StageMetrics, m != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		start := time.Now()
		err := next(ctx)
		m.ObservePipeline(env.TypeName, direction, outcomeOf(err, env.Duplicate()), time.Since(start))
		return err
	})
}

// SerializeStage marshals the message and stamps the type headers. Envelopes
// that already carry bytes, such as rehydrated outbox rows, pass through.
//
// Payloads larger than maxSize are rejected as unprocessable before they
// reach the outbox, since the broker would refuse them on every attempt. A
// maxSize of zero disables the check.
func SerializeStage[T any](c codec.Codec[T], keyFunc func(T) string, maxSize int64) pipeline.Stage[T] {
	return pipeline.NewStage(StageSerialize, c != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		if env.IsSerialized() {
			return next(ctx)
		}
		if isNilMessage(env.Message) {
			return &errspkg.UnprocessableEventError{TypeName: env.TypeName, Err: errspkg.ErrNilMessage}
		}
		data, err := c.Marshal(env.Message)
		if err != nil {
			return fmt.Errorf("serialize %s: %w", env.TypeName, err)
		}
		if maxSize > 0 && int64(len(data)) > maxSize {
			return &errspkg.UnprocessableEventError{
				TypeName: env.TypeName,
				Err:      fmt.Errorf("%w: %d bytes, limit %d", errspkg.ErrMessageTooLarge, len(data), maxSize),
			}
		}
		env.SetSerialized(data)
		if env.Key == "" && keyFunc != nil {
			env.Key = keyFunc(env.Message)
		}
		env.Headers = env.Headers.
			SetString(metadata.KeyMessageType, env.TypeName).
			SetString(metadata.KeyRuntimeType, fmt.Sprintf("%T", env.Message)).
			SetString(metadata.KeyContentType, c.ContentType())
		if env.Key != "" {
			env.Headers = env.Headers.SetString(metadata.KeyPartitionKey, env.Key)
		}
		return next(ctx)
	})
}

func isNilMessage(msg any) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// DeserializeStage unmarshals the payload into Message. Undecodable payloads
// are unprocessable.
func DeserializeStage[T any](c codec.Codec[T]) pipeline.Stage[T] {
	return pipeline.NewStage(StageDeserialize, c != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		msg, err := c.Unmarshal(env.SerializedData)
		if err != nil {
			return &errspkg.UnprocessableEventError{
				TypeName: env.TypeName,
				Payload:  env.SerializedData,
				Err:      err,
			}
		}
		env.Message = msg
		return next(ctx)
	})
}

// RetryStage re-runs the rest of the chain with exponential backoff.
func RetryStage[T any](cfg RetryConfig, logger loggingpkg.ServiceLogger) pipeline.Stage[T] {
	normalized := cfg.withDefaults()
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return pipeline.NewStage(StageRetry, true, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = normalized.InitialInterval
		policy.MaxInterval = normalized.MaxInterval

		attempt := func() (struct{}, error) {
			recordAttempt(ctx)
			attemptCtx := ctx
			if normalized.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, normalized.AttemptTimeout)
				defer cancel()
			}
			err := next(attemptCtx)
			if err == nil {
				return struct{}{}, nil
			}
			if !retryable(err, normalized.RetryIf) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}

		_, err := backoff.Retry(ctx, attempt,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(normalized.MaxRetries)+1),
			backoff.WithNotify(func(err error, wait time.Duration) {
				fields := envelopeFields(env)
				fields["retry_in_ms"] = wait.Milliseconds()
				logger.Info("Retrying message", fields)
			}),
		)
		return err
	})
}

func retryable(err error, retryIf func(error) bool) bool {
	if errspkg.IsUnprocessable(err) || errors.Is(err, errspkg.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if retryIf != nil {
		return retryIf(err)
	}
	return true
}

// ProducerBreakerConfig tunes the breaker in front of the shared producer.
type ProducerBreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	OnStateChange       func(from, to gobreaker.State)
}

// NewProducerBreaker builds the one breaker every publish pipeline shares.
func NewProducerBreaker(name string, cfg ProducerBreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// ProducerBreakerStage fails fast with ErrCircuitOpen while the producer
// breaker is open.
func ProducerBreakerStage[T any](cb *gobreaker.CircuitBreaker) pipeline.Stage[T] {
	return pipeline.NewStage(StageProducerBreaker, cb != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		_, err := cb.Execute(func() (any, error) {
			return nil, next(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", errspkg.ErrCircuitOpen, err)
		}
		return err
	})
}

// DispatchStage hands the serialized message to the producer and waits for
// the broker acknowledgment.
func DispatchStage[T any](producer transport.Producer) pipeline.Stage[T] {
	return pipeline.NewStage(StageDispatch, producer != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		if env.Topic == "" {
			return errspkg.ErrTopicRequired
		}
		msg := transport.OutboundMessage{
			Value:   env.SerializedData,
			Headers: env.Headers,
		}
		if env.Key != "" {
			msg.Key = []byte(env.Key)
		}
		if err := producer.Publish(ctx, env.Topic, msg); err != nil {
			return fmt.Errorf("publish %s to %s: %w", env.TypeName, env.Topic, err)
		}
		return next(ctx)
	})
}

// HandlerStage runs the user handler.
func HandlerStage[T any](fn Handler[T]) pipeline.Stage[T] {
	return pipeline.NewStage(StageHandler, fn != nil, func(ctx context.Context, env *envelope.Envelope[T], next pipeline.Next) error {
		if err := fn(ctx, env); err != nil {
			return err
		}
		return next(ctx)
	})
}

type attemptsKey struct{}

// withAttemptCounter lets stages outside the retry stage learn how many
// attempts it made.
func withAttemptCounter(ctx context.Context) (context.Context, *int) {
	n := new(int)
	return context.WithValue(ctx, attemptsKey{}, n), n
}

func recordAttempt(ctx context.Context) {
	if n, ok := ctx.Value(attemptsKey{}).(*int); ok {
		*n++
	}
}
