package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/breaker"
	"github.com/drblury/courier/internal/runtime/channel"
	"github.com/drblury/courier/internal/runtime/codec"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/inbox"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/storage"
	"github.com/drblury/courier/transport"
)

// TypeRegistration describes one message type. Only Name is required: a
// registration without Handler is publish-only.
type TypeRegistration[T any] struct {
	Name string
	// Topic overrides the configured topic. Defaults to Name.
	Topic string
	// Codec defaults to JSON.
	Codec   codec.Codec[T]
	Handler Handler[T]
	// KeyFunc derives the partition key of published messages.
	KeyFunc func(T) string
	// Settings are code-level defaults. The configuration file still wins.
	Settings configpkg.TypeSettings
	Hooks    JobHooks
	// Retry overrides the configured retry stage settings.
	Retry RetryConfig
	// PublishStages run after the metrics stage, before serialization.
	PublishStages []pipeline.Stage[T]
	// ConsumeStages run after the inbox guard, right before the handler.
	ConsumeStages []pipeline.Stage[T]
}

// registeredType is the type-erased view the service keeps of a registration.
type registeredType struct {
	name      string
	topic     string
	exclusive bool
	outbox    bool
	inbox     bool
	state     *consumer.TypeState
	stats     *TypeStats
	// publisher holds the *pipeline.Invoker[T] of the publish direction.
	publisher any
}

// TypeHandle publishes messages of one registered type.
type TypeHandle[T any] struct {
	name    string
	topic   string
	publish *pipeline.Invoker[T]
	consume *pipeline.Invoker[T]
}

func (h *TypeHandle[T]) Name() string  { return h.name }
func (h *TypeHandle[T]) Topic() string { return h.topic }

// PublishStages lists the stage names of the publish pipeline in order.
func (h *TypeHandle[T]) PublishStages() []string { return h.publish.Stages() }

// ConsumeStages lists the stage names of the consume pipeline, or nil for a
// publish-only type.
func (h *TypeHandle[T]) ConsumeStages() []string {
	if h.consume == nil {
		return nil
	}
	return h.consume.Stages()
}

// Publish runs msg through the publish pipeline.
func (h *TypeHandle[T]) Publish(ctx context.Context, msg T, opts ...PublishOption) error {
	return publishWith(ctx, h.name, h.topic, h.publish, msg, opts)
}

// Register wires a message type into svc: its publish and consume pipelines,
// its channel and breaker, and its outbox dispatcher.
func Register[T any](svc *Service, reg TypeRegistration[T]) (*TypeHandle[T], error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if reg.Name == "" {
		return nil, errspkg.ErrTypeNameRequired
	}
	if svc.started.Load() {
		return nil, fmt.Errorf("register %s: %w", reg.Name, errspkg.ErrServiceStarted)
	}

	svc.typesMu.Lock()
	defer svc.typesMu.Unlock()
	if _, exists := svc.types[reg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrTypeAlreadyRegistered, reg.Name)
	}

	settings := svc.Conf.ResolveTypeWith(reg.Name, reg.Settings)
	topic := reg.Topic
	if topic == "" {
		topic = settings.Topic
	}
	if topic == "" {
		topic = reg.Name
	}
	c := reg.Codec
	if c == nil {
		c = codec.JSON[T]()
	}

	rt := &registeredType{
		name:      reg.Name,
		topic:     topic,
		exclusive: settings.Exclusive != nil && *settings.Exclusive,
		outbox:    svc.store != nil && (settings.Outbox == nil || *settings.Outbox),
	}
	logger := svc.Logger.With(loggingpkg.LogFields{"message_type": reg.Name})

	publish := publishInvoker(svc, reg, c, rt, logger)
	rt.publisher = publish
	handle := &TypeHandle[T]{name: reg.Name, topic: topic, publish: publish}

	if rt.outbox {
		dispatch := publish.Without(outbox.StageName)
		svc.worker.Register(reg.Name, func(ctx context.Context, rec storage.OutboundRecord) error {
			env, err := envelope.FromOutbound[T](rec)
			if err != nil {
				return err
			}
			return dispatch.Invoke(ctx, env)
		})
	}

	if reg.Handler != nil {
		rt.inbox = svc.store != nil && (settings.Inbox == nil || *settings.Inbox)
		rt.stats = newTypeStats()
		consume := consumeInvoker(svc, reg, c, rt, logger)
		state, err := newTypeState(svc, reg.Name, topic, rt.exclusive, settings, consume)
		if err != nil {
			return nil, err
		}
		if err := svc.registry.Add(state); err != nil {
			return nil, err
		}
		rt.state = state
		handle.consume = consume
	}

	svc.types[reg.Name] = rt
	svc.order = append(svc.order, reg.Name)

	logger.Info("Registered message type", loggingpkg.LogFields{
		"topic":          topic,
		"exclusive":      rt.exclusive,
		"outbox":         rt.outbox,
		"inbox":          rt.inbox,
		"publish_stages": publish.Stages(),
		"consume_stages": handle.ConsumeStages(),
	})
	return handle, nil
}

func publishInvoker[T any](svc *Service, reg TypeRegistration[T], c codec.Codec[T], rt *registeredType, logger loggingpkg.ServiceLogger) *pipeline.Invoker[T] {
	var store storage.Store
	if rt.outbox {
		store = svc.store
	}
	stages := []pipeline.Stage[T]{
		RecovererStage[T](),
		CorrelationIDStage[T](),
		LoggingStage[T](logger, pipeline.Publish),
		TracingStage[T](svc.tracer, svc.propagator, pipeline.Publish),
		MetricsStage[T](svc.metrics, pipeline.Publish),
	}
	stages = append(stages, reg.PublishStages...)
	stages = append(stages,
		SerializeStage(c, reg.KeyFunc, svc.capabilities.MaxMessageSize),
		outbox.Write[T](store, outbox.WriteConfig{
			Immediate:   svc.Conf.Outbox.Immediate,
			Now:         svc.now,
			OnImmediate: svc.onImmediate,
		}, logger),
		ProducerBreakerStage[T](svc.producerBreaker),
		DispatchStage[T](svc.transport.Producer),
	)
	return pipeline.NewInvoker(reg.Name, pipeline.Publish, pipeline.Nested, stages...)
}

func consumeInvoker[T any](svc *Service, reg TypeRegistration[T], c codec.Codec[T], rt *registeredType, logger loggingpkg.ServiceLogger) *pipeline.Invoker[T] {
	var store storage.Store
	if rt.inbox {
		store = svc.store
	}
	retry := reg.Retry
	if retry.MaxRetries == 0 {
		retry.MaxRetries = svc.Conf.RetryMaxRetries
	}
	if retry.InitialInterval == 0 {
		retry.InitialInterval = svc.Conf.RetryInitialInterval
	}
	if retry.MaxInterval == 0 {
		retry.MaxInterval = svc.Conf.RetryMaxInterval
	}

	stages := []pipeline.Stage[T]{
		RecovererStage[T](),
		TracingStage[T](svc.tracer, svc.propagator, pipeline.Consume),
		MetricsStage[T](svc.metrics, pipeline.Consume),
		LoggingStage[T](logger, pipeline.Consume),
		StatsStage[T](rt.stats, svc.errorClassifier),
		JobHooksStage[T](svc.hooks.Merge(reg.Hooks)),
		RetryStage[T](retry, logger),
		DeserializeStage(c),
		inbox.Guard[T](store, inbox.Config{Retention: svc.Conf.Inbox.Retention, Now: svc.now}, logger),
	}
	stages = append(stages, reg.ConsumeStages...)
	stages = append(stages, HandlerStage(reg.Handler))
	return pipeline.NewInvoker(reg.Name, pipeline.Consume, pipeline.Nested, stages...)
}

func newTypeState[T any](svc *Service, name, topic string, exclusive bool, settings configpkg.TypeSettings, consume *pipeline.Invoker[T]) (*consumer.TypeState, error) {
	overflow, err := channel.ParseOverflow(settings.Overflow)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}

	var b *breaker.Breaker
	if settings.Breaker.Active() {
		cfg := breaker.Config{
			WindowSize:        settings.Breaker.WindowSize,
			TripThreshold:     settings.Breaker.TripThreshold,
			MinimumThroughput: settings.Breaker.MinimumThroughput,
			ActiveThreshold:   settings.Breaker.ActiveThreshold,
			ResetInterval:     settings.Breaker.ResetInterval,
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		b = breaker.New(name, cfg, breaker.WithStateChange(svc.onTypeBreakerChange))
	}

	return consumer.NewTypeState(consumer.TypeConfig{
		Name:        name,
		Topic:       topic,
		Exclusive:   exclusive,
		Concurrency: settings.Concurrency,
		Channel: channel.Config{
			Capacity:      settings.ChannelCapacity,
			HighWatermark: settings.HighWatermark,
			LowWatermark:  settings.LowWatermark,
			Overflow:      overflow,
		},
		Breaker: b,
		Process: func(ctx context.Context, rec *transport.Record) error {
			return consume.Invoke(ctx, envelope.FromRecord[T](name, rec))
		},
		OnDrop: func(rec *transport.Record) {
			svc.Logger.Info("Channel overflow dropped the oldest record", loggingpkg.LogFields{
				"message_type": name,
				"topic":        rec.Topic,
				"offset":       rec.Offset,
			})
			if svc.metrics != nil {
				svc.metrics.RecordDropped(name, "overflow")
			}
		},
	})
}

func (s *Service) onImmediate(typeName string, err error) {
	if s.metrics != nil {
		s.metrics.RecordImmediate(typeName, err)
	}
}

// PublishOption customises one publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	typeName      string
	key           string
	topic         string
	correlationID string
	headers       []metadata.Header
}

// WithType selects the registered type by name. Required when several types
// share the same Go type.
func WithType(name string) PublishOption {
	return func(o *publishOptions) { o.typeName = name }
}

// WithKey sets the partition key, overriding the type's KeyFunc.
func WithKey(key string) PublishOption {
	return func(o *publishOptions) { o.key = key }
}

// WithTopic publishes to topic instead of the type's topic.
func WithTopic(topic string) PublishOption {
	return func(o *publishOptions) { o.topic = topic }
}

// WithCorrelationID propagates an existing correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.headers = append(o.headers, metadata.Header{Key: key, Value: []byte(value)})
	}
}

// Publish sends msg through the publish pipeline of its registered type.
// Inside Service.Transact the outbound row joins the caller's transaction.
func Publish[T any](ctx context.Context, svc *Service, msg T, opts ...PublishOption) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	svc.typesMu.RLock()
	rt, inv, err := lookupPublisher[T](svc, o.typeName)
	svc.typesMu.RUnlock()
	if err != nil {
		return err
	}
	return publishWith(ctx, rt.name, rt.topic, inv, msg, opts)
}

func lookupPublisher[T any](svc *Service, typeName string) (*registeredType, *pipeline.Invoker[T], error) {
	if typeName != "" {
		rt, ok := svc.types[typeName]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownType, typeName)
		}
		inv, ok := rt.publisher.(*pipeline.Invoker[T])
		if !ok {
			var zero T
			return nil, nil, fmt.Errorf("%w: %s does not carry %T", errspkg.ErrUnknownType, typeName, zero)
		}
		return rt, inv, nil
	}

	var (
		found *registeredType
		inv   *pipeline.Invoker[T]
	)
	for _, name := range svc.order {
		rt := svc.types[name]
		candidate, ok := rt.publisher.(*pipeline.Invoker[T])
		if !ok {
			continue
		}
		if found != nil {
			return nil, nil, fmt.Errorf("%w: types %s and %s share a Go type, use WithType", errspkg.ErrMessageTypeRequired, found.name, rt.name)
		}
		found, inv = rt, candidate
	}
	if found == nil {
		var zero T
		return nil, nil, fmt.Errorf("%w: no type registered for %T", errspkg.ErrUnknownType, zero)
	}
	return found, inv, nil
}

func publishWith[T any](ctx context.Context, typeName, topic string, inv *pipeline.Invoker[T], msg T, opts []PublishOption) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.topic != "" {
		topic = o.topic
	}
	env := envelope.New(typeName, topic, msg)
	env.Key = o.key
	for _, h := range o.headers {
		env.Headers = env.Headers.Set(h.Key, h.Value)
	}
	if o.correlationID != "" {
		env.Headers = env.Headers.SetString(metadata.KeyCorrelationID, o.correlationID)
	}
	return inv.Invoke(ctx, env)
}
