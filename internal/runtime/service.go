package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/internal/runtime/breaker"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/inbox"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/storage"
	"github.com/drblury/courier/store/memory"
	"github.com/drblury/courier/store/postgres"
	"github.com/drblury/courier/store/sqlite"
	"github.com/drblury/courier/transport"
	_ "github.com/drblury/courier/transport/transports"
)

const (
	defaultPubSubSystem    = "channel"
	defaultWebUIPort       = 8081
	defaultMetricsPort     = 9090
	httpShutdownTimeout    = 5 * time.Second
	snapshotPendingTimeout = 2 * time.Second
	tracerName             = "github.com/drblury/courier"
)

// openStore builds the durable store named by conf.StoreDriver.
var openStore = func(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (storage.Store, error) {
	switch strings.ToLower(conf.StoreDriver) {
	case configpkg.StoreNone:
		return nil, nil
	case configpkg.StoreMemory:
		return memory.New(memory.Config{BucketCount: conf.Outbox.BucketCount}), nil
	case configpkg.StorePostgres, "postgresql":
		store, err := postgres.Open(ctx, postgres.Config{URL: conf.PostgresURL, BucketCount: conf.Outbox.BucketCount, Logger: log})
		if err != nil {
			return nil, err
		}
		return store, nil
	case configpkg.StoreSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{Path: conf.SQLiteFile, BucketCount: conf.Outbox.BucketCount, Logger: log})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownStoreDriver, conf.StoreDriver)
	}
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to what the configuration describes.
type ServiceDependencies struct {
	// Transport replaces the transport built from the configuration.
	Transport *transport.Transport
	// TransportRegistry resolves PubSubSystem. Defaults to the global registry.
	TransportRegistry *transport.Registry
	// Capabilities overrides what the registry reports for PubSubSystem,
	// typically alongside an injected Transport.
	Capabilities *transport.Capabilities
	// Store replaces the store opened from StoreDriver. The service does not
	// close a store it did not open.
	Store storage.Store
	// MetricsRegisterer receives the courier collectors. Defaults to the
	// Prometheus default registerer when metrics are enabled.
	MetricsRegisterer prometheus.Registerer
	Tracer            trace.Tracer
	Propagator        propagation.TextMapPropagator
	// Hooks run around every consume pipeline, before per-type hooks.
	Hooks           JobHooks
	ErrorClassifier ErrorClassifier
	// Now replaces time.Now for outbox and inbox timestamps.
	Now func() time.Time
}

// Service owns the transport, the store and every registered message type.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities
	store        storage.Store
	ownsStore    bool

	registry      *consumer.Registry
	subscriptions *consumer.SubscriptionRegistry
	worker        *outbox.Worker
	purger        *inbox.Purger

	metrics         *Metrics
	metricsGatherer prometheus.Gatherer
	producerBreaker *gobreaker.CircuitBreaker
	tracer          trace.Tracer
	propagator      propagation.TextMapPropagator
	hooks           JobHooks
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
	now             func() time.Time

	typesMu sync.RWMutex
	types   map[string]*registeredType
	order   []string

	tokensMu sync.Mutex
	tokens   []*consumer.Token

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register types
// on the returned Service before calling Start. It panics on invalid input;
// use TryNewService to get an error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := *conf
	if resolved.PubSubSystem == "" {
		resolved.PubSubSystem = defaultPubSubSystem
	}
	if err := validateForService(&resolved, deps); err != nil {
		return nil, err
	}

	log.Info("Creating courier service", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"store_driver":  resolved.StoreDriver,
		"config":        resolved.String(),
	})

	s := &Service{
		Conf:            &resolved,
		Logger:          log,
		registry:        consumer.NewRegistry(),
		hooks:           deps.Hooks,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		now:             deps.Now,
		propagator:      deps.Propagator,
		tracer:          deps.Tracer,
		types:           make(map[string]*registeredType),
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.propagator == nil {
		s.propagator = propagation.TraceContext{}
	}

	if err := s.setupMetrics(deps.MetricsRegisterer); err != nil {
		return nil, err
	}
	if err := s.setupTransport(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.setupStore(ctx, deps.Store); err != nil {
		_ = s.transport.Close()
		return nil, err
	}
	if err := s.setupOutbox(); err != nil {
		_ = s.closeResources()
		return nil, err
	}

	if !resolved.ProducerBreaker.Disabled {
		s.producerBreaker = NewProducerBreaker("producer", ProducerBreakerConfig{
			ConsecutiveFailures: resolved.ProducerBreaker.ConsecutiveFailures,
			OpenTimeout:         resolved.ProducerBreaker.OpenTimeout,
			HalfOpenRequests:    resolved.ProducerBreaker.HalfOpenRequests,
			OnStateChange: func(from, to gobreaker.State) {
				s.onBreakerChange("producer", from.String(), to.String())
			},
		})
	}

	s.subscriptions = consumer.NewSubscriptionRegistry(ctx, s.transport.NewConsumer, s.registry, log, consumer.LoopConfig{
		PollTimeout:         resolved.Poll.Timeout,
		ResumeCheckInterval: resolved.Poll.ResumeCheckInterval,
		OnStateChange:       s.onLoopStateChange,
		OnUnroutable:        s.onUnroutable,
	})

	return s, nil
}

// validateForService checks the configuration, skipping the store section
// when the caller supplied a store.
func validateForService(conf *configpkg.Config, deps ServiceDependencies) error {
	check := *conf
	if deps.Store != nil {
		check.StoreDriver = configpkg.StoreNone
	}
	if deps.Transport != nil && deps.TransportRegistry == nil {
		check.PubSubSystem = defaultPubSubSystem
	}
	return errspkg.NewConfigValidationError(check.Validate())
}

func (s *Service) setupMetrics(registerer prometheus.Registerer) error {
	if !s.Conf.MetricsEnabled && registerer == nil {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		s.metricsGatherer = gatherer
	} else {
		s.metricsGatherer = prometheus.DefaultGatherer
	}
	s.metrics = NewMetrics(registerer)
	s.metrics.Watch(s.Snapshot)
	return s.metrics.Register()
}

func (s *Service) setupTransport(ctx context.Context, deps ServiceDependencies) error {
	registry := deps.TransportRegistry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		wmLogger := loggingpkg.NewWatermillAdapter(loggingpkg.Component(s.Logger, "transport", loggingpkg.LogFields{"pubsub_system": s.Conf.PubSubSystem}))
		built, err := registry.Build(ctx, s.Conf, wmLogger)
		if err != nil {
			return fmt.Errorf("build %s transport: %w", s.Conf.PubSubSystem, err)
		}
		s.transport = built
	}
	s.capabilities = registry.GetCapabilities(s.Conf.PubSubSystem)
	if deps.Capabilities != nil {
		s.capabilities = *deps.Capabilities
	}
	s.Logger.Debug("Transport capabilities", loggingpkg.LogFields{
		"transport":        s.capabilities.Name,
		"offset_seek":      s.capabilities.OffsetSeek,
		"fetch_pause":      s.capabilities.FetchPause,
		"at_least_once":    s.capabilities.AtLeastOnce(),
		"max_message_size": s.capabilities.MaxMessageSize,
	})
	if s.transport.Producer == nil {
		return errspkg.ErrProducerRequired
	}
	if s.transport.NewConsumer == nil {
		return errspkg.ErrConsumerRequired
	}
	return nil
}

func (s *Service) setupStore(ctx context.Context, store storage.Store) error {
	if store != nil {
		s.store = store
		return nil
	}
	opened, err := openStore(ctx, s.Conf, s.Logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.Conf.StoreDriver, err)
	}
	s.store = opened
	s.ownsStore = opened != nil
	return nil
}

func (s *Service) setupOutbox() error {
	if s.store == nil {
		return nil
	}
	strategy, err := s.outboxStrategy()
	if err != nil {
		return err
	}

	var opts []outbox.WorkerOption
	if s.metrics != nil {
		opts = append(opts, outbox.WithObserver(s.metrics.ObserveOutbox))
	}
	cfg := s.Conf.Outbox
	s.worker, err = outbox.NewWorker(s.store, strategy, outbox.Config{
		Interval:           cfg.Interval,
		MaxMessagesPerPoll: cfg.MaxMessagesPerPoll,
		MaxRetries:         cfg.MaxRetries,
		DispatchTimeout:    cfg.DispatchTimeout,
		RateLimit:          cfg.RateLimit,
		Now:                s.now,
	}, s.Logger, opts...)
	if err != nil {
		return err
	}

	var purgeOpts []inbox.PurgerOption
	purgeOpts = append(purgeOpts, inbox.WithPurgeClock(s.now))
	if s.metrics != nil {
		purgeOpts = append(purgeOpts, inbox.WithPurgeObserver(s.metrics.RecordPurged))
	}
	s.purger, err = inbox.NewPurger(s.store, s.Conf.Inbox.PurgeSchedule, s.Logger, purgeOpts...)
	return err
}

func (s *Service) outboxStrategy() (outbox.Strategy, error) {
	cfg := s.Conf.Outbox
	switch strings.ToLower(cfg.Strategy) {
	case "", configpkg.StrategySingle:
		return outbox.SingleNode{}, nil
	case configpkg.StrategyExclusive:
		leases, ok := s.store.(storage.LeaseStore)
		if !ok {
			return nil, fmt.Errorf("outbox strategy %s: store %T does not support leases", cfg.Strategy, s.store)
		}
		owner := cfg.NodeID
		if owner == "" {
			owner = idspkg.CreateULID()
		}
		return outbox.NewExclusiveNode(leases, outbox.ExclusiveConfig{
			LeaseName: cfg.LeaseName,
			Owner:     owner,
			TTL:       cfg.LeaseTTL,
		}, func(leader bool) {
			s.Logger.Info("Outbox leadership changed", loggingpkg.LogFields{"owner": owner, "leader": leader})
		})
	case configpkg.StrategySharded:
		return outbox.NewShardedMember(cfg.ShardIndex, cfg.ShardMembers, cfg.BucketCount)
	default:
		return nil, fmt.Errorf("unknown outbox strategy %q", cfg.Strategy)
	}
}

// Store returns the durable store, or nil when the service runs without one.
func (s *Service) Store() storage.Store { return s.store }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// OutboxWorker returns the worker, or nil when the service has no store.
func (s *Service) OutboxWorker() *outbox.Worker { return s.worker }

// Transact runs fn in a store transaction. Publishes made through ctx inside
// fn are persisted in the same commit.
func (s *Service) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.store == nil {
		return errspkg.ErrStoreRequired
	}
	return s.store.Transact(ctx, func(ctx context.Context, _ storage.Tx) error {
		return fn(ctx)
	})
}

// Activate starts consuming typeName. Close the token to stop.
func (s *Service) Activate(ctx context.Context, typeName string) (*consumer.Token, error) {
	state, ok := s.registry.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownType, typeName)
	}
	return s.subscriptions.Activate(ctx, state)
}

// Start activates every consumed type, runs the outbox worker, the inbox
// purger and the HTTP servers, and blocks until ctx is cancelled. Everything
// is shut down before it returns.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceStarted
	}

	s.StartWebUIServer()
	s.startMetricsServer()
	servers := s.startHTTPServers()

	for _, state := range s.registry.All() {
		token, err := s.subscriptions.Activate(ctx, state)
		if err != nil {
			return errors.Join(fmt.Errorf("activate %s: %w", state.Name(), err), s.shutdown(servers, nil))
		}
		s.tokensMu.Lock()
		s.tokens = append(s.tokens, token)
		s.tokensMu.Unlock()
	}

	var workerDone chan struct{}
	if s.worker != nil {
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := s.worker.Run(ctx); err != nil {
				s.Logger.Error("Outbox worker stopped", err, nil)
			}
		}()
	}
	if s.purger != nil {
		s.purger.Start(ctx)
	}

	s.Logger.Info("Courier service started", loggingpkg.LogFields{"types": len(s.order)})
	<-ctx.Done()
	s.Logger.Info("Courier service stopping", nil)

	return s.shutdown(servers, workerDone)
}

func (s *Service) shutdown(servers []*http.Server, workerDone chan struct{}) error {
	var errs []error

	if s.purger != nil {
		s.purger.Stop()
	}
	if workerDone != nil {
		<-workerDone
	}

	s.tokensMu.Lock()
	tokens := s.tokens
	s.tokens = nil
	s.tokensMu.Unlock()
	for _, token := range tokens {
		if err := token.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", token.TypeName(), err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server %s: %w", srv.Addr, err))
		}
	}

	errs = append(errs, s.Close())
	return errors.Join(errs...)
}

// Close stops every consumer and closes the transport and the store the
// service opened. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.subscriptions != nil {
			errs = append(errs, s.subscriptions.Close())
		}
		for _, state := range s.registry.All() {
			state.Channel().Close()
		}
		errs = append(errs, s.closeResources())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) closeResources() error {
	var errs []error
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot reports the state of every registered type and live consumer.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Transport:     s.capabilities,
		OutboxPending: -1,
		Resource:      s.getResourceTracker().Snapshot(),
		CollectedAt:   time.Now().UTC(),
	}

	s.typesMu.RLock()
	for _, name := range s.order {
		rt := s.types[name]
		ts := TypeSnapshot{
			Name:      rt.name,
			Topic:     rt.topic,
			Exclusive: rt.exclusive,
			Outbox:    rt.outbox,
			Inbox:     rt.inbox,
		}
		if rt.state != nil {
			ch := rt.state.Channel()
			ts.Consumer = true
			ts.Active = rt.state.Active()
			ts.ChannelDepth = ch.Count()
			ts.ChannelCapacity = ch.Capacity()
			ts.ChannelDropped = ch.Dropped()
			if b := rt.state.Breaker(); b != nil {
				ts.breaker = b
				ts.BreakerState = b.State().String()
			}
		}
		if rt.stats != nil {
			ts.Stats = rt.stats.Clone()
		}
		snap.Types = append(snap.Types, ts)
	}
	s.typesMu.RUnlock()

	if s.subscriptions != nil {
		for _, sc := range s.subscriptions.Snapshot() {
			cs := ConsumerSnapshot{
				Name:      sc.Name,
				Dedicated: sc.Dedicated,
				State:     sc.State.String(),
				Topics:    sc.Topics,
				state:     sc.State,
			}
			if sc.Err != nil {
				cs.Error = sc.Err.Error()
			}
			snap.Consumers = append(snap.Consumers, cs)
		}
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotPendingTimeout)
		defer cancel()
		pending, err := s.store.PendingOutbound(ctx)
		if err != nil {
			s.Logger.Debug("Counting pending outbound rows failed", loggingpkg.LogFields{"error": err.Error()})
		} else {
			snap.OutboxPending = pending
		}
	}
	return snap
}

func (s *Service) onLoopStateChange(loop string, from, to consumer.LoopState) {
	if from == to {
		s.Logger.Debug("Poll loop started", loggingpkg.LogFields{"consumer": loop, "state": to.String()})
	} else {
		s.Logger.Info("Poll loop state changed", loggingpkg.LogFields{
			"consumer": loop,
			"from":     from.String(),
			"to":       to.String(),
		})
	}
	if s.metrics != nil {
		s.metrics.RecordLoopState(loop, to.String())
	}
}

func (s *Service) onUnroutable(loop string, rec *transport.Record, reason string) {
	typeName := rec.Headers.GetString(metadata.KeyMessageType)
	if typeName == "" {
		typeName = "unknown"
	}
	s.Logger.Info("Dropped unroutable record", loggingpkg.LogFields{
		"consumer":     loop,
		"topic":        rec.Topic,
		"message_type": typeName,
		"reason":       reason,
	})
	if s.metrics != nil {
		s.metrics.RecordDropped(typeName, reason)
	}
}

func (s *Service) onBreakerChange(name, from, to string) {
	s.Logger.Info("Circuit breaker state changed", loggingpkg.LogFields{
		"breaker": name,
		"from":    from,
		"to":      to,
	})
	if s.metrics != nil {
		s.metrics.RecordBreakerState(name, to)
	}
}

func (s *Service) onTypeBreakerChange(name string, from, to breaker.State) {
	s.onBreakerChange(name, from.String(), to.String())
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startMetricsServer() {
	if s.metrics == nil || !s.Conf.MetricsEnabled {
		return
	}
	port := s.Conf.MetricsPort
	if port == 0 {
		port = defaultMetricsPort
	}
	s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.metricsGatherer, promhttp.HandlerOpts{}))
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}
