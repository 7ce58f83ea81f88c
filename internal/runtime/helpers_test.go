package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/store/memory"
	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

type order struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// testConfig keeps retries and polls short so failures surface quickly.
func testConfig() *configpkg.Config {
	return &configpkg.Config{
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		Poll: configpkg.PollConfig{
			Timeout:             20 * time.Millisecond,
			ResumeCheckInterval: 5 * time.Millisecond,
		},
	}
}

// fixture is a service wired to in-memory fakes.
type fixture struct {
	svc      *Service
	producer *transporttest.Producer
	consumer *transporttest.Consumer
	store    *memory.Store
	registry *prometheus.Registry
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	conf    *configpkg.Config
	noStore bool
	deps    ServiceDependencies
	logger  loggingpkg.ServiceLogger
}

func withConfig(mutate func(*configpkg.Config)) fixtureOption {
	return func(s *fixtureSettings) { mutate(s.conf) }
}

func withoutStore() fixtureOption {
	return func(s *fixtureSettings) { s.noStore = true }
}

func withHooks(hooks JobHooks) fixtureOption {
	return func(s *fixtureSettings) { s.deps.Hooks = hooks }
}

func withLogger(logger loggingpkg.ServiceLogger) fixtureOption {
	return func(s *fixtureSettings) { s.logger = logger }
}

func withCapabilities(caps transport.Capabilities) fixtureOption {
	return func(s *fixtureSettings) { s.deps.Capabilities = &caps }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	settings := &fixtureSettings{conf: testConfig()}
	for _, opt := range opts {
		opt(settings)
	}

	f := &fixture{
		producer: &transporttest.Producer{},
		consumer: transporttest.NewConsumer(),
		registry: prometheus.NewRegistry(),
	}
	deps := settings.deps
	deps.Transport = &transport.Transport{
		Producer: f.producer,
		NewConsumer: func(context.Context, string) (transport.Consumer, error) {
			return f.consumer, nil
		},
	}
	deps.MetricsRegisterer = f.registry
	if !settings.noStore {
		f.store = memory.New(memory.Config{})
		deps.Store = f.store
	}

	logger := settings.logger
	if logger == nil {
		logger = newTestLogger()
	}
	svc, err := TryNewService(settings.conf, logger, context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	f.svc = svc
	return f
}

// runService starts svc in the background and stops it on cleanup.
func runService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
}

func waitActive(t *testing.T, svc *Service, typeName string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ts := range svc.Snapshot().Types {
			if ts.Name == typeName {
				return ts.Active
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

// recordingHandler records every message it handles.
type recordingHandler struct {
	mu   sync.Mutex
	seen []order
	err  error
}

func (h *recordingHandler) handle(_ context.Context, env *envelope.Envelope[order]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, env.Message)
	return h.err
}

func (h *recordingHandler) messages() []order {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]order(nil), h.seen...)
}

// recordingLogger captures log messages by level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
	fields  loggingpkg.LogFields
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &scopedLogger{parent: l, fields: fields}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := loggingpkg.LogFields{}
	for k, v := range fields {
		merged[k] = v
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

type scopedLogger struct {
	parent *recordingLogger
	fields loggingpkg.LogFields
}

func (s *scopedLogger) merge(fields loggingpkg.LogFields) loggingpkg.LogFields {
	merged := loggingpkg.LogFields{}
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func (s *scopedLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &scopedLogger{parent: s.parent, fields: s.merge(fields)}
}

func (s *scopedLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	s.parent.record("error", msg, err, s.merge(fields))
}

func (s *scopedLogger) Info(msg string, fields loggingpkg.LogFields) {
	s.parent.record("info", msg, nil, s.merge(fields))
}

func (s *scopedLogger) Debug(msg string, fields loggingpkg.LogFields) {
	s.parent.record("debug", msg, nil, s.merge(fields))
}

func (s *scopedLogger) Trace(msg string, fields loggingpkg.LogFields) {
	s.parent.record("trace", msg, nil, s.merge(fields))
}
