package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/storage"
	"github.com/drblury/courier/store/memory"
	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func fakeTransport() *transport.Transport {
	c := transporttest.NewConsumer()
	return &transport.Transport{
		Producer: &transporttest.Producer{},
		NewConsumer: func(context.Context, string) (transport.Consumer, error) {
			return c, nil
		},
	}
}

func orderRecord(t *testing.T, topic, typeName string, msg order) *transport.Record {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	rec := transporttest.NewRecord(topic, typeName, data)
	rec.Key = []byte(msg.Customer)
	return rec
}

func TestTryNewServiceValidatesInput(t *testing.T) {
	ctx := context.Background()

	t.Run("config required", func(t *testing.T) {
		_, err := TryNewService(nil, newTestLogger(), ctx, ServiceDependencies{})
		require.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("logger required", func(t *testing.T) {
		_, err := TryNewService(&configpkg.Config{}, nil, ctx, ServiceDependencies{})
		require.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := TryNewService(&configpkg.Config{StoreDriver: configpkg.StorePostgres}, newTestLogger(), ctx, ServiceDependencies{})
		var cfgErr errspkg.ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "postgres URL is required")
	})

	t.Run("supplied store skips store validation", func(t *testing.T) {
		svc, err := TryNewService(&configpkg.Config{StoreDriver: configpkg.StorePostgres}, newTestLogger(), ctx, ServiceDependencies{
			Transport: fakeTransport(),
			Store:     memory.New(memory.Config{}),
		})
		require.NoError(t, err)
		require.NoError(t, svc.Close())
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := TryNewService(&configpkg.Config{PubSubSystem: "carrier-pigeon"}, newTestLogger(), ctx, ServiceDependencies{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "carrier-pigeon")
	})

	t.Run("transport without consumer factory", func(t *testing.T) {
		_, err := TryNewService(&configpkg.Config{}, newTestLogger(), ctx, ServiceDependencies{
			Transport: &transport.Transport{Producer: &transporttest.Producer{}},
		})
		require.ErrorIs(t, err, errspkg.ErrConsumerRequired)
	})

	t.Run("NewService panics", func(t *testing.T) {
		assert.Panics(t, func() {
			NewService(nil, newTestLogger(), ctx, ServiceDependencies{})
		})
	})
}

func TestTryNewServiceDefaultsToChannelTransport(t *testing.T) {
	svc, err := TryNewService(&configpkg.Config{}, newTestLogger(), context.Background(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, "channel", svc.Conf.PubSubSystem)
	assert.Nil(t, svc.Store())
	assert.Nil(t, svc.OutboxWorker())
	assert.Nil(t, svc.Metrics(), "metrics are off unless enabled or a registerer is supplied")
	assert.Equal(t, int64(-1), svc.Snapshot().OutboxPending)
}

func TestTryNewServiceOpensConfiguredStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		svc, err := TryNewService(&configpkg.Config{StoreDriver: "memory"}, newTestLogger(), ctx, ServiceDependencies{Transport: fakeTransport()})
		require.NoError(t, err)
		defer svc.Close()

		assert.IsType(t, &memory.Store{}, svc.Store())
		require.NotNil(t, svc.OutboxWorker())
		assert.Equal(t, "single", svc.OutboxWorker().Strategy().Name())
	})

	t.Run("sqlite", func(t *testing.T) {
		conf := &configpkg.Config{StoreDriver: "sqlite", SQLiteFile: filepath.Join(t.TempDir(), "courier.db")}
		svc, err := TryNewService(conf, newTestLogger(), ctx, ServiceDependencies{Transport: fakeTransport()})
		require.NoError(t, err)
		require.NotNil(t, svc.Store())
		assert.Equal(t, int64(0), svc.Snapshot().OutboxPending)
		require.NoError(t, svc.Close())
	})

	t.Run("store failure closes the transport", func(t *testing.T) {
		original := openStore
		t.Cleanup(func() { openStore = original })
		boom := errors.New("boom")
		openStore = func(context.Context, *configpkg.Config, loggingpkg.ServiceLogger) (storage.Store, error) {
			return nil, boom
		}

		tr := fakeTransport()
		_, err := TryNewService(&configpkg.Config{StoreDriver: "memory"}, newTestLogger(), ctx, ServiceDependencies{Transport: tr})
		require.ErrorIs(t, err, boom)
		assert.True(t, tr.Producer.(*transporttest.Producer).Closed())
	})
}

func TestOutboxStrategies(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		outbox   configpkg.OutboxConfig
		store    storage.Store
		wantName string
		wantErr  string
	}{
		{name: "single by default", outbox: configpkg.OutboxConfig{}, wantName: "single"},
		{name: "exclusive over leases", outbox: configpkg.OutboxConfig{Strategy: "Exclusive", NodeID: "node-a"}, wantName: "exclusive"},
		{name: "sharded", outbox: configpkg.OutboxConfig{Strategy: "sharded", ShardIndex: 1, ShardMembers: 2, BucketCount: 8}, wantName: "sharded"},
		{
			name:    "exclusive needs a lease store",
			outbox:  configpkg.OutboxConfig{Strategy: "exclusive"},
			store:   struct{ storage.Store }{memory.New(memory.Config{})},
			wantErr: "does not support leases",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			if store == nil {
				store = memory.New(memory.Config{})
			}
			svc, err := TryNewService(&configpkg.Config{Outbox: tt.outbox}, newTestLogger(), ctx, ServiceDependencies{
				Transport: fakeTransport(),
				Store:     store,
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer svc.Close()
			assert.Equal(t, tt.wantName, svc.OutboxWorker().Strategy().Name())
		})
	}
}

func TestExclusiveStrategyDefaultsOwner(t *testing.T) {
	svc, err := TryNewService(&configpkg.Config{Outbox: configpkg.OutboxConfig{Strategy: "exclusive"}}, newTestLogger(), context.Background(), ServiceDependencies{
		Transport: fakeTransport(),
		Store:     memory.New(memory.Config{}),
	})
	require.NoError(t, err)
	defer svc.Close()

	node, ok := svc.OutboxWorker().Strategy().(*outbox.ExclusiveNode)
	require.True(t, ok)
	assert.Len(t, node.Owner(), 26, "owner falls back to a ULID")
}

func TestTransactRequiresStore(t *testing.T) {
	f := newFixture(t, withoutStore())
	err := f.svc.Transact(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestActivateUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Activate(context.Background(), "missing")
	require.ErrorIs(t, err, errspkg.ErrUnknownType)
}

func TestStartConsumesAndDeduplicates(t *testing.T) {
	var (
		mu   sync.Mutex
		done []JobContext
	)
	f := newFixture(t, withHooks(JobHooks{
		OnJobDone: func(ctx JobContext) {
			mu.Lock()
			defer mu.Unlock()
			done = append(done, ctx)
		},
	}))
	handler := &recordingHandler{}
	_, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Topic: "orders", Handler: handler.handle})
	require.NoError(t, err)

	runService(t, f.svc)
	waitActive(t, f.svc, "order.created")

	msg := order{ID: "o-1", Customer: "c-1"}
	f.consumer.Push(orderRecord(t, "orders", "order.created", msg))
	require.Eventually(t, func() bool { return len(f.consumer.Snapshot().Commits) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.consumer.Push(orderRecord(t, "orders", "order.created", msg))
	require.Eventually(t, func() bool { return len(f.consumer.Snapshot().Commits) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []order{msg}, handler.messages(), "the redelivery is recognised by the inbox")
	assert.Len(t, f.store.Inbound(), 1)

	snap := f.svc.Snapshot()
	require.Len(t, snap.Types, 1)
	stats := snap.Types[0].Stats
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.MessagesDuplicate)
	assert.Zero(t, stats.MessagesFailed)

	value, ok := gatherValue(t, f.registry, "courier_messages_total", map[string]string{
		"type": "order.created", "direction": "consume", "outcome": OutcomeDuplicate,
	})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, done, 2)
	assert.False(t, done[0].Duplicate)
	assert.True(t, done[1].Duplicate)
	assert.Equal(t, "c-1", done[0].Key)
}

func TestStartDropsUnprocessableRecords(t *testing.T) {
	f := newFixture(t)
	handler := &recordingHandler{}
	_, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Handler: handler.handle})
	require.NoError(t, err)

	runService(t, f.svc)
	waitActive(t, f.svc, "order.created")

	f.consumer.Push(transporttest.NewRecord("order.created", "order.created", []byte("{not json")))
	require.Eventually(t, func() bool { return len(f.consumer.Snapshot().Commits) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, handler.messages())
	assert.Empty(t, f.consumer.Snapshot().Seeks)
	stats := f.svc.Snapshot().Types[0].Stats
	assert.Equal(t, uint64(1), stats.Errors.Validation)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
}

func TestStartDropsUnknownTypes(t *testing.T) {
	f := newFixture(t)
	handler := &recordingHandler{}
	_, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Topic: "orders", Handler: handler.handle})
	require.NoError(t, err)

	runService(t, f.svc)
	waitActive(t, f.svc, "order.created")

	f.consumer.Push(transporttest.NewRecord("orders", "order.cancelled", []byte(`{}`)))
	require.Eventually(t, func() bool { return len(f.consumer.Snapshot().Commits) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, handler.messages())

	require.Eventually(t, func() bool {
		_, ok := gatherValue(t, f.registry, "courier_dropped_total", map[string]string{"type": "order.cancelled"})
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	runService(t, f.svc)
	require.Eventually(t, func() bool { return f.svc.started.Load() }, time.Second, time.Millisecond)

	err := f.svc.Start(context.Background())
	require.ErrorIs(t, err, errspkg.ErrServiceStarted)

	_, err = Register(f.svc, TypeRegistration[order]{Name: "late"})
	require.ErrorIs(t, err, errspkg.ErrServiceStarted)
}

func TestStartReturnsWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	handler := &recordingHandler{}
	_, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Handler: handler.handle})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()
	waitActive(t, f.svc, "order.created")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}

	assert.True(t, f.producer.Closed())
	assert.True(t, f.consumer.Snapshot().Closed)
	assert.Empty(t, f.svc.Snapshot().Consumers)
	require.NoError(t, f.svc.Close(), "Close is idempotent")
}

func TestStartRunsOutboxWorker(t *testing.T) {
	f := newFixture(t, withConfig(func(c *configpkg.Config) {
		c.Outbox.Interval = 5 * time.Millisecond
	}))
	handle, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Topic: "orders"})
	require.NoError(t, err)
	runService(t, f.svc)

	require.NoError(t, handle.Publish(context.Background(), order{ID: "o-1"}))
	require.Eventually(t, func() bool { return len(f.producer.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.svc.Snapshot().OutboxPending == 0 }, time.Second, 5*time.Millisecond)
}

func TestEndToEndOverChannelTransport(t *testing.T) {
	conf := testConfig()
	conf.StoreDriver = configpkg.StoreMemory
	conf.Outbox.Immediate = true
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), ServiceDependencies{})
	require.NoError(t, err)

	handler := &recordingHandler{}
	_, err = Register(svc, TypeRegistration[order]{
		Name:    "order.created",
		Topic:   "orders",
		Handler: handler.handle,
		KeyFunc: func(o order) string { return o.Customer },
	})
	require.NoError(t, err)

	runService(t, svc)
	waitActive(t, svc, "order.created")

	msg := order{ID: "o-1", Customer: "c-9"}
	require.NoError(t, Publish(context.Background(), svc, msg))

	require.Eventually(t, func() bool { return len(handler.messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, msg, handler.messages()[0])
	require.Eventually(t, func() bool { return svc.Snapshot().OutboxPending == 0 }, time.Second, 5*time.Millisecond)
}

func TestSnapshotReportsConsumersAndBreakers(t *testing.T) {
	f := newFixture(t, withConfig(func(c *configpkg.Config) {
		c.Types = map[string]configpkg.TypeSettings{
			"payment.settled": {
				Exclusive: configpkg.Bool(true),
				Breaker:   &configpkg.BreakerSettings{WindowSize: 10, TripThreshold: 5},
			},
		}
	}))
	handler := &recordingHandler{}
	_, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Handler: handler.handle})
	require.NoError(t, err)
	_, err = Register(f.svc, TypeRegistration[order]{Name: "payment.settled", Handler: handler.handle})
	require.NoError(t, err)

	runService(t, f.svc)
	waitActive(t, f.svc, "order.created")
	waitActive(t, f.svc, "payment.settled")

	snap := f.svc.Snapshot()
	require.Len(t, snap.Types, 2)
	assert.False(t, snap.Types[0].Exclusive)
	assert.Empty(t, snap.Types[0].BreakerState)
	assert.True(t, snap.Types[1].Exclusive)
	assert.Equal(t, "closed", snap.Types[1].BreakerState)
	assert.Positive(t, snap.Types[1].ChannelCapacity)

	require.Len(t, snap.Consumers, 2)
	byName := map[string]ConsumerSnapshot{}
	for _, c := range snap.Consumers {
		byName[c.Name] = c
	}
	shared := byName[transport.SharedConsumerName]
	assert.False(t, shared.Dedicated)
	assert.Equal(t, consumer.Running.String(), shared.State)
	dedicated, ok := byName["payment.settled"]
	require.True(t, ok, "exclusive types get their own consumer: %+v", snap.Consumers)
	assert.True(t, dedicated.Dedicated)

	assert.Eventually(t, func() bool {
		_, ok := gatherValue(t, f.registry, "courier_poll_loop_transitions_total", map[string]string{"consumer": transport.SharedConsumerName, "state": consumer.Running.String()})
		return ok
	}, 2*time.Second, 5*time.Millisecond, "a started loop reports its initial state")
	assert.NotZero(t, snap.Resource.Goroutines)
}

func TestOnUnroutableFallsBackToUnknownType(t *testing.T) {
	f := newFixture(t)
	f.svc.onUnroutable("shared", &transport.Record{Topic: "orders", Headers: metadata.Headers{}}, "unknown_type")

	value, ok := gatherValue(t, f.registry, "courier_dropped_total", map[string]string{"type": "unknown", "reason": "unknown_type"})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
}
