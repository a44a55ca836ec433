package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

type countingMetrics struct {
	published, consumed, pubErrs, consErrs atomic.Int64
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.published.Add(1) }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)  { m.consumed.Add(1) }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.pubErrs.Add(1) }
func (m *countingMetrics) IncConsumeError(context.Context, string)     { m.consErrs.Add(1) }

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func testConfig(url, client string) Config {
	return Config{
		URL:           url,
		Stream:        "TRANSFERS",
		SubjectPrefix: "transfer",
		Durable:       "transferd",
		ClientID:      client,
		AckWait:       2 * time.Second,
		NakDelay:      10 * time.Millisecond,
	}
}

func newBus(t *testing.T, ns *server.Server, cfg Config) (*EventBus, *countingMetrics) {
	t.Helper()
	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	metrics := new(countingMetrics)
	bus, err := NewEventBus(context.Background(), cfg, conn, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, metrics
}

func taskEnvelope(kind events.EventType) events.EventEnvelope {
	evt := transfer.TaskEvent{
		Kind:     kind,
		Occurred: time.Now().UTC(),
		Task: transfer.TaskSnapshot{
			ID:       uuid.New(),
			TenantID: "tenant-1",
			Owner:    "alice",
			Source:   "file:///src",
			Dest:     "file:///dst",
			Status:   transfer.TaskStatusCreated,
		},
	}
	return events.EventEnvelope{Type: kind, Payload: evt}
}

type collector struct {
	mu   sync.Mutex
	got  []events.EventEnvelope
	seen chan struct{}
}

func newCollector() *collector { return &collector{seen: make(chan struct{}, 64)} }

func (c *collector) handle(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	c.mu.Lock()
	c.got = append(c.got, evt)
	c.mu.Unlock()
	ack(nil)
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []events.EventEnvelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.EventEnvelope(nil), c.got...)
}

func TestPublishSubscribe(t *testing.T) {
	ns := runServer(t)
	bus, metrics := newBus(t, ns, testConfig(ns.ClientURL(), "worker-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{transfer.EventTypeTaskCreated}, c.handle))

	env := taskEnvelope(transfer.EventTypeTaskCreated)
	require.NoError(t, bus.Publish(ctx, taskEnvelope(transfer.EventTypeTaskAssigned)))
	require.NoError(t, bus.Publish(ctx, env,
		events.WithKey("root-1"),
		events.WithHeaders(map[string]string{"Tenant": "tenant-1"}),
	))

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, transfer.EventTypeTaskCreated, got[0].Type)
	assert.Equal(t, "root-1", got[0].Key)
	assert.Equal(t, "tenant-1", got[0].Headers["Tenant"])
	assert.Equal(t, "transfer.task.created", got[0].Metadata.Subject)
	assert.Positive(t, got[0].Metadata.Offset)

	payload, ok := got[0].Payload.(transfer.TaskEvent)
	require.True(t, ok)
	assert.Equal(t, env.Payload.(transfer.TaskEvent).Task.ID, payload.Task.ID)

	assert.Equal(t, int64(2), metrics.published.Load())
	assert.Eventually(t, func() bool { return metrics.consumed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDurableConsumersShareWork(t *testing.T) {
	ns := runServer(t)
	a, _ := newBus(t, ns, testConfig(ns.ClientURL(), "worker-a"))
	b, _ := newBus(t, ns, testConfig(ns.ClientURL(), "worker-b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	require.NoError(t, a.Subscribe(ctx, []events.EventType{transfer.EventTypeTaskCompleted}, c.handle))
	require.NoError(t, b.Subscribe(ctx, []events.EventType{transfer.EventTypeTaskCompleted}, c.handle))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(ctx, taskEnvelope(transfer.EventTypeTaskCompleted)))
	}

	got := c.wait(t, 5)
	assert.Len(t, got, 5)
	select {
	case <-c.seen:
		t.Fatal("event delivered to both workers")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastReachesEveryWorker(t *testing.T) {
	ns := runServer(t)
	a, _ := newBus(t, ns, testConfig(ns.ClientURL(), "worker-a").ForBroadcast())
	b, _ := newBus(t, ns, testConfig(ns.ClientURL(), "worker-b").ForBroadcast())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ca, cb := newCollector(), newCollector()
	types := transfer.BroadcastEventTypes()
	require.NoError(t, a.Subscribe(ctx, types, ca.handle))
	require.NoError(t, b.Subscribe(ctx, types, cb.handle))

	require.NoError(t, a.Publish(ctx, taskEnvelope(transfer.EventTypeTaskCancelSync)))

	assert.Len(t, ca.wait(t, 1), 1)
	assert.Len(t, cb.wait(t, 1), 1)
}

func TestNackIsRedelivered(t *testing.T) {
	ns := runServer(t)
	bus, metrics := newBus(t, ns, testConfig(ns.ClientURL(), "worker-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{transfer.EventTypeTaskError},
		func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
			if calls.Add(1) == 1 {
				ack(errors.New("store unavailable"))
				return nil
			}
			ack(nil)
			close(done)
			return nil
		}))

	require.NoError(t, bus.Publish(ctx, taskEnvelope(transfer.EventTypeTaskError)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nacked event was not redelivered")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), metrics.consErrs.Load())
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no stream", func(c *Config) { c.Stream = "" }},
		{"no prefix", func(c *Config) { c.SubjectPrefix = "" }},
		{"no durable", func(c *Config) { c.Durable = "" }},
		{"broadcast without client", func(c *Config) { c.Broadcast = true; c.ClientID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("nats://127.0.0.1:4222", "worker-1")
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestConsumerNames(t *testing.T) {
	bus := &EventBus{cfg: testConfig("", "pod.a/1")}
	assert.Equal(t, "transferd-1", bus.consumerName(1))

	bus.cfg.Broadcast = true
	assert.Equal(t, "transferd-pod_a_1-broadcast-2", bus.consumerName(2))
}
