package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

type fakeMetrics struct {
	mu        sync.Mutex
	published map[string]int
	consumed  map[string]int
	pubErrs   map[string]int
	consErrs  map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		published: map[string]int{},
		consumed:  map[string]int{},
		pubErrs:   map[string]int{},
		consErrs:  map[string]int{},
	}
}

func (m *fakeMetrics) inc(c map[string]int, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c[topic]++
}

func (m *fakeMetrics) IncMessagePublished(_ context.Context, topic string) { m.inc(m.published, topic) }
func (m *fakeMetrics) IncMessageConsumed(_ context.Context, topic string)  { m.inc(m.consumed, topic) }
func (m *fakeMetrics) IncPublishError(_ context.Context, topic string)     { m.inc(m.pubErrs, topic) }
func (m *fakeMetrics) IncConsumeError(_ context.Context, topic string)     { m.inc(m.consErrs, topic) }

func testConfig() Config {
	return Config{
		Brokers:            []string{"localhost:9092"},
		TasksTopic:         "transfer.tasks",
		TransfersTopic:     "transfer.transfers",
		BroadcastTopic:     "transfer.broadcast",
		NotificationsTopic: "transfer.notifications",
		GroupID:            "transferd",
		ClientID:           "worker-1",
		RedeliveryDelay:    time.Millisecond,
	}
}

func newTestBus(t *testing.T, producer sarama.SyncProducer, metrics EventBusMetrics) *EventBus {
	t.Helper()
	return newEventBus(testConfig(), producer, nil, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
}

func taskEvent(kind events.EventType) transfer.TaskEvent {
	return transfer.TaskEvent{
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
}

func TestPublishRoutesToTopic(t *testing.T) {
	tests := []struct {
		name      string
		eventType events.EventType
		payload   events.DomainEvent
		wantTopic string
	}{
		{"task lifecycle", transfer.EventTypeTaskCreated, taskEvent(transfer.EventTypeTaskCreated), "transfer.tasks"},
		{"ack", transfer.EventTypeTaskCancelAck, taskEvent(transfer.EventTypeTaskCancelAck), "transfer.tasks"},
		{"copy request", transfer.EventTypeTransferAll, taskEvent(transfer.EventTypeTransferAll), "transfer.transfers"},
		{"cancel sync", transfer.EventTypeTaskCancelSync, taskEvent(transfer.EventTypeTaskCancelSync), "transfer.broadcast"},
		{"pause completed", transfer.EventTypeTaskPauseCompleted, taskEvent(transfer.EventTypeTaskPauseCompleted), "transfer.broadcast"},
		{
			"notification",
			transfer.EventTypeTaskNotification,
			transfer.NewNotificationEvent(transfer.EventTypeTaskFinished, taskEvent(transfer.EventTypeTaskFinished).Task, "done"),
			"transfer.notifications",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := mocks.NewSyncProducer(t, nil)
			producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				if msg.Topic != tt.wantTopic {
					return fmt.Errorf("topic %q, want %q", msg.Topic, tt.wantTopic)
				}
				key, err := msg.Key.Encode()
				if err != nil {
					return err
				}
				if string(key) != "root-key" {
					return fmt.Errorf("key %q, want root-key", key)
				}
				value, err := msg.Value.Encode()
				if err != nil {
					return err
				}
				evtType, _, err := serialization.DecodeEnvelope(value)
				if err != nil {
					return err
				}
				if evtType != tt.eventType {
					return fmt.Errorf("event type %q, want %q", evtType, tt.eventType)
				}
				return nil
			})

			metrics := newFakeMetrics()
			bus := newTestBus(t, producer, metrics)

			err := bus.Publish(context.Background(), events.EventEnvelope{
				Type:    tt.eventType,
				Payload: tt.payload,
			}, events.WithKey("root-key"))
			require.NoError(t, err)
			assert.Equal(t, 1, metrics.published[tt.wantTopic])
			require.NoError(t, producer.Close())
		})
	}
}

func TestPublishErrors(t *testing.T) {
	t.Run("unknown event type", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, nil)
		bus := newTestBus(t, producer, newFakeMetrics())

		err := bus.Publish(context.Background(), events.EventEnvelope{Type: "scan.started"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no topic mapped")
		require.NoError(t, producer.Close())
	})

	t.Run("payload mismatch", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, nil)
		metrics := newFakeMetrics()
		bus := newTestBus(t, producer, metrics)

		err := bus.Publish(context.Background(), events.EventEnvelope{
			Type:    transfer.EventTypeTaskCreated,
			Payload: "not an event",
		})
		require.Error(t, err)
		assert.Equal(t, 1, metrics.pubErrs["transfer.tasks"])
		require.NoError(t, producer.Close())
	})

	t.Run("broker failure", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, nil)
		producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
		metrics := newFakeMetrics()
		bus := newTestBus(t, producer, metrics)

		err := bus.Publish(context.Background(), events.EventEnvelope{
			Type:    transfer.EventTypeTaskCreated,
			Payload: taskEvent(transfer.EventTypeTaskCreated),
		})
		require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
		assert.Equal(t, 1, metrics.pubErrs["transfer.tasks"])
		require.NoError(t, producer.Close())
	})
}

func TestTopicsFor(t *testing.T) {
	bus := newTestBus(t, nil, newFakeMetrics())

	topics, err := bus.topicsFor([]events.EventType{
		transfer.EventTypeTaskCreated,
		transfer.EventTypeTaskAssigned,
		transfer.EventTypeTransferAll,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer.tasks", "transfer.transfers"}, topics)

	_, err = bus.topicsFor([]events.EventType{"unknown"})
	require.Error(t, err)

	_, err = bus.topicsFor(nil)
	require.Error(t, err)
}

func TestConfigForBroadcast(t *testing.T) {
	cfg := testConfig()
	b := cfg.ForBroadcast()
	assert.Equal(t, "transferd-worker-1", b.GroupID)
	assert.Equal(t, "transferd", cfg.GroupID)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.BroadcastTopic = "" }, true},
		{"no group", func(c *Config) { c.GroupID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct{ msgs chan *sarama.ConsumerMessage }

func (c *fakeClaim) Topic() string                            { return "transfer.tasks" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{msgs: ch}
}

func encoded(t *testing.T, offset int64, evt transfer.TaskEvent) *sarama.ConsumerMessage {
	t.Helper()
	value, err := serialization.SerializeEventEnvelope(evt.Kind, evt)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:     "transfer.tasks",
		Offset:    offset,
		Key:       []byte(evt.RoutingKey()),
		Value:     value,
		Timestamp: evt.Occurred,
		Headers:   []*sarama.RecordHeader{{Key: []byte("tenant"), Value: []byte("tenant-1")}},
	}
}

func TestConsumeClaim(t *testing.T) {
	created := taskEvent(transfer.EventTypeTaskCreated)
	assigned := taskEvent(transfer.EventTypeTaskAssigned)

	tests := []struct {
		name       string
		msgs       func(t *testing.T) []*sarama.ConsumerMessage
		handler    func(calls int, ack events.AckFunc) error
		wantCalls  int
		wantMarked []int64
		wantErrs   int
	}{
		{
			name:       "acked message is marked",
			msgs:       func(t *testing.T) []*sarama.ConsumerMessage { return []*sarama.ConsumerMessage{encoded(t, 7, created)} },
			handler:    func(_ int, ack events.AckFunc) error { ack(nil); return nil },
			wantCalls:  1,
			wantMarked: []int64{7},
		},
		{
			name: "nack is redelivered until acked",
			msgs: func(t *testing.T) []*sarama.ConsumerMessage { return []*sarama.ConsumerMessage{encoded(t, 3, created)} },
			handler: func(calls int, ack events.AckFunc) error {
				if calls < 2 {
					ack(errors.New("store unavailable"))
					return nil
				}
				ack(nil)
				return nil
			},
			wantCalls:  2,
			wantMarked: []int64{3},
			wantErrs:   1,
		},
		{
			name:       "failing handler is skipped after max deliveries",
			msgs:       func(t *testing.T) []*sarama.ConsumerMessage { return []*sarama.ConsumerMessage{encoded(t, 4, created)} },
			handler:    func(int, events.AckFunc) error { return errors.New("boom") },
			wantCalls:  3,
			wantMarked: []int64{4},
			wantErrs:   3,
		},
		{
			name: "undecodable message is dropped",
			msgs: func(*testing.T) []*sarama.ConsumerMessage {
				return []*sarama.ConsumerMessage{{Topic: "transfer.tasks", Offset: 9, Value: []byte("{not json")}}
			},
			handler:    func(int, events.AckFunc) error { return nil },
			wantCalls:  0,
			wantMarked: []int64{9},
			wantErrs:   1,
		},
		{
			name: "unsubscribed event type is skipped",
			msgs: func(t *testing.T) []*sarama.ConsumerMessage {
				return []*sarama.ConsumerMessage{encoded(t, 1, assigned), encoded(t, 2, created)}
			},
			handler:    func(_ int, ack events.AckFunc) error { ack(nil); return nil },
			wantCalls:  1,
			wantMarked: []int64{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := newFakeMetrics()
			bus := newTestBus(t, nil, metrics)

			var calls int
			var got []events.EventEnvelope
			h := &domainEventHandler{
				bus: bus,
				userHandler: func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
					calls++
					got = append(got, evt)
					return tt.handler(calls, ack)
				},
				wanted:  map[events.EventType]struct{}{transfer.EventTypeTaskCreated: {}},
				logger:  bus.logger,
				tracer:  bus.tracer,
				metrics: metrics,
			}

			sess := &fakeSession{ctx: context.Background()}
			require.NoError(t, h.ConsumeClaim(sess, claimOf(tt.msgs(t)...)))

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantMarked, sess.marked)
			assert.Equal(t, tt.wantErrs, metrics.consErrs["transfer.tasks"])
			assert.GreaterOrEqual(t, sess.commits, 1)

			for _, evt := range got {
				assert.Equal(t, transfer.EventTypeTaskCreated, evt.Type)
				assert.Equal(t, created.RoutingKey(), evt.Key)
				assert.Equal(t, "tenant-1", evt.Headers["tenant"])
				assert.Equal(t, "transfer.tasks", evt.Metadata.Subject)
				payload, ok := evt.Payload.(transfer.TaskEvent)
				require.True(t, ok)
				assert.Equal(t, created.Task.ID, payload.Task.ID)
			}
		})
	}
}

func TestConsumeClaimStopsRedeliveryOnSessionEnd(t *testing.T) {
	bus := newTestBus(t, nil, newFakeMetrics())
	bus.redeliveryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	h := &domainEventHandler{
		bus: bus,
		userHandler: func(context.Context, events.EventEnvelope, events.AckFunc) error {
			cancel()
			return errors.New("interrupted")
		},
		wanted:  map[events.EventType]struct{}{transfer.EventTypeTaskCreated: {}},
		logger:  bus.logger,
		tracer:  bus.tracer,
		metrics: bus.metrics,
	}

	sess := &fakeSession{ctx: ctx}
	require.NoError(t, h.ConsumeClaim(sess, claimOf(encoded(t, 5, taskEvent(transfer.EventTypeTaskCreated)))))
	assert.Empty(t, sess.marked)
}
