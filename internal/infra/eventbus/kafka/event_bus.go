// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/transfer-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// TasksTopic carries the task lifecycle: creation, assignment, errors,
	// completion, acks and healthchecks.
	TasksTopic string
	// TransfersTopic carries byte-copy requests for transfer workers.
	TransfersTopic string
	// BroadcastTopic carries cancel and pause sync/completed events that every
	// worker must observe.
	BroadcastTopic string
	// NotificationsTopic carries user-facing notifications for external delivery.
	NotificationsTopic string

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// MaxDeliveries bounds how often a message is handed to the handler
	// before it is marked and skipped. Defaults to 3.
	MaxDeliveries int
	// RedeliveryDelay is the pause between two deliveries of the same
	// message. Defaults to 500ms.
	RedeliveryDelay time.Duration
}

// ForBroadcast returns a copy of the config whose consumer group is unique to
// this client, so every worker receives every broadcast event.
func (c Config) ForBroadcast() Config {
	c.GroupID = c.GroupID + "-" + c.ClientID
	return c
}

func (c *Config) withDefaults() {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 500 * time.Millisecond
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if c.TasksTopic == "" || c.TransfersTopic == "" || c.BroadcastTopic == "" || c.NotificationsTopic == "" {
		return errors.New("tasks, transfers, broadcast and notifications topics are required")
	}
	if c.GroupID == "" {
		return errors.New("group id is required")
	}
	return nil
}

// topicMap maps every transfer event type to its Kafka topic.
func topicMap(cfg Config) map[events.EventType]string {
	m := make(map[events.EventType]string, len(transfer.TaskEventTypes())+1)
	for _, et := range transfer.TaskEventTypes() {
		m[et] = cfg.TasksTopic
	}
	m[transfer.EventTypeTransferAll] = cfg.TransfersTopic
	for _, et := range transfer.BroadcastEventTypes() {
		m[et] = cfg.BroadcastTopic
	}
	m[transfer.EventTypeTaskNotification] = cfg.NotificationsTopic
	return m
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to domain events across distributed workers.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	topicMap        map[events.EventType]string
	maxDeliveries   int
	redeliveryDelay time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBusFromConfig creates a new Kafka-based event bus from the provided configuration.
// It establishes connections to Kafka brokers and configures both producer and consumer components
// for reliable message delivery and consumption.
func NewEventBusFromConfig(
	cfg Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	// Offsets are committed manually once a message is acknowledged.
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = false
	consumerConfig.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return newEventBus(cfg, producer, consumerGroup, logger, metrics, tracer), nil
}

func newEventBus(
	cfg Config,
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *EventBus {
	cfg.withDefaults()
	return &EventBus{
		producer:        producer,
		consumerGroup:   consumerGroup,
		topicMap:        topicMap(cfg),
		maxDeliveries:   cfg.MaxDeliveries,
		redeliveryDelay: cfg.RedeliveryDelay,
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Publish sends a domain event to the Kafka topic mapped to its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyPublishOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}
	span.SetAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.key", event.Key),
	)

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, span, topic, event, msgBytes)
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) publishToTopic(
	ctx context.Context,
	span trace.Span,
	topic string,
	event events.EventEnvelope,
	msgBytes []byte,
) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	if !event.Timestamp.IsZero() {
		kafkaMsg.Timestamp = event.Timestamp
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)
	return nil
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	topics, err := b.topicsFor(eventTypes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown event type")
		return err
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}

	go b.consumeLoop(ctx, topics, &domainEventHandler{
		bus:         b,
		userHandler: handler,
		wanted:      wanted,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	})
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)
	return nil
}

// topicsFor collects the distinct topics for the requested event types.
func (b *EventBus) topicsFor(eventTypes []events.EventType) ([]string, error) {
	if len(eventTypes) == 0 {
		return nil, errors.New("subscribe: at least one event type is required")
	}
	var topics []string
	seen := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			return nil, fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics, nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, h *domainEventHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	bus         *EventBus
	userHandler events.HandlerFunc
	wanted      map[events.EventType]struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

const commitInterval = time.Second

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. A message is marked
// once its handler acknowledges it, or once it exhausts its deliveries.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		h.processMessage(sess, claim, msg, consumeLogger)

		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
			consumeLogger.Debug(sess.Context(), "Committed offsets",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if sess.Context().Err() != nil {
			break
		}
	}

	sess.Commit()
	return nil
}

func (h *domainEventHandler) processMessage(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payload, err := serialization.DecodeEnvelope(msg.Value)
	if err != nil {
		// Undecodable messages can never succeed.
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		consumeLogger.Warn(msgCtx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		return
	}

	// Topics are shared by several event types; skip the ones this
	// subscription did not ask for.
	if _, ok := h.wanted[evtType]; !ok {
		sess.MarkMessage(msg, "")
		return
	}

	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   recordHeaders(msg.Headers),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: claim.Partition(),
			Offset:    msg.Offset,
			Subject:   msg.Topic,
		},
	}
	consumeLogger.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", evt.Key,
	)

	for attempt := 1; ; attempt++ {
		err := h.deliver(msgCtx, evt)
		if err == nil {
			h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
			sess.MarkMessage(msg, "")
			return
		}

		span.RecordError(err)
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		if attempt >= h.bus.maxDeliveries {
			span.SetStatus(codes.Error, "delivery attempts exhausted")
			consumeLogger.Error(msgCtx, "Handler failed, giving up",
				"event_type", evtType,
				"offset", msg.Offset,
				"attempts", attempt,
				"error", err,
			)
			sess.MarkMessage(msg, "")
			return
		}

		consumeLogger.Warn(msgCtx, "Handler failed, redelivering",
			"event_type", evtType,
			"offset", msg.Offset,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-sess.Context().Done():
			// Left unmarked so the next session redelivers it.
			return
		case <-time.After(h.bus.redeliveryDelay):
		}
	}
}

// deliver runs the user handler once. A negative acknowledgement counts as
// a failed delivery.
func (h *domainEventHandler) deliver(ctx context.Context, evt events.EventEnvelope) error {
	var nack error
	ack := func(err error) {
		_, ackSpan := h.tracer.Start(ctx, "kafka_consumer.acknowledge",
			trace.WithLinks(trace.LinkFromContext(ctx)))
		defer ackSpan.End()
		if err != nil {
			ackSpan.RecordError(err)
			ackSpan.SetStatus(codes.Error, "negative acknowledgement")
			nack = err
		}
	}

	if err := h.userHandler(ctx, evt, ack); err != nil {
		return err
	}
	return nack
}

func recordHeaders(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.consumerGroup.Close(); err != nil {
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		errs = append(errs, fmt.Errorf("close consumer group: %w", err))
	}
	if err := b.producer.Close(); err != nil {
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")
	return nil
}
