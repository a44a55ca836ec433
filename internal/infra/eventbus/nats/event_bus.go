// Package nats provides a NATS JetStream implementation of the event bus.
//
// Every event type maps to the subject <prefix>.<event type> inside a single
// stream. Load-balanced subscriptions use durable pull consumers shared by all
// workers of a deployment; broadcast subscriptions use a consumer unique to
// the worker that only sees messages published after it joined.
package nats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// EventBusMetrics mirrors the Kafka bus metrics contract.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, subject string)
	IncMessageConsumed(ctx context.Context, subject string)
	IncPublishError(ctx context.Context, subject string)
	IncConsumeError(ctx context.Context, subject string)
}

// Config describes the JetStream layout of a bus.
type Config struct {
	// URL of the NATS server, e.g. nats://localhost:4222.
	URL string
	// Stream holds every transfer event.
	Stream string
	// SubjectPrefix is prepended to event types to form subjects.
	SubjectPrefix string
	// Durable names the consumers shared by every worker.
	Durable string
	// ClientID identifies this worker. Broadcast consumers are named after it.
	ClientID string
	// Broadcast makes every subscription on this bus per-worker.
	Broadcast bool

	// AckWait is how long JetStream waits for an acknowledgement before
	// redelivering. Defaults to 30s.
	AckWait time.Duration
	// MaxDeliver bounds deliveries per message. Defaults to 3.
	MaxDeliver int
	// NakDelay is the redelivery delay requested on a negative
	// acknowledgement. Defaults to 500ms.
	NakDelay time.Duration
	// MaxAge bounds stream retention. Defaults to 7 days.
	MaxAge time.Duration
}

// ForBroadcast returns a copy of the config for the broadcast bus.
func (c Config) ForBroadcast() Config {
	c.Broadcast = true
	return c
}

func (c *Config) withDefaults() {
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 3
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 500 * time.Millisecond
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
}

func (c Config) validate() error {
	switch {
	case c.Stream == "":
		return errors.New("stream is required")
	case c.SubjectPrefix == "":
		return errors.New("subject prefix is required")
	case c.Durable == "":
		return errors.New("durable name is required")
	case c.Broadcast && c.ClientID == "":
		return errors.New("client id is required for broadcast subscriptions")
	}
	return nil
}

// Subject returns the subject an event type is published on.
func (c Config) Subject(et events.EventType) string {
	return c.SubjectPrefix + "." + string(et)
}

func (c Config) eventType(subject string) (events.EventType, bool) {
	et, ok := strings.CutPrefix(subject, c.SubjectPrefix+".")
	return events.EventType(et), ok
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus on a JetStream stream.
type EventBus struct {
	cfg     Config
	conn    *nats.Conn
	ownConn bool
	js      jetstream.JetStream
	stream  jetstream.Stream

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
	subs     int
	closed   bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates the stream if needed and returns a bus on conn. The
// caller keeps ownership of conn unless the bus was built by ConnectEventBus.
func NewEventBus(
	ctx context.Context,
	cfg Config,
	conn *nats.Conn,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for nats event bus")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	cfg.withDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &EventBus{
		cfg:    cfg,
		conn:   conn,
		js:     js,
		stream: stream,
		logger: logger.With(
			"component", "nats_event_bus",
			"stream", cfg.Stream,
			"broadcast", cfg.Broadcast,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Publish sends the event to its subject and waits for the stream ack.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	subject := b.cfg.Subject(event.Type)
	ctx, span := b.tracer.Start(ctx, "nats.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", subject),
			attribute.String("event.type", string(event.Type)),
		))
	defer span.End()

	params := events.ApplyPublishOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	data, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		b.metrics.IncPublishError(ctx, subject)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range event.Headers {
		msg.Header.Set(k, v)
	}
	if event.Key != "" {
		msg.Header.Set(headerKey, event.Key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	ack, err := b.js.PublishMsg(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish")
		b.metrics.IncPublishError(ctx, subject)
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	b.metrics.IncMessagePublished(ctx, subject)

	b.logger.Debug(ctx, "Published message to JetStream",
		"subject", subject,
		"sequence", ack.Sequence,
		"key", event.Key,
	)
	return nil
}

const headerKey = "Transfer-Key"

// Subscribe creates a consumer filtered to the subjects of eventTypes and
// delivers its messages to handler until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return errors.New("at least one event type is required")
	}

	ctx, span := b.tracer.Start(ctx, "nats_event_bus.subscribe")
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("nats event bus closed")
	}
	b.subs++
	name := b.consumerName(b.subs)
	b.mu.Unlock()

	subjects := make([]string, len(eventTypes))
	for i, et := range eventTypes {
		subjects[i] = b.cfg.Subject(et)
	}

	cc := jetstream.ConsumerConfig{
		Name:           name,
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        b.cfg.AckWait,
		MaxDeliver:     b.cfg.MaxDeliver,
	}
	if b.cfg.Broadcast {
		cc.DeliverPolicy = jetstream.DeliverNewPolicy
		cc.InactiveThreshold = 5 * time.Minute
	} else {
		cc.Durable = name
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create consumer")
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) { b.handleMessage(ctx, msg, handler) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start consuming")
		return fmt.Errorf("consume %s: %w", name, err)
	}

	b.mu.Lock()
	b.consumes = append(b.consumes, consume)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			consume.Stop()
		case <-consume.Closed():
		}
	}()

	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "consumer", name)
	return nil
}

func (b *EventBus) consumerName(n int) string {
	if b.cfg.Broadcast {
		return fmt.Sprintf("%s-%s-broadcast-%d", b.cfg.Durable, sanitize(b.cfg.ClientID), n)
	}
	return fmt.Sprintf("%s-%d", b.cfg.Durable, n)
}

// sanitize strips characters JetStream rejects in consumer names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, s)
}

func (b *EventBus) handleMessage(ctx context.Context, msg jetstream.Msg, handler events.HandlerFunc) {
	subject := msg.Subject()
	headers := msg.Headers()

	msgCtx := ctx
	if headers != nil {
		msgCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(headers)))
	}
	msgCtx, span := b.tracer.Start(msgCtx, "nats.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", subject),
		))
	defer span.End()

	evtType, payload, err := serialization.DecodeEnvelope(msg.Data())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		b.metrics.IncConsumeError(msgCtx, subject)
		b.logger.Warn(msgCtx, "Terminating undecodable message", "subject", subject, "error", err)
		if err := msg.Term(); err != nil {
			b.logger.Error(msgCtx, "Failed to terminate message", "error", err)
		}
		return
	}
	if et, ok := b.cfg.eventType(subject); ok && et != evtType {
		b.logger.Warn(msgCtx, "Subject and envelope disagree", "subject", subject, "event_type", evtType)
	}

	evt := events.EventEnvelope{
		Type:     evtType,
		Headers:  flatten(headers),
		Payload:  payload,
		Metadata: events.EventMetadata{Subject: subject},
	}
	if evt.Headers != nil {
		evt.Key = evt.Headers[headerKey]
	}
	if md, err := msg.Metadata(); err == nil {
		evt.Timestamp = md.Timestamp
		evt.Metadata.Offset = int64(md.Sequence.Stream)
		span.SetAttributes(attribute.Int64("messaging.nats.delivered", int64(md.NumDelivered)))
	}

	if err := deliver(msgCtx, handler, evt); err != nil {
		span.RecordError(err)
		b.metrics.IncConsumeError(msgCtx, subject)
		b.logger.Warn(msgCtx, "Handler failed, requesting redelivery",
			"event_type", evtType,
			"subject", subject,
			"error", err,
		)
		if err := msg.NakWithDelay(b.cfg.NakDelay); err != nil {
			b.logger.Error(msgCtx, "Failed to nak message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		span.RecordError(err)
		b.logger.Error(msgCtx, "Failed to ack message", "error", err)
		return
	}
	b.metrics.IncMessageConsumed(msgCtx, subject)
}

// deliver runs handler once. A negative acknowledgement counts as a failure.
func deliver(ctx context.Context, handler events.HandlerFunc, evt events.EventEnvelope) error {
	var nack error
	ack := func(err error) {
		if err != nil {
			nack = err
		}
	}
	if err := handler(ctx, evt, ack); err != nil {
		return err
	}
	return nack
}

func flatten(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Close stops every subscription. The connection is drained when the bus
// owns it.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumes := b.consumes
	b.consumes = nil
	b.mu.Unlock()

	for _, c := range consumes {
		c.Stop()
	}
	if b.ownConn {
		if err := b.conn.Drain(); err != nil {
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	b.logger.Info(context.Background(), "Closed event bus")
	return nil
}
