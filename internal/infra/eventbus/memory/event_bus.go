// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent message broker suitable for tests,
// local development and single-process deployments where durability is not
// required.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventBus = (*EventBus)(nil)

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("memory event bus closed")

// Option configures an EventBus.
type Option func(*EventBus)

// WithMaxDeliveries bounds how often an event is redelivered after its handler
// fails. The default is three deliveries.
func WithMaxDeliveries(n int) Option { return func(b *EventBus) { b.maxDeliveries = n } }

// WithDropFilter installs a predicate that silently discards matching events
// at publish time. It simulates a lossy transport.
func WithDropFilter(fn func(events.EventEnvelope) bool) Option {
	return func(b *EventBus) { b.drop = fn }
}

// EventBus delivers each published event to every subscription registered
// for its type. Every subscription owns an unbounded queue drained by its own
// goroutine, so handlers may publish without blocking or re-entering.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	maxDeliveries int
	drop          func(events.EventEnvelope) bool
	pending       atomic.Int64
	offset        atomic.Int64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEventBus creates an empty in-memory bus.
func NewEventBus(logger *logger.Logger, tracer trace.Tracer, opts ...Option) *EventBus {
	b := &EventBus{
		maxDeliveries: 3,
		logger:        logger.With("component", "memory_event_bus"),
		tracer:        tracer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type delivery struct {
	evt      events.EventEnvelope
	ctx      context.Context
	attempts int
}

type subscription struct {
	types   map[events.EventType]struct{}
	handler events.HandlerFunc

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
	done   chan struct{}
}

func (s *subscription) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

// Publish enqueues the event on every matching subscription and returns
// immediately.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyPublishOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Metadata.Offset = b.offset.Add(1)

	_, span := b.tracer.Start(ctx, "memory_event_bus.publish",
		trace.WithAttributes(attribute.String("event_type", string(event.Type))))
	defer span.End()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	if b.drop != nil && b.drop(event) {
		span.AddEvent("event_dropped")
		b.logger.Debug(ctx, "dropping event", "event_type", event.Type)
		return nil
	}

	// Deliveries run detached from the publisher's cancellation but keep its
	// trace.
	dctx := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	for _, s := range b.subs {
		if _, ok := s.types[event.Type]; !ok {
			continue
		}
		b.pending.Add(1)
		s.push(delivery{evt: event, ctx: dctx})
	}
	return nil
}

// Subscribe registers handler for eventTypes. Delivery stops when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return errors.New("at least one event type is required")
	}

	s := &subscription{
		types:   make(map[events.EventType]struct{}, len(eventTypes)),
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, et := range eventTypes {
		s.types[et] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go b.run(ctx, s)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)
	return nil
}

func (b *EventBus) run(ctx context.Context, s *subscription) {
	defer b.remove(s)
	for {
		d, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		b.deliver(s, d)
	}
}

func (b *EventBus) deliver(s *subscription, d delivery) {
	d.attempts++

	// A negative acknowledgement counts as a failed delivery.
	var nack atomic.Value
	ack := func(err error) {
		if err != nil {
			nack.Store(err)
		}
	}

	err := s.handler(d.ctx, d.evt, ack)
	if err == nil {
		if v, ok := nack.Load().(error); ok {
			err = v
		}
	}

	if err != nil && d.attempts < b.maxDeliveries {
		b.logger.Warn(d.ctx, "handler failed, redelivering",
			"event_type", d.evt.Type,
			"attempt", d.attempts,
			"error", err,
		)
		s.push(d)
		return
	}
	if err != nil {
		b.logger.Error(d.ctx, "handler failed, giving up",
			"event_type", d.evt.Type,
			"attempts", d.attempts,
			"error", err,
		)
	}
	b.pending.Add(-1)
}

func (b *EventBus) remove(s *subscription) {
	b.mu.Lock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	left := int64(len(s.queue))
	s.queue = nil
	s.mu.Unlock()
	b.pending.Add(-left)
}

// Pending reports events queued or being handled.
func (b *EventBus) Pending() int64 { return b.pending.Load() }

// WaitIdle blocks until every queued event has been handled or ctx is done.
func (b *EventBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d pending events: %w", b.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops every subscription. Queued events are discarded.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.logger.Info(context.Background(), "Closed event bus")
	return nil
}
