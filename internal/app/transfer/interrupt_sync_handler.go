package transfer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*InterruptSyncHandler)(nil)

// InterruptSyncHandler keeps this worker's interrupt cache in step with the
// broadcast bus. Every worker runs one.
type InterruptSyncHandler struct {
	cache  *InterruptCache
	logger *logger.Logger
	tracer trace.Tracer
}

// NewInterruptSyncHandler creates a sync handler bound to cache.
func NewInterruptSyncHandler(cache *InterruptCache, logger *logger.Logger, tracer trace.Tracer) *InterruptSyncHandler {
	return &InterruptSyncHandler{
		cache:  cache,
		logger: logger.With("component", "interrupt_sync_handler"),
		tracer: tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (h *InterruptSyncHandler) SupportedEvents() []events.EventType {
	return transfer.BroadcastEventTypes()
}

// HandleEvent implements events.EventHandler.
func (h *InterruptSyncHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	_, span := h.tracer.Start(ctx, "interrupt_sync_handler.handle_event",
		trace.WithAttributes(attribute.String("event_type", evt.Type.String())))
	defer func() {
		span.End()
		ack(nil)
	}()

	ev, ok := evt.Payload.(transfer.TaskEvent)
	if !ok {
		err := recordPayloadTypeError(span, evt.Payload)
		h.logger.Warn(ctx, "Dropping event with unexpected payload", "event_type", evt.Type, "error", err)
		return nil
	}
	kind, ok := interruptKindForEvent(evt.Type)
	if !ok {
		err := fmt.Errorf("unsupported event type: %s", evt.Type)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn(ctx, "Dropping unsupported broadcast event", "event_type", evt.Type)
		return nil
	}

	id := ev.Task.TreeRootID()
	switch evt.Type {
	case transfer.EventTypeTaskCancelSync, transfer.EventTypeTaskPauseSync:
		h.cache.Add(id, kind)
		h.logger.Info(ctx, "Interrupt armed", "root_id", id, "kind", kind.String())
	default:
		h.cache.Remove(id)
		h.logger.Info(ctx, "Interrupt cleared", "root_id", id, "kind", kind.String())
	}
	span.SetAttributes(attribute.Int("cache_size", h.cache.Len()))
	return nil
}
