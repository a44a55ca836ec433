package transfer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*NotificationHandler)(nil)

// NotificationHandler turns user-facing milestones into task.notification
// events for external delivery.
type NotificationHandler struct{ handlerBase }

// NewNotificationHandler creates the handler for task.finished and
// task.parent_error.
func NewNotificationHandler(
	publisher events.DomainEventPublisher,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *NotificationHandler {
	return &NotificationHandler{newHandlerBase("notification_handler", nil, publisher, nil, metrics, logger, tracer)}
}

// SupportedEvents implements events.EventHandler.
func (h *NotificationHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskFinished, transfer.EventTypeTaskParentError}
}

// HandleEvent implements events.EventHandler.
func (h *NotificationHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "notification_handler.notify", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		msg := fmt.Sprintf("transfer %s finished with status %s", ev.Task.ID, ev.Task.Status)
		if evt.Type == transfer.EventTypeTaskParentError {
			msg = fmt.Sprintf("failed to update parent %s of task %s: %s", ev.Task.ParentTaskID, ev.Task.ID, ev.Message)
		}

		note := transfer.NewNotificationEvent(evt.Type, ev.Task, msg)
		if err := h.publisher.PublishDomainEvent(ctx, note, events.WithKey(ev.RoutingKey())); err != nil {
			return fmt.Errorf("failed to publish notification: %w", err)
		}
		span.AddEvent("notification_published")
		h.logger.Info(ctx, "Notification published", "task_id", ev.Task.ID, "source_event", evt.Type)
		return nil
	})
}
