package transfer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*HealthCheckHandler)(nil)

// HealthCheckHandler repairs trees whose completion, ack or leaf event was
// lost.
type HealthCheckHandler struct {
	handlerBase
	broadcast events.DomainEventPublisher
}

// NewHealthCheckHandler creates the handler for task.healthcheck and
// task.healthcheck_parent.
func NewHealthCheckHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	broadcast events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *HealthCheckHandler {
	return &HealthCheckHandler{
		handlerBase: newHandlerBase("healthcheck_handler", repo, publisher, cache, metrics, logger, tracer),
		broadcast:   broadcast,
	}
}

// SupportedEvents implements events.EventHandler.
func (h *HealthCheckHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskHealthcheck, transfer.EventTypeTaskHealthcheckParent}
}

// HandleEvent implements events.EventHandler.
func (h *HealthCheckHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "healthcheck_handler.check", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}
		if task.Status().IsTerminal() {
			span.AddEvent("task_terminal")
			return nil
		}

		if evt.Type == transfer.EventTypeTaskHealthcheckParent {
			return h.checkStale(ctx, span, task, ev.Task)
		}
		return h.checkRoot(ctx, span, task)
	})
}

// checkRoot completes a root whose children are all done.
func (h *HealthCheckHandler) checkRoot(ctx context.Context, span trace.Span, root *transfer.Task) error {
	if kind, ok := interruptKindForStatus(root.Status()); ok {
		// Re-ack so a stalled fold gets another chance to settle.
		span.AddEvent("root_interrupted")
		return h.publishAck(ctx, kind, root)
	}

	sum, err := h.repo.ChildSummary(ctx, root.TenantID(), root.ID())
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("children", sum.Total), attribute.Int("terminal", sum.Terminal))
	if sum.Total == 0 || !sum.AllTerminal() {
		return nil
	}

	updated, applied, err := completeTask(ctx, h.repo, root)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	h.metrics.IncTreeFinished(ctx)
	h.logger.Info(ctx, "Healthcheck completed transfer", "task_id", root.ID(), "status", updated.Status())
	return h.publishTask(ctx, transfer.EventTypeTaskFinished, updated)
}

// checkStale settles a task that went past the staleness cutoff with
// nothing below it still open. seen is the state the sweep listed.
func (h *HealthCheckHandler) checkStale(ctx context.Context, span trace.Span, task *transfer.Task, seen transfer.TaskSnapshot) error {
	if task.Status().IsResting() {
		return nil
	}
	if task.LastUpdated().After(seen.LastUpdated) {
		span.AddEvent("task_recovered")
		return nil
	}

	sum, err := h.repo.ChildSummary(ctx, task.TenantID(), task.ID())
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("children", sum.Total), attribute.Int("terminal", sum.Terminal))
	if !sum.AllTerminal() {
		span.AddEvent("children_open")
		return nil
	}

	if sum.Total > 0 && task.Status().IsActive() {
		span.AddEvent("resuming_fold")
		if task.IsRoot() {
			return h.checkRoot(ctx, span, task)
		}
		return h.publishTask(ctx, transfer.EventTypeTaskCompleted, task)
	}
	return h.forceClose(ctx, span, task)
}

// forceClose ends a task that stopped reporting, or an interrupted task
// whose acks never arrived, as CANCELLED_ERROR and folds it upward.
func (h *HealthCheckHandler) forceClose(ctx context.Context, span trace.Span, task *transfer.Task) error {
	closed, applied, err := h.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusCancelledError)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	span.AddEvent("force_closed")
	h.logger.Warn(ctx, "Force-closed stale task", "task_id", task.ID(), "previous_status", task.Status())

	if !closed.IsRoot() {
		return h.publishTask(ctx, transfer.EventTypeTaskCompleted, closed)
	}

	n, err := h.repo.SetStatusWhereNotTerminal(ctx, closed.TenantID(), closed.ID(), transfer.TaskStatusCancelledError)
	if err != nil {
		return fmt.Errorf("failed to sweep tree %s: %w", closed.ID(), err)
	}
	span.AddEvent("tree_swept", trace.WithAttributes(attribute.Int64("updated", n)))

	if kind, ok := interruptKindForStatus(task.Status()); ok {
		done := transfer.NewTaskEvent(kind.CompletedEvent(), closed)
		if err := h.broadcast.PublishDomainEvent(ctx, done, events.WithKey(done.RoutingKey())); err != nil {
			return fmt.Errorf("failed to broadcast %s: %w", done.Kind, err)
		}
	}

	h.metrics.IncTreeFinished(ctx)
	return h.publishTask(ctx, transfer.EventTypeTaskFinished, closed)
}
