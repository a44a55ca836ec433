package transfer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*AdmissionHandler)(nil)

// AdmissionHandler admits newly created and retried tasks. It validates the
// URIs, refuses tasks whose parent or root has halted and moves the rest to
// ASSIGNED.
type AdmissionHandler struct{ handlerBase }

// NewAdmissionHandler creates the handler for task.created and task.retry.
func NewAdmissionHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *AdmissionHandler {
	return &AdmissionHandler{newHandlerBase("admission_handler", repo, publisher, cache, metrics, logger, tracer)}
}

// SupportedEvents implements events.EventHandler.
func (h *AdmissionHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskCreated, transfer.EventTypeTaskRetry}
}

// HandleEvent implements events.EventHandler.
func (h *AdmissionHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "admission_handler.admit", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}

		switch task.Status() {
		case transfer.TaskStatusCreated, transfer.TaskStatusRetrying:
		default:
			if kind, ok := interruptKindForStatus(task.Status()); ok {
				return h.publishAck(ctx, kind, task)
			}
			span.AddEvent("already_admitted")
			h.logger.Debug(ctx, "Task already admitted", "task_id", task.ID(), "status", task.Status())
			return nil
		}

		if failure := validateURIs(task); failure != nil {
			span.AddEvent("invalid_uri")
			return h.failPermanently(ctx, task, transfer.CauseSyntax, failure.Error())
		}

		if kind, ok := h.cache.Check(task.Snapshot()); ok {
			span.AddEvent("interrupted")
			return h.publishAck(ctx, kind, task)
		}
		halted, err := h.haltedBy(ctx, task.TenantID(), task.ParentTaskID(), task.RootTaskID())
		if err != nil {
			return err
		}
		if halted != nil {
			return h.stopHalted(ctx, span, task, halted)
		}

		updated, applied, err := h.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusAssigned)
		if err != nil {
			return err
		}
		if !applied {
			if kind, ok := interruptKindForStatus(updated.Status()); ok {
				return h.publishAck(ctx, kind, updated)
			}
			return nil
		}

		span.AddEvent("task_assigned")
		return h.publishTask(ctx, transfer.EventTypeTaskAssigned, updated)
	})
}

// validateURIs returns the first syntax error among the task's endpoints.
func validateURIs(t *transfer.Task) error {
	_, srcErr := transfer.ParseTransferURI(t.Source())
	_, dstErr := transfer.ParseTransferURI(t.Dest())
	return errors.Join(srcErr, dstErr)
}
