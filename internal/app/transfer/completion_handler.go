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

var _ events.EventHandler = (*CompletionHandler)(nil)

// CompletionHandler finalizes a task and folds the result into its parent.
// Each fold step is a fresh message, so propagation up the tree never holds
// a handler open.
type CompletionHandler struct{ handlerBase }

// NewCompletionHandler creates the handler for task.completed and task.failed.
func NewCompletionHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *CompletionHandler {
	return &CompletionHandler{newHandlerBase("completion_handler", repo, publisher, cache, metrics, logger, tracer)}
}

// SupportedEvents implements events.EventHandler.
func (h *CompletionHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskCompleted, transfer.EventTypeTaskFailed}
}

// HandleEvent implements events.EventHandler.
func (h *CompletionHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "completion_handler.complete", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}

		var (
			updated = task
			applied bool
		)
		switch {
		case task.Status().IsTerminal():
			span.AddEvent("already_terminal")
		case ev.Kind == transfer.EventTypeTaskFailed:
			if updated, applied, err = h.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusFailed); err != nil {
				return err
			}
			if applied {
				h.metrics.IncTaskFailed(ctx)
			}
		default:
			if kind, ok := interruptKindForStatus(task.Status()); ok {
				// The interrupt protocol owns this node now.
				span.AddEvent("interrupted")
				return h.publishAck(ctx, kind, task)
			}
			if updated, applied, err = completeTask(ctx, h.repo, task); err != nil {
				return err
			}
			if applied {
				h.metrics.IncTaskCompleted(ctx)
			}
		}
		span.SetAttributes(
			attribute.Bool("applied", applied),
			attribute.String("status", updated.Status().String()),
		)

		if updated.IsRoot() {
			if !applied {
				return nil
			}
			h.metrics.IncTreeFinished(ctx)
			h.logger.Info(ctx, "Transfer finished", "task_id", updated.ID(), "status", updated.Status())
			return h.publishTask(ctx, transfer.EventTypeTaskFinished, updated)
		}
		return h.fold(ctx, span, updated)
	})
}

// fold advances the parent of child. Lookup failures are reported as
// task.parent_error rather than task.error so the child is never retried
// for a problem that is not its own.
func (h *CompletionHandler) fold(ctx context.Context, span trace.Span, child *transfer.Task) error {
	parent, err := h.repo.GetTask(ctx, child.TenantID(), child.ParentTaskID())
	if err != nil {
		return h.publishParentError(ctx, child, fmt.Errorf("get parent %s: %w", child.ParentTaskID(), err))
	}
	if parent.Status().IsTerminal() {
		span.AddEvent("parent_terminal")
		return nil
	}

	if kind, ok := h.interrupted(parent); ok {
		quiescent, err := h.repo.AllChildrenQuiescent(ctx, parent.TenantID(), parent.ID())
		if err != nil {
			return h.publishParentError(ctx, child, fmt.Errorf("check children of %s: %w", parent.ID(), err))
		}
		if quiescent {
			span.AddEvent("parent_interrupted_ack")
			return h.publishAck(ctx, kind, parent)
		}
		return nil
	}

	done, err := h.repo.AllChildrenCancelledOrCompleted(ctx, parent.TenantID(), parent.ID())
	if err != nil {
		return h.publishParentError(ctx, child, fmt.Errorf("check children of %s: %w", parent.ID(), err))
	}
	if !done {
		return nil
	}

	span.AddEvent("parent_complete", trace.WithAttributes(attribute.String("parent_id", parent.ID().String())))
	return h.publishTask(ctx, transfer.EventTypeTaskCompleted, parent)
}

func (h *CompletionHandler) publishParentError(ctx context.Context, child *transfer.Task, err error) error {
	h.logger.Error(ctx, "Parent check failed", "task_id", child.ID(), "parent_id", child.ParentTaskID(), "error", err)
	return h.publish(ctx, transfer.NewTaskParentErrorEvent(child.Snapshot(), transfer.ClassifyError(err), transfer.DescribeError(err)))
}

// completeTask conditionally finalizes task from its children. A task with
// children becomes COMPLETED_WITH_ERRORS when any child ended in error, and
// its counters are replaced by the children's totals.
func completeTask(ctx context.Context, repo transfer.TaskRepository, task *transfer.Task) (*transfer.Task, bool, error) {
	sum, err := repo.ChildSummary(ctx, task.TenantID(), task.ID())
	if err != nil {
		return nil, false, fmt.Errorf("failed to summarize children of %s: %w", task.ID(), err)
	}

	next := task.Clone()
	status := transfer.TaskStatusCompleted
	if sum.Total > 0 {
		next.RollUp(sum)
		status = sum.FinalStatus()
	}
	if err := next.UpdateStatus(status); err != nil {
		return nil, false, fmt.Errorf("failed to complete task %s: %w", task.ID(), err)
	}
	return repo.UpdateTask(ctx, next)
}
