package transfer

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*ProgressHandler)(nil)

// ProgressHandler merges reported byte counters into the stored record.
type ProgressHandler struct{ handlerBase }

// NewProgressHandler creates the handler for task.updated.
func NewProgressHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ProgressHandler {
	return &ProgressHandler{newHandlerBase("progress_handler", repo, publisher, cache, metrics, logger, tracer)}
}

// SupportedEvents implements events.EventHandler.
func (h *ProgressHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskUpdated}
}

// HandleEvent implements events.EventHandler.
func (h *ProgressHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "progress_handler.update", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}
		// Progress only matters for a running copy; a late report must not
		// pull a retried or interrupted task back to TRANSFERRING.
		if task.Status() != transfer.TaskStatusTransferring {
			span.AddEvent("task_not_transferring")
			return nil
		}

		task.RecordProgress(ev.Task.BytesTransferred, ev.Task.TotalSize)
		_, applied, err := h.repo.UpdateTask(ctx, task)
		if err != nil {
			return err
		}
		if !applied {
			span.AddEvent("progress_not_applied")
		}
		return nil
	})
}
