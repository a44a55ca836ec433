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

var _ events.EventHandler = (*ErrorHandler)(nil)

// DefaultMaxAttempts is the retry budget when none is configured.
const DefaultMaxAttempts = 3

// ErrorHandler decides whether a failed task is retried or failed for good.
// A recoverable failure is retried while Attempts() < maxAttempts. Attempts
// counts retries, so a task runs at most maxAttempts+1 times.
type ErrorHandler struct {
	handlerBase
	maxAttempts int
}

// NewErrorHandler creates the handler for task.error. A non-positive
// maxAttempts selects DefaultMaxAttempts.
func NewErrorHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cache *InterruptCache,
	maxAttempts int,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ErrorHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &ErrorHandler{
		handlerBase: newHandlerBase("error_handler", repo, publisher, cache, metrics, logger, tracer),
		maxAttempts: maxAttempts,
	}
}

// SupportedEvents implements events.EventHandler.
func (h *ErrorHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskError}
}

// HandleEvent implements events.EventHandler.
func (h *ErrorHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "error_handler.handle_error", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		span.SetAttributes(attribute.String("cause", string(ev.Cause)))

		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}
		if task.Status().IsTerminal() {
			span.AddEvent("task_terminal")
			return nil
		}

		logger := h.logger.With("operation", "handle_error", "task_id", task.ID(), "cause", ev.Cause)

		if kind, ok := h.interrupted(task); ok {
			span.AddEvent("interrupted")
			logger.Info(ctx, "Errored task is interrupted, cancelling")
			cancelled, _, err := h.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusCancelled)
			if err != nil {
				return err
			}
			return h.publishAck(ctx, kind, cancelled)
		}

		if transfer.IsRecoverable(ev.Cause) && task.Status().IsActive() && task.Attempts() < h.maxAttempts {
			return h.retry(ctx, span, task, logger)
		}

		span.AddEvent("failing_task", trace.WithAttributes(attribute.Int("attempts", task.Attempts())))
		logger.Warn(ctx, "Task failed permanently", "attempts", task.Attempts(), "message", ev.Message)
		return h.failPermanently(ctx, task, ev.Cause, ev.Message)
	})
}

func (h *ErrorHandler) retry(ctx context.Context, span trace.Span, task *transfer.Task, logger *logger.Logger) error {
	errored, applied, err := h.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusError)
	if err != nil {
		return err
	}
	if !applied {
		return h.settleRejected(ctx, errored)
	}

	errored.IncrementAttempts()
	if err := errored.UpdateStatus(transfer.TaskStatusRetrying); err != nil {
		return fmt.Errorf("failed to move task %s to retrying: %w", task.ID(), err)
	}
	retrying, applied, err := h.repo.UpdateTask(ctx, errored)
	if err != nil {
		return err
	}
	if !applied {
		return h.settleRejected(ctx, retrying)
	}

	h.metrics.IncTaskRetried(ctx)
	span.AddEvent("task_retry_scheduled", trace.WithAttributes(attribute.Int("attempts", retrying.Attempts())))
	logger.Info(ctx, "Retrying task", "attempts", retrying.Attempts(), "max_attempts", h.maxAttempts)
	return h.publishTask(ctx, transfer.EventTypeTaskRetry, retrying)
}

// settleRejected handles a conditional write that lost to an interrupt or a
// terminal transition.
func (h *ErrorHandler) settleRejected(ctx context.Context, stored *transfer.Task) error {
	if kind, ok := interruptKindForStatus(stored.Status()); ok {
		return h.publishAck(ctx, kind, stored)
	}
	return nil
}
