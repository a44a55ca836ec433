package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// errInvalidPayload marks poison messages. They are acknowledged and dropped.
var errInvalidPayload = errors.New("invalid event payload type")

// recordPayloadTypeError standardizes error creation and recording
// for invalid event payload types.
func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("%w: %T", errInvalidPayload, payload)
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}

// handlerBase carries the collaborators shared by every task event handler.
type handlerBase struct {
	repo      transfer.TaskRepository
	publisher events.DomainEventPublisher
	cache     *InterruptCache
	metrics   *Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

func newHandlerBase(
	component string,
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) handlerBase {
	return handlerBase{
		repo:      repo,
		publisher: publisher,
		cache:     cache,
		metrics:   metrics,
		logger:    logger.With("component", component),
		tracer:    tracer,
	}
}

// withSpan decodes the TaskEvent payload, runs fn inside a span and acks.
// A nil result acks the event; a poison payload is acked and dropped; any
// other error nacks it so the transport redelivers.
func (h *handlerBase) withSpan(
	ctx context.Context,
	operationName string,
	evt events.EventEnvelope,
	ack events.AckFunc,
	fn func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error,
) error {
	ctx, span := h.tracer.Start(ctx, operationName,
		trace.WithAttributes(attribute.String("event_type", evt.Type.String())))
	defer span.End()

	ev, ok := evt.Payload.(transfer.TaskEvent)
	if !ok {
		err := recordPayloadTypeError(span, evt.Payload)
		h.logger.Warn(ctx, "Dropping event with unexpected payload", "event_type", evt.Type, "error", err)
		ack(nil)
		return nil
	}
	span.SetAttributes(
		attribute.String("task_id", ev.Task.ID.String()),
		attribute.String("tenant_id", ev.Task.TenantID),
	)

	if err := fn(ctx, span, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.IncEventFailed(ctx, evt.Type)
		ack(err)
		return err
	}

	h.metrics.IncEventHandled(ctx, evt.Type)
	span.SetStatus(codes.Ok, "event handled")
	ack(nil)
	return nil
}

// load fetches the authoritative record. A missing task yields (nil, nil)
// after logging, since redelivery cannot make it appear.
func (h *handlerBase) load(ctx context.Context, s transfer.TaskSnapshot) (*transfer.Task, error) {
	t, err := h.repo.GetTask(ctx, s.TenantID, s.ID)
	if errors.Is(err, transfer.ErrTaskNotFound) {
		h.logger.Warn(ctx, "Task not found, dropping event", "task_id", s.ID, "tenant_id", s.TenantID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", s.ID, err)
	}
	return t, nil
}

// publish sends a task event keyed by its tree root.
func (h *handlerBase) publish(ctx context.Context, ev transfer.TaskEvent) error {
	if err := h.publisher.PublishDomainEvent(ctx, ev, events.WithKey(ev.RoutingKey())); err != nil {
		return fmt.Errorf("failed to publish %s for task %s: %w", ev.Kind, ev.Task.ID, err)
	}
	return nil
}

func (h *handlerBase) publishTask(ctx context.Context, kind events.EventType, t *transfer.Task) error {
	return h.publish(ctx, transfer.NewTaskEvent(kind, t))
}

// publishAck acknowledges an interrupt on behalf of t.
func (h *handlerBase) publishAck(ctx context.Context, kind InterruptKind, t *transfer.Task) error {
	h.logger.Debug(ctx, "Publishing interrupt ack", "task_id", t.ID(), "kind", kind.String())
	return h.publishTask(ctx, kind.AckEvent(), t)
}

// publishError converts err into a task.error carrying its cause class.
func (h *handlerBase) publishError(ctx context.Context, t *transfer.Task, err error) error {
	cause := transfer.ClassifyError(err)
	h.logger.Warn(ctx, "Task operation failed",
		"task_id", t.ID(),
		"cause", cause,
		"error", err,
	)
	return h.publish(ctx, transfer.NewTaskErrorEvent(t.Snapshot(), cause, transfer.DescribeError(err)))
}

// failPermanently marks t FAILED and publishes task.failed so the parent
// fold still advances. It is used for failures that must never retry.
func (h *handlerBase) failPermanently(ctx context.Context, t *transfer.Task, cause transfer.FailureCause, msg string) error {
	updated, applied, err := h.repo.UpdateStatus(ctx, t.TenantID(), t.ID(), transfer.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", t.ID(), err)
	}
	if !applied && updated.Status() != transfer.TaskStatusFailed {
		return nil
	}
	if applied {
		h.metrics.IncTaskFailed(ctx)
	}
	return h.publish(ctx, transfer.NewTaskFailedEvent(updated.Snapshot(), cause, msg))
}

// interrupted reports the interrupt affecting t, consulting the cache first
// and then the stored status.
func (h *handlerBase) interrupted(t *transfer.Task) (InterruptKind, bool) {
	if k, ok := h.cache.Check(t.Snapshot()); ok {
		return k, true
	}
	return interruptKindForStatus(t.Status())
}

// haltedBy returns the first stored task among ids that stops new work in
// its tree: one that is terminal or interrupted. Nil and repeated ids are
// skipped, as are ids no longer stored.
func (h *handlerBase) haltedBy(ctx context.Context, tenantID string, ids ...uuid.UUID) (*transfer.Task, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		t, err := h.repo.GetTask(ctx, tenantID, id)
		if errors.Is(err, transfer.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get ancestor %s: %w", id, err)
		}
		if s := t.Status(); s.IsTerminal() || s.IsInterrupted() {
			return t, nil
		}
	}
	return nil, nil
}

// stopHalted keeps t out of a tree that by has halted. An interrupted tree
// still expects an ack from t; a settled tree gets t closed as CANCELLED
// so nothing folds into a finished root.
func (h *handlerBase) stopHalted(ctx context.Context, span trace.Span, t, by *transfer.Task) error {
	span.AddEvent("tree_halted", trace.WithAttributes(
		attribute.String("halted_by", by.ID().String()),
		attribute.String("status", by.Status().String()),
	))
	if kind, ok := interruptKindForStatus(by.Status()); ok {
		return h.publishAck(ctx, kind, t)
	}
	if by.ID() == t.ID() {
		return nil
	}
	if _, _, err := h.repo.UpdateStatus(ctx, t.TenantID(), t.ID(), transfer.TaskStatusCancelled); err != nil {
		return fmt.Errorf("failed to close task %s in halted tree: %w", t.ID(), err)
	}
	h.logger.Info(ctx, "Closed task in settled tree", "task_id", t.ID(), "root_id", by.ID())
	return nil
}
