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

// ErrPauseRequiresRoot is returned when a pause targets a non-root task.
var ErrPauseRequiresRoot = errors.New("pause is only supported on root tasks")

var _ events.EventHandler = (*InterruptCoordinator)(nil)

// InterruptCoordinator runs the cancel and pause protocol. A request marks
// the tree root as waiting and broadcasts a sync so every worker arms its
// interrupt cache. Workers acknowledge at their checkpoints, and acks fold
// up the tree until the root settles.
type InterruptCoordinator struct {
	handlerBase
	broadcast events.DomainEventPublisher
}

// NewInterruptCoordinator creates the coordinator. Sync and completed events
// go to broadcast; acks and notifications go to publisher.
func NewInterruptCoordinator(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	broadcast events.DomainEventPublisher,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *InterruptCoordinator {
	return &InterruptCoordinator{
		handlerBase: newHandlerBase("interrupt_coordinator", repo, publisher, cache, metrics, logger, tracer),
		broadcast:   broadcast,
	}
}

// SupportedEvents implements events.EventHandler.
func (c *InterruptCoordinator) SupportedEvents() []events.EventType {
	return []events.EventType{
		transfer.EventTypeTaskCancel,
		transfer.EventTypeTaskPause,
		transfer.EventTypeTaskCancelAck,
		transfer.EventTypeTaskPauseAck,
	}
}

// HandleEvent implements events.EventHandler.
func (c *InterruptCoordinator) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return c.withSpan(ctx, "interrupt_coordinator.handle_event", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		switch evt.Type {
		case transfer.EventTypeTaskCancel:
			return c.RequestCancel(ctx, ev.Task.TenantID, ev.Task.ID)
		case transfer.EventTypeTaskPause:
			err := c.RequestPause(ctx, ev.Task.TenantID, ev.Task.ID)
			if errors.Is(err, ErrPauseRequiresRoot) {
				span.AddEvent("pause_rejected")
				c.logger.Warn(ctx, "Rejected pause on non-root task", "task_id", ev.Task.ID)
				return nil
			}
			return err
		case transfer.EventTypeTaskCancelAck:
			return c.handleAck(ctx, span, InterruptCancel, ev.Task)
		case transfer.EventTypeTaskPauseAck:
			return c.handleAck(ctx, span, InterruptPause, ev.Task)
		default:
			return fmt.Errorf("unsupported event type: %s", evt.Type)
		}
	})
}

// RequestCancel cancels the whole tree containing the task.
func (c *InterruptCoordinator) RequestCancel(ctx context.Context, tenantID string, taskID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "interrupt_coordinator.request_cancel",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	task, err := c.repo.GetTask(ctx, tenantID, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	root := task
	if !task.IsRoot() {
		if root, err = c.repo.GetTask(ctx, tenantID, task.TreeRootID()); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to get root %s: %w", task.TreeRootID(), err)
		}
	}
	return c.interrupt(ctx, span, InterruptCancel, root)
}

// RequestPause pauses the tree rooted at taskID. Only roots can be paused.
func (c *InterruptCoordinator) RequestPause(ctx context.Context, tenantID string, taskID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "interrupt_coordinator.request_pause",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	task, err := c.repo.GetTask(ctx, tenantID, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	if !task.IsRoot() {
		span.SetStatus(codes.Error, ErrPauseRequiresRoot.Error())
		return ErrPauseRequiresRoot
	}
	return c.interrupt(ctx, span, InterruptPause, task)
}

func (c *InterruptCoordinator) interrupt(ctx context.Context, span trace.Span, kind InterruptKind, root *transfer.Task) error {
	logger := c.logger.With("operation", "interrupt", "kind", kind.String(), "root_id", root.ID())

	allowed := root.Status().CanCancel()
	if kind == InterruptPause {
		allowed = root.Status().CanPause()
	}
	if !allowed {
		span.AddEvent("not_interruptible", trace.WithAttributes(attribute.String("status", root.Status().String())))
		logger.Info(ctx, "Task cannot be interrupted in its current status", "status", root.Status())
		return nil
	}

	waiting, applied, err := c.repo.UpdateStatus(ctx, root.TenantID(), root.ID(), kind.WaitingStatus())
	if err != nil {
		return err
	}
	if !applied {
		span.AddEvent("waiting_not_applied")
		return nil
	}

	c.cache.Add(waiting.ID(), kind)
	sync := transfer.NewTaskEvent(kind.SyncEvent(), waiting)
	if err := c.broadcast.PublishDomainEvent(ctx, sync, events.WithKey(sync.RoutingKey())); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", sync.Kind, err)
	}

	span.AddEvent("interrupt_broadcast")
	logger.Info(ctx, "Interrupt requested")
	return c.publishAck(ctx, kind, waiting)
}

// handleAck settles node x once all of its children are quiescent, then
// hands the fold to its parent.
func (c *InterruptCoordinator) handleAck(ctx context.Context, span trace.Span, kind InterruptKind, s transfer.TaskSnapshot) error {
	x, err := c.load(ctx, s)
	if err != nil || x == nil {
		return err
	}

	applied := false
	if !x.Status().IsTerminal() && x.Status() != kind.FinalStatus() {
		quiescent, err := c.repo.AllChildrenQuiescent(ctx, x.TenantID(), x.ID())
		if err != nil {
			return err
		}
		if !quiescent {
			span.AddEvent("children_pending")
			return nil
		}
		if x, applied, err = c.repo.UpdateStatus(ctx, x.TenantID(), x.ID(), kind.FinalStatus()); err != nil {
			return err
		}
	}
	span.SetAttributes(attribute.Bool("applied", applied), attribute.String("status", x.Status().String()))

	if x.IsRoot() {
		return c.settleRoot(ctx, span, kind, x, applied)
	}

	parent, err := c.repo.GetTask(ctx, x.TenantID(), x.ParentTaskID())
	if err != nil {
		return fmt.Errorf("failed to get parent %s: %w", x.ParentTaskID(), err)
	}
	if parent.Status().IsTerminal() {
		return nil
	}
	quiescent, err := c.repo.AllChildrenQuiescent(ctx, parent.TenantID(), parent.ID())
	if err != nil {
		return err
	}
	if !quiescent {
		return nil
	}
	span.AddEvent("fold_to_parent", trace.WithAttributes(attribute.String("parent_id", parent.ID().String())))
	return c.publishAck(ctx, kind, parent)
}

// settleRoot sweeps stragglers and disarms the interrupt once the root has
// reached the final status.
func (c *InterruptCoordinator) settleRoot(ctx context.Context, span trace.Span, kind InterruptKind, root *transfer.Task, applied bool) error {
	if root.Status() != kind.FinalStatus() {
		return nil
	}

	n, err := c.repo.SetStatusWhereNotTerminal(ctx, root.TenantID(), root.ID(), kind.FinalStatus())
	if err != nil {
		return fmt.Errorf("failed to sweep tree %s: %w", root.ID(), err)
	}
	span.AddEvent("tree_swept", trace.WithAttributes(attribute.Int64("updated", n)))

	done := transfer.NewTaskEvent(kind.CompletedEvent(), root)
	if err := c.broadcast.PublishDomainEvent(ctx, done, events.WithKey(done.RoutingKey())); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", done.Kind, err)
	}
	c.cache.Remove(root.ID())

	if !applied {
		return nil
	}
	c.logger.Info(ctx, "Interrupt completed", "root_id", root.ID(), "kind", kind.String(), "swept", n)
	note := transfer.NewNotificationEvent(kind.CompletedEvent(), root.Snapshot(),
		fmt.Sprintf("transfer %s %s", root.ID(), root.Status()))
	if err := c.publisher.PublishDomainEvent(ctx, note, events.WithKey(root.ID().String())); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
