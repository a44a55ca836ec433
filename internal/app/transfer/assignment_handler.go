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

var _ events.EventHandler = (*AssignmentHandler)(nil)

// AssignmentHandler expands an assigned task. A file becomes a transfer
// request; a directory becomes one child task per entry.
type AssignmentHandler struct {
	handlerBase
	remotes transfer.RemoteClientFactory
}

// NewAssignmentHandler creates the handler for task.assigned.
func NewAssignmentHandler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	remotes transfer.RemoteClientFactory,
	cache *InterruptCache,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *AssignmentHandler {
	return &AssignmentHandler{
		handlerBase: newHandlerBase("assignment_handler", repo, publisher, cache, metrics, logger, tracer),
		remotes:     remotes,
	}
}

// SupportedEvents implements events.EventHandler.
func (h *AssignmentHandler) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTaskAssigned}
}

// HandleEvent implements events.EventHandler.
func (h *AssignmentHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return h.withSpan(ctx, "assignment_handler.assign", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := h.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}
		if task.Status().IsTerminal() {
			span.AddEvent("task_terminal")
			return nil
		}
		return h.assign(ctx, span, task)
	})
}

func (h *AssignmentHandler) assign(ctx context.Context, span trace.Span, task *transfer.Task) error {
	logger := logger.NewLoggerContext(h.logger.With("operation", "assign", "task_id", task.ID()))

	src, err := transfer.ParseTransferURI(task.Source())
	if err != nil {
		return h.failPermanently(ctx, task, transfer.CauseSyntax, err.Error())
	}
	dst, err := transfer.ParseTransferURI(task.Dest())
	if err != nil {
		return h.failPermanently(ctx, task, transfer.CauseSyntax, err.Error())
	}

	if kind, ok := h.interrupted(task); ok {
		span.AddEvent("interrupted_before_expansion")
		return h.publishAck(ctx, kind, task)
	}
	halted, err := h.haltedBy(ctx, task.TenantID(), task.ParentTaskID(), task.RootTaskID())
	if err != nil {
		return err
	}
	if halted != nil {
		return h.stopHalted(ctx, span, task, halted)
	}

	srcClient, srcPath, err := h.remotes.ClientFor(ctx, task.TenantID(), task.Owner(), src)
	if err != nil {
		return h.publishError(ctx, task, fmt.Errorf("connect source: %w", err))
	}
	defer h.disconnect(ctx, srcClient)

	info, err := srcClient.FileInfo(ctx, srcPath)
	if err != nil {
		return h.publishError(ctx, task, fmt.Errorf("stat source %s: %w", src.Redacted(), err))
	}

	if info.IsFile {
		span.AddEvent("single_file_transfer", trace.WithAttributes(attribute.Int64("size", info.Size)))
		logger.Debug(ctx, "Requesting file transfer", "size", info.Size)
		return h.publishTask(ctx, transfer.EventTypeTransferAll, task)
	}

	dstClient, dstPath, err := h.remotes.ClientFor(ctx, task.TenantID(), task.Owner(), dst)
	if err != nil {
		return h.publishError(ctx, task, fmt.Errorf("connect dest: %w", err))
	}
	defer h.disconnect(ctx, dstClient)

	if err := dstClient.Mkdirs(ctx, dstPath); err != nil {
		return h.publishError(ctx, task, fmt.Errorf("mkdirs %s: %w", dst.Redacted(), err))
	}

	entries, err := srcClient.List(ctx, srcPath)
	if err != nil {
		return h.publishError(ctx, task, fmt.Errorf("list %s: %w", src.Redacted(), err))
	}

	var created int
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." || entry.Name == "" {
			continue
		}
		if kind, ok := h.cache.Check(task.Snapshot()); ok {
			span.AddEvent("interrupted_during_expansion", trace.WithAttributes(attribute.Int("created", created)))
			logger.Info(ctx, "Interrupted while expanding directory", "created", created)
			return h.publishAck(ctx, kind, task)
		}
		// The cache misses interrupts armed before this worker subscribed, and
		// settled trees are never cached.
		halted, err := h.haltedBy(ctx, task.TenantID(), task.ID(), task.TreeRootID())
		if err != nil {
			return err
		}
		if halted != nil {
			logger.Info(ctx, "Tree halted while expanding directory", "created", created)
			return h.stopHalted(ctx, span, task, halted)
		}

		child := transfer.NewChildTask(task, transfer.ChildURI(src, entry.Name), transfer.ChildURI(dst, entry.Name), transfer.TaskStatusCreated)
		stored, err := h.repo.CreateOrGetChild(ctx, child)
		if err != nil {
			return h.publishError(ctx, task, fmt.Errorf("create child %s: %w", entry.Name, err))
		}
		created++

		// A redelivered expansion only re-announces children that were never admitted.
		if stored.Status() != transfer.TaskStatusCreated {
			continue
		}
		if stored.ID() == child.ID() {
			h.metrics.IncTaskCreated(ctx)
		}
		if err := h.publishTask(ctx, transfer.EventTypeTaskCreated, stored); err != nil {
			return err
		}
	}

	if created == 0 {
		span.AddEvent("empty_directory")
		return h.publishTask(ctx, transfer.EventTypeTaskCompleted, task)
	}

	span.AddEvent("directory_expanded", trace.WithAttributes(attribute.Int("children", created)))
	logger.Debug(ctx, "Directory expanded", "children", created)
	return nil
}

func (h *AssignmentHandler) disconnect(ctx context.Context, c transfer.RemoteClient) {
	if err := c.Disconnect(ctx); err != nil {
		h.logger.Warn(ctx, "Failed to disconnect remote client", "error", err)
	}
}
