package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ events.EventHandler = (*TransferWorker)(nil)

const (
	// defaultProgressInterval bounds how often a running copy reports progress.
	defaultProgressInterval = 2 * time.Second
	// defaultInterruptPoll is how often a running copy checks the interrupt
	// cache for its tree.
	defaultInterruptPoll = 50 * time.Millisecond
	// DefaultCopyWorkers is the copy pool size when none is configured.
	DefaultCopyWorkers = 4
)

var (
	// errCopyInterrupted is the cancellation cause of a copy whose tree was
	// cancelled or paused while it ran.
	errCopyInterrupted = errors.New("copy interrupted")
	// ErrWorkerStopped is returned for transfer.all deliveries that arrive
	// after the copy pool has shut down. They are nacked for redelivery.
	ErrWorkerStopped = errors.New("transfer worker stopped")
)

// copyJob is a claimed-for-copy request handed from dispatch to the pool.
type copyJob struct {
	task *transfer.Task
	link trace.Link
}

// TransferWorker performs single-file copies requested by transfer.all.
// HandleEvent only validates and enqueues; copies run on a bounded pool
// started by Start so remote I/O never holds the dispatch goroutine.
type TransferWorker struct {
	handlerBase
	transferer transfer.Transferer

	workers          int
	jobs             chan copyJob
	inflight         atomic.Int64
	progressInterval time.Duration
	interruptPoll    time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewTransferWorker creates the handler for transfer.all with a pool of
// workers copies. A non-positive workers selects DefaultCopyWorkers.
func NewTransferWorker(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	transferer transfer.Transferer,
	cache *InterruptCache,
	workers int,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *TransferWorker {
	if workers <= 0 {
		workers = DefaultCopyWorkers
	}
	return &TransferWorker{
		handlerBase:      newHandlerBase("transfer_worker", repo, publisher, cache, metrics, logger, tracer),
		transferer:       transferer,
		workers:          workers,
		jobs:             make(chan copyJob, workers*10),
		progressInterval: defaultProgressInterval,
		interruptPoll:    defaultInterruptPoll,
		stopCh:           make(chan struct{}),
	}
}

// SupportedEvents implements events.EventHandler.
func (w *TransferWorker) SupportedEvents() []events.EventType {
	return []events.EventType{transfer.EventTypeTransferAll}
}

// Start launches the copy pool. Workers exit when ctx is done or Stop is
// called.
func (w *TransferWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.logger.Info(ctx, "Starting copy workers", "workers", w.workers)
		w.wg.Add(w.workers)
		for i := range w.workers {
			go func(id int) {
				defer w.wg.Done()
				w.workerLoop(ctx, id)
			}(i)
		}
	})
}

// Stop signals the pool and waits for running copies to return.
func (w *TransferWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Inflight reports the copies queued or running on this worker.
func (w *TransferWorker) Inflight() int64 { return w.inflight.Load() }

// HandleEvent implements events.EventHandler.
func (w *TransferWorker) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return w.withSpan(ctx, "transfer_worker.enqueue", evt, ack, func(ctx context.Context, span trace.Span, ev transfer.TaskEvent) error {
		task, err := w.load(ctx, ev.Task)
		if err != nil || task == nil {
			return err
		}
		if task.Status().IsTerminal() {
			span.AddEvent("task_terminal")
			return nil
		}
		if kind, ok := w.interrupted(task); ok {
			span.AddEvent("interrupted_before_copy")
			return w.publishAck(ctx, kind, task)
		}

		job := copyJob{task: task, link: trace.LinkFromContext(ctx)}
		w.inflight.Add(1)
		select {
		case w.jobs <- job:
			span.AddEvent("copy_enqueued")
			return nil
		case <-ctx.Done():
			w.inflight.Add(-1)
			return ctx.Err()
		case <-w.stopCh:
			w.inflight.Add(-1)
			return ErrWorkerStopped
		}
	})
}

func (w *TransferWorker) workerLoop(ctx context.Context, id int) {
	logger := w.logger.With("copy_worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case job := <-w.jobs:
			w.runJob(ctx, job, logger)
		}
	}
}

func (w *TransferWorker) runJob(ctx context.Context, job copyJob, logger *logger.Logger) {
	defer w.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Copy worker recovered from panic", "task_id", job.task.ID(), "panic", r)
		}
	}()

	ctx, span := w.tracer.Start(ctx, "transfer_worker.copy",
		trace.WithLinks(job.link),
		trace.WithAttributes(
			attribute.String("task_id", job.task.ID().String()),
			attribute.String("tenant_id", job.task.TenantID()),
		))
	defer span.End()

	if err := w.claimAndCopy(ctx, span, job.task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "Copy job failed", "task_id", job.task.ID(), "error", err)
		return
	}
	span.SetStatus(codes.Ok, "copy handled")
}

// claimAndCopy moves the task to TRANSFERRING and copies it. A claim the
// store rejects because the tree was interrupted is acked instead.
func (w *TransferWorker) claimAndCopy(ctx context.Context, span trace.Span, task *transfer.Task) error {
	if kind, ok := w.cache.Check(task.Snapshot()); ok {
		span.AddEvent("interrupted_while_queued")
		return w.publishAck(ctx, kind, task)
	}

	// A failed claim leaves the task ASSIGNED; the stale sweep recovers it.
	running, applied, err := w.repo.UpdateStatus(ctx, task.TenantID(), task.ID(), transfer.TaskStatusTransferring)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", task.ID(), err)
	}
	if !applied {
		span.AddEvent("claim_not_applied", trace.WithAttributes(attribute.String("status", running.Status().String())))
		if kind, ok := interruptKindForStatus(running.Status()); ok {
			return w.publishAck(ctx, kind, running)
		}
		return nil
	}
	return w.copy(ctx, span, running)
}

func (w *TransferWorker) copy(ctx context.Context, span trace.Span, task *transfer.Task) error {
	src, err := transfer.ParseTransferURI(task.Source())
	if err != nil {
		return w.failPermanently(ctx, task, transfer.CauseSyntax, err.Error())
	}
	dst, err := transfer.ParseTransferURI(task.Dest())
	if err != nil {
		return w.failPermanently(ctx, task, transfer.CauseSyntax, err.Error())
	}

	copyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go w.watchInterrupt(copyCtx, task, cancel)

	reporter := rate.Sometimes{Interval: w.progressInterval}
	progress := func(n int64) {
		reporter.Do(func() {
			snap := task.Snapshot()
			snap.BytesTransferred = n
			if err := w.publish(ctx, transfer.NewSnapshotEvent(transfer.EventTypeTaskUpdated, snap)); err != nil {
				w.logger.Warn(ctx, "Failed to publish progress", "task_id", task.ID(), "error", err)
			}
		})
	}

	start := time.Now()
	n, err := w.transferer.Copy(copyCtx, task.TenantID(), task.Owner(), src, dst, progress)
	if err != nil {
		if errors.Is(context.Cause(copyCtx), errCopyInterrupted) {
			kind, _ := w.cache.Check(task.Snapshot())
			span.AddEvent("copy_interrupted", trace.WithAttributes(attribute.String("kind", kind.String())))
			return w.publishAck(ctx, kind, task)
		}
		return w.publishError(ctx, task, fmt.Errorf("copy %s to %s: %w", src.Redacted(), dst.Redacted(), err))
	}
	span.AddEvent("copy_completed", trace.WithAttributes(
		attribute.Int64("bytes", n),
		attribute.String("duration", time.Since(start).String()),
	))

	task.MarkFileTransferred(n)
	updated, _, err := w.repo.UpdateTask(ctx, task)
	if err != nil {
		return err
	}
	return w.publishTask(ctx, transfer.EventTypeTaskCompleted, updated)
}

// watchInterrupt cancels a running copy once an interrupt is armed for its
// tree.
func (w *TransferWorker) watchInterrupt(ctx context.Context, task *transfer.Task, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.interruptPoll)
	defer ticker.Stop()
	snap := task.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := w.cache.Check(snap); ok {
				cancel(errCopyInterrupted)
				return
			}
		}
	}
}
