// Package transfer implements the transfer-task orchestration engine: the
// event handlers that expand, copy, retry, complete, interrupt and reconcile
// trees of transfer tasks over an at-least-once event bus.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/app/cluster"
	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	eventdispatcher "github.com/ahrav/transfer-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	WorkerID    string
	MaxAttempts int
	// CopyWorkers bounds concurrent copies. Zero selects DefaultCopyWorkers.
	CopyWorkers int
	Health      HealthConfig
}

// Engine wires every handler of one worker to its buses.
type Engine struct {
	cfg EngineConfig

	bus       events.EventBus
	broadcast events.EventBus
	leader    cluster.Coordinator

	cache      *InterruptCache
	dispatcher *eventdispatcher.Dispatcher
	sync       *InterruptSyncHandler
	interrupts *InterruptCoordinator
	reconciler *HealthReconciler
	submitter  *Submitter
	copier     *TransferWorker
	handlers   []events.EventHandler

	logger *logger.Logger
	tracer trace.Tracer
}

// EngineDeps are the collaborators an Engine is built from. Broadcast may be
// the same bus as Bus for single-process deployments. Leader may be nil, in
// which case this worker always runs the reconciler.
type EngineDeps struct {
	Repo       transfer.TaskRepository
	Bus        events.EventBus
	Broadcast  events.EventBus
	Remotes    transfer.RemoteClientFactory
	Transferer transfer.Transferer
	Leader     cluster.Coordinator
	Metrics    *Metrics
}

// NewEngine builds the handlers. Nothing runs until Start.
func NewEngine(cfg EngineConfig, deps EngineDeps, logger *logger.Logger, tracer trace.Tracer) (*Engine, error) {
	if deps.Repo == nil || deps.Bus == nil || deps.Metrics == nil {
		return nil, errors.New("repo, bus and metrics are required")
	}
	if deps.Broadcast == nil {
		deps.Broadcast = deps.Bus
	}
	logger = logger.With("worker_id", cfg.WorkerID)

	publisher := events.NewBusPublisher(deps.Bus)
	broadcaster := events.NewBusPublisher(deps.Broadcast)
	cache := NewInterruptCache()
	m := deps.Metrics

	submitter, err := NewSubmitter(deps.Repo, publisher, m, logger, tracer)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		bus:        deps.Bus,
		broadcast:  deps.Broadcast,
		leader:     deps.Leader,
		cache:      cache,
		dispatcher: eventdispatcher.New(cfg.WorkerID, tracer, logger),
		sync:       NewInterruptSyncHandler(cache, logger, tracer),
		interrupts: NewInterruptCoordinator(deps.Repo, publisher, broadcaster, cache, m, logger, tracer),
		reconciler: NewHealthReconciler(deps.Repo, publisher, cfg.Health, m, logger, tracer),
		submitter:  submitter,
		logger:     logger.With("component", "transfer_engine"),
		tracer:     tracer,
	}

	e.handlers = []events.EventHandler{
		NewAdmissionHandler(deps.Repo, publisher, cache, m, logger, tracer),
		NewCompletionHandler(deps.Repo, publisher, cache, m, logger, tracer),
		NewErrorHandler(deps.Repo, publisher, cache, cfg.MaxAttempts, m, logger, tracer),
		NewProgressHandler(deps.Repo, publisher, cache, m, logger, tracer),
		NewHealthCheckHandler(deps.Repo, publisher, broadcaster, cache, m, logger, tracer),
		NewNotificationHandler(publisher, m, logger, tracer),
		e.interrupts,
	}
	if deps.Remotes != nil {
		e.handlers = append(e.handlers, NewAssignmentHandler(deps.Repo, publisher, deps.Remotes, cache, m, logger, tracer))
	}
	if deps.Transferer != nil {
		e.copier = NewTransferWorker(deps.Repo, publisher, deps.Transferer, cache, cfg.CopyWorkers, m, logger, tracer)
		e.handlers = append(e.handlers, e.copier)
	}
	return e, nil
}

// Start registers the handlers, subscribes to both buses and, on the
// leader, starts the reconciler. Subscriptions end when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	for _, h := range e.handlers {
		if err := e.dispatcher.RegisterHandler(ctx, h); err != nil {
			return fmt.Errorf("failed to register %T: %w", h, err)
		}
	}

	if e.copier != nil {
		e.copier.Start(ctx)
	}
	if err := e.bus.Subscribe(ctx, e.dispatcher.SupportedEvents(), e.dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	if err := e.broadcast.Subscribe(ctx, e.sync.SupportedEvents(), e.sync.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to broadcast events: %w", err)
	}

	if e.leader == nil {
		e.reconciler.Start(ctx)
	} else {
		e.leader.OnLeadershipChange(func(isLeader bool) {
			e.logger.Info(ctx, "Leadership changed", "is_leader", isLeader)
			if isLeader {
				e.reconciler.Start(ctx)
				return
			}
			e.reconciler.Stop()
		})
		go func() {
			if err := e.leader.Start(ctx); err != nil {
				e.logger.Error(ctx, "Leader election stopped", "error", err)
			}
		}()
	}

	e.logger.Info(ctx, "Transfer engine started", "event_types", e.dispatcher.SupportedEvents())
	return nil
}

// Stop halts the reconciler, the copy pool and leader election. Bus
// subscriptions stop with the context given to Start.
func (e *Engine) Stop() error {
	e.reconciler.Stop()
	if e.copier != nil {
		e.copier.Stop()
	}
	if e.leader != nil {
		return e.leader.Stop()
	}
	return nil
}

// Submitter returns the engine's submission entry point.
func (e *Engine) Submitter() *Submitter { return e.submitter }

// Interrupts returns the cancel and pause coordinator.
func (e *Engine) Interrupts() *InterruptCoordinator { return e.interrupts }

// Reconciler returns the health reconciler.
func (e *Engine) Reconciler() *HealthReconciler { return e.reconciler }

// InflightCopies reports copies queued or running on this worker.
func (e *Engine) InflightCopies() int64 {
	if e.copier == nil {
		return 0
	}
	return e.copier.Inflight()
}

// Cache returns this worker's interrupt cache.
func (e *Engine) Cache() *InterruptCache { return e.cache }
