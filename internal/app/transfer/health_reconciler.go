package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

type timeProvider interface {
	Now() time.Time
}

// realTimeProvider is a real implementation of the timeProvider interface.
type realTimeProvider struct{}

// Now returns the current time.
func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// HealthConfig tunes the reconciler.
type HealthConfig struct {
	// Interval between root sweeps.
	Interval time.Duration
	// ParentInterval between stale task sweeps.
	ParentInterval time.Duration
	// StaleAfter is how long an unfinished task may go without an update.
	StaleAfter time.Duration
	// PublishRate caps healthcheck events per second.
	PublishRate float64
	// Concurrency bounds in-flight publishes per sweep.
	Concurrency int
}

// DefaultHealthConfig returns the reconciler defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:       time.Minute,
		ParentInterval: 5 * time.Minute,
		StaleAfter:     10 * time.Minute,
		PublishRate:    100,
		Concurrency:    8,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ParentInterval <= 0 {
		c.ParentInterval = d.ParentInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.PublishRate <= 0 {
		c.PublishRate = d.PublishRate
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// HealthReconciler periodically publishes healthcheck events for active
// roots and stale tasks. Only the elected leader should run it.
type HealthReconciler struct {
	repo      transfer.TaskRepository
	publisher events.DomainEventPublisher
	metrics   *Metrics

	cfg     HealthConfig
	limiter *common.RateLimiter

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}

	timeProvider timeProvider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewHealthReconciler creates a stopped reconciler.
func NewHealthReconciler(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	cfg HealthConfig,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *HealthReconciler {
	cfg = cfg.withDefaults()
	return &HealthReconciler{
		repo:         repo,
		publisher:    publisher,
		metrics:      metrics,
		cfg:          cfg,
		limiter:      common.NewRateLimiter(cfg.PublishRate, cfg.Concurrency),
		timeProvider: realTimeProvider{},
		tracer:       tracer,
		logger:       logger.With("component", "health_reconciler"),
	}
}

// Start launches the sweep loop. Calling Start on a running reconciler is a
// no-op.
func (r *HealthReconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancelCause(ctx)
	r.done = make(chan struct{})
	rps, burst := r.limiter.Limit()
	r.logger.Info(ctx, "Health reconciler started",
		"interval", r.cfg.Interval,
		"parent_interval", r.cfg.ParentInterval,
		"stale_after", r.cfg.StaleAfter,
		"publish_rate", rps,
		"publish_burst", burst,
	)

	go func(done chan struct{}) {
		defer close(done)

		rootTicker := time.NewTicker(r.cfg.Interval)
		parentTicker := time.NewTicker(r.cfg.ParentInterval)
		defer func() {
			rootTicker.Stop()
			parentTicker.Stop()
		}()

		for {
			select {
			case <-rootTicker.C:
				if err := r.SweepRoots(ctx); err != nil {
					r.logger.Error(ctx, "Root sweep failed", "error", err)
				}
			case <-parentTicker.C:
				if err := r.SweepStaleTasks(ctx); err != nil {
					r.logger.Error(ctx, "Stale task sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}(r.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *HealthReconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel(fmt.Errorf("health reconciler stopped"))
	<-done
}

// SweepRoots publishes task.healthcheck for every active root.
func (r *HealthReconciler) SweepRoots(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "health_reconciler.sweep_roots")
	defer span.End()
	r.metrics.IncSweep(ctx, "roots")

	refs, err := r.repo.ActiveRootTasks(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active roots")
		return fmt.Errorf("failed to list active roots: %w", err)
	}
	span.SetAttributes(attribute.Int("roots", len(refs)))

	snaps := make([]transfer.TaskSnapshot, 0, len(refs))
	for _, ref := range refs {
		snaps = append(snaps, transfer.TaskSnapshot{ID: ref.ID, TenantID: ref.TenantID})
	}
	return r.publishAll(ctx, span, transfer.EventTypeTaskHealthcheck, snaps)
}

// SweepStaleTasks publishes task.healthcheck_parent for every task that has
// gone StaleAfter without an update while nothing below it is still open.
// Leaves are swept too, so a lost leaf event still lets the tree settle.
func (r *HealthReconciler) SweepStaleTasks(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "health_reconciler.sweep_stale_tasks")
	defer span.End()
	r.metrics.IncSweep(ctx, "stale_tasks")

	cutoff := r.timeProvider.Now().Add(-r.cfg.StaleAfter)
	span.SetAttributes(attribute.String("cutoff_time", cutoff.Format(time.RFC3339)))

	stale, err := r.repo.StaleTasks(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list stale tasks")
		return fmt.Errorf("failed to list stale tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("stale_tasks", len(stale)))

	snaps := make([]transfer.TaskSnapshot, 0, len(stale))
	for _, t := range stale {
		snaps = append(snaps, t.Snapshot())
	}
	return r.publishAll(ctx, span, transfer.EventTypeTaskHealthcheckParent, snaps)
}

func (r *HealthReconciler) publishAll(ctx context.Context, span trace.Span, kind events.EventType, snaps []transfer.TaskSnapshot) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, s := range snaps {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			ev := transfer.NewSnapshotEvent(kind, s)
			if err := r.publisher.PublishDomainEvent(gctx, ev, events.WithKey(ev.RoutingKey())); err != nil {
				return fmt.Errorf("failed to publish %s for %s: %w", kind, s.ID, err)
			}
			r.metrics.IncHealthcheckPublished(gctx, kind)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.AddEvent("healthchecks_published", trace.WithAttributes(attribute.Int("count", len(snaps))))
	return nil
}
