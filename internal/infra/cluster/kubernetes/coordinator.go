// Package kubernetes elects the worker that runs the health reconciler using
// a Kubernetes lease.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/transfer-armada/internal/app/cluster"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Config identifies the lease and this worker's claim on it.
type Config struct {
	Namespace    string
	LeaderLockID string
	Identity     string

	// KubeConfig and Context select a cluster outside of in-cluster mode.
	KubeConfig string
	Context    string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
	return c
}

// Coordinator runs lease-based leader election. Only one worker holds the
// lease at a time, so only one runs the periodic sweeps.
type Coordinator struct {
	workerID string
	cfg      Config
	client   kubernetes.Interface

	leaderElector *leaderelection.LeaderElector

	mu                 sync.Mutex
	leadershipChangeCB func(isLeader bool)
	cancel             context.CancelFunc
	done               chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator for workerID. A nil client is built
// from cfg.KubeConfig or the in-cluster environment.
func NewCoordinator(
	workerID string,
	cfg Config,
	client kubernetes.Interface,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(attribute.String("worker_id", workerID)))
	defer span.End()

	if cfg.Namespace == "" || cfg.LeaderLockID == "" {
		err := errors.New("namespace and leader lock id are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if cfg.Identity == "" {
		cfg.Identity = workerID
	}
	cfg = cfg.withDefaults()

	logger = logger.With(
		"component", "kubernetes_coordinator",
		"namespace", cfg.Namespace,
		"leader_lock_id", cfg.LeaderLockID,
		"identity", cfg.Identity,
	)

	if client == nil {
		var err error
		if client, err = newClient(cfg.KubeConfig, cfg.Context); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create kubernetes client")
			return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
		}
		span.AddEvent("kubernetes_client_created")
	}

	c := &Coordinator{
		workerID: workerID,
		cfg:      cfg,
		client:   client,
		logger:   logger,
		tracer:   tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderLockID,
			Namespace: cfg.Namespace,
		},
		Client:     client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: cfg.Identity},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaderLockID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
			OnNewLeader:      c.onNewLeader,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.leaderElector = elector
	span.AddEvent("leader_elector_created")
	return c, nil
}

// Start campaigns for the lease and blocks until ctx is done or Stop is
// called. Losing the lease does not end Start; the elector campaigns again.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.start",
		trace.WithAttributes(attribute.String("worker_id", c.workerID)))

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		span.End()
		return errors.New("coordinator already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.logger.Info(ctx, "Starting leader elector")
	span.AddEvent("leader_elector_started")
	span.End()

	defer close(done)
	for ctx.Err() == nil {
		c.leaderElector.Run(ctx)
	}
	return nil
}

// Stop releases the lease and waits for Start to return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	c.logger.Info(context.Background(), "Stopping leader elector")
	cancel()
	<-done
	return nil
}

// OnLeadershipChange registers the callback invoked when this worker gains
// or loses the lease.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

// IsLeader reports whether this worker currently holds the lease.
func (c *Coordinator) IsLeader() bool { return c.leaderElector.IsLeader() }

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("worker_id", c.workerID)))
	defer span.End()

	c.logger.Info(ctx, "Became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("worker_id", c.workerID)))
	defer span.End()

	c.logger.Info(ctx, "Lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}

func (c *Coordinator) onNewLeader(identity string) {
	if identity == c.cfg.Identity {
		return
	}
	c.logger.Info(context.Background(), "Observed new leader", "leader", identity)
}
