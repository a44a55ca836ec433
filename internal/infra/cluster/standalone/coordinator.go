// Package standalone provides a coordinator for single-worker deployments
// where this process is always the leader.
package standalone

import (
	"context"
	"sync"

	"github.com/ahrav/transfer-armada/internal/app/cluster"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator reports leadership as soon as it starts and gives it up on Stop.
type Coordinator struct {
	mu     sync.Mutex
	cb     func(isLeader bool)
	leader bool
	stop   chan struct{}

	logger *logger.Logger
}

// NewCoordinator creates a standalone coordinator.
func NewCoordinator(logger *logger.Logger) *Coordinator {
	return &Coordinator{stop: make(chan struct{}), logger: logger.With("component", "standalone_coordinator")}
}

// Start takes leadership and blocks until ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setLeader(ctx, true)
	select {
	case <-ctx.Done():
	case <-c.stop:
	}
	c.setLeader(ctx, false)
	return nil
}

// Stop releases leadership. It is safe to call more than once.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	return nil
}

// OnLeadershipChange registers the leadership callback.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Coordinator) setLeader(ctx context.Context, isLeader bool) {
	c.mu.Lock()
	if c.leader == isLeader {
		c.mu.Unlock()
		return
	}
	c.leader = isLeader
	cb := c.cb
	c.mu.Unlock()

	c.logger.Info(ctx, "Leadership changed", "is_leader", isLeader)
	if cb != nil {
		cb(isLeader)
	}
}
