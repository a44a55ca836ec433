package kubernetes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

func testConfig(identity string) Config {
	return Config{
		Namespace:     "default",
		LeaderLockID:  "transferd-reconciler",
		Identity:      identity,
		LeaseDuration: time.Second,
		RenewDeadline: 500 * time.Millisecond,
		RetryPeriod:   100 * time.Millisecond,
	}
}

type leadershipRecorder struct {
	mu      sync.Mutex
	changes []bool
}

func (r *leadershipRecorder) record(isLeader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, isLeader)
}

func (r *leadershipRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func TestCoordinator_LeaderElection(t *testing.T) {
	client := fake.NewSimpleClientset()
	tracer := noop.NewTracerProvider().Tracer("test")

	c, err := NewCoordinator("worker-1", testConfig("pod-a"), client, logger.Noop(), tracer)
	require.NoError(t, err)

	rec := new(leadershipRecorder)
	c.OnLeadershipChange(rec.record)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1 && c.IsLeader()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())

	lease, err := client.CoordinationV1().Leases("default").Get(ctx, "transferd-reconciler", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "pod-a", *lease.Spec.HolderIdentity)

	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestCoordinator_SecondCandidateWaits(t *testing.T) {
	client := fake.NewSimpleClientset()
	tracer := noop.NewTracerProvider().Tracer("test")

	leader, err := NewCoordinator("worker-1", testConfig("pod-a"), client, logger.Noop(), tracer)
	require.NoError(t, err)
	follower, err := NewCoordinator("worker-2", testConfig("pod-b"), client, logger.Noop(), tracer)
	require.NoError(t, err)

	leaderRec, followerRec := new(leadershipRecorder), new(leadershipRecorder)
	leader.OnLeadershipChange(leaderRec.record)
	follower.OnLeadershipChange(followerRec.record)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _ = leader.Start(ctx) }()
	require.Eventually(t, leader.IsLeader, 5*time.Second, 20*time.Millisecond)

	go func() { _ = follower.Start(ctx) }()
	time.Sleep(300 * time.Millisecond)
	assert.False(t, follower.IsLeader())
	assert.Empty(t, followerRec.snapshot())

	// Releasing the lease hands it over.
	require.NoError(t, leader.Stop())
	require.Eventually(t, follower.IsLeader, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, follower.Stop())
}

func TestNewCoordinator_Validation(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	_, err := NewCoordinator("worker-1", Config{}, fake.NewSimpleClientset(), logger.Noop(), tracer)
	assert.Error(t, err)
}
