package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

type mockTimeProvider struct{ now time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.now }

func newTestReconciler(t *testing.T, repo transfer.TaskRepository, pub *recordingPublisher, cfg HealthConfig) *HealthReconciler {
	t.Helper()
	return NewHealthReconciler(repo, pub, cfg, testMetrics(t), newHandlerFixture(t).logger, testTracer())
}

func TestHealthReconciler_SweepRoots(t *testing.T) {
	f := newHandlerFixture(t)
	active := setStatus(t, f.repo, seedRoot(t, f.repo, "file:///a", "file:///b"), transfer.TaskStatusAssigned)
	created := seedRoot(t, f.repo, "file:///c", "file:///d")
	setStatus(t, f.repo, seedRoot(t, f.repo, "file:///e", "file:///f"), transfer.TaskStatusCompleted)
	setStatus(t, f.repo, seedRoot(t, f.repo, "file:///g", "file:///h"), transfer.TaskStatusPaused)
	seedChild(t, f.repo, active, "x", transfer.TaskStatusAssigned)

	r := newTestReconciler(t, f.repo, f.publisher, HealthConfig{})
	require.NoError(t, r.SweepRoots(context.Background()))

	var ids []string
	for _, ev := range f.publisher.taskEvents(transfer.EventTypeTaskHealthcheck) {
		ids = append(ids, ev.Task.ID.String())
	}
	assert.ElementsMatch(t, []string{active.ID().String(), created.ID().String()}, ids)
}

func TestHealthReconciler_SweepStaleTasks(t *testing.T) {
	f := newHandlerFixture(t)
	root := setStatus(t, f.repo, seedRoot(t, f.repo, "file:///src", "file:///dst"), transfer.TaskStatusAssigned)
	stale := seedChild(t, f.repo, root, "stale", transfer.TaskStatusAssigned)
	seedChild(t, f.repo, stale, "a", transfer.TaskStatusCompleted)
	busy := seedChild(t, f.repo, root, "busy", transfer.TaskStatusAssigned)
	stuckLeaf := seedChild(t, f.repo, busy, "b", transfer.TaskStatusTransferring)

	r := newTestReconciler(t, f.repo, f.publisher, HealthConfig{StaleAfter: 10 * time.Minute})

	r.timeProvider = &mockTimeProvider{now: time.Now().UTC()}
	require.NoError(t, r.SweepStaleTasks(context.Background()))
	assert.Empty(t, f.publisher.types(), "recently touched tasks are not stale")

	r.timeProvider = &mockTimeProvider{now: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, r.SweepStaleTasks(context.Background()))

	var ids []string
	for _, ev := range f.publisher.taskEvents(transfer.EventTypeTaskHealthcheckParent) {
		ids = append(ids, ev.Task.ID.String())
	}
	// root and busy still have open children below them.
	assert.ElementsMatch(t, []string{stale.ID().String(), stuckLeaf.ID().String()}, ids)
}

func TestHealthReconciler_SweepErrors(t *testing.T) {
	listErr := errors.New("database unavailable")

	t.Run("list failure", func(t *testing.T) {
		repo := new(mockTaskRepository)
		repo.On("ActiveRootTasks", mock.Anything).Return(nil, listErr)

		r := newTestReconciler(t, repo, &recordingPublisher{}, HealthConfig{})
		assert.ErrorIs(t, r.SweepRoots(context.Background()), listErr)
		repo.AssertExpectations(t)
	})

	t.Run("publish failure", func(t *testing.T) {
		repo := new(mockTaskRepository)
		repo.On("ActiveRootTasks", mock.Anything).Return([]transfer.TaskRef{{TenantID: "tenant-1"}}, nil)

		pub := &recordingPublisher{err: errors.New("broker down")}
		r := newTestReconciler(t, repo, pub, HealthConfig{})
		assert.ErrorContains(t, r.SweepRoots(context.Background()), "broker down")
	})
}

func TestHealthReconciler_StartStop(t *testing.T) {
	f := newHandlerFixture(t)
	seedRoot(t, f.repo, "file:///src", "file:///dst")

	r := newTestReconciler(t, f.repo, f.publisher, HealthConfig{
		Interval:       10 * time.Millisecond,
		ParentInterval: time.Hour,
	})
	r.Start(context.Background())
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(f.publisher.taskEvents(transfer.EventTypeTaskHealthcheck)) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	seen := len(f.publisher.types())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, len(f.publisher.types()))
}

func TestHealthConfig_WithDefaults(t *testing.T) {
	got := HealthConfig{Interval: time.Second}.withDefaults()
	want := DefaultHealthConfig()
	want.Interval = time.Second
	assert.Equal(t, want, got)
}
