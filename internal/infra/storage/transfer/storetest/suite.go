// Package storetest holds the behavioral checks every transfer.TaskRepository
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) transfer.TaskRepository

// Run executes the full repository suite against newRepo.
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, repo transfer.TaskRepository)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ConditionalStatus", testConditionalStatus},
		{"InterruptedDoesNotResume", testInterruptedDoesNotResume},
		{"CreateOrGetChildIdempotent", testCreateOrGetChild},
		{"ChildQueries", testChildQueries},
		{"UpdateTask", testUpdateTask},
		{"SetStatusWhereNotTerminal", testSetStatusWhereNotTerminal},
		{"ActiveRootTasks", testActiveRootTasks},
		{"StaleTasks", testStaleTasks},
		{"ConcurrentFinalize", testConcurrentFinalize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepo(t))
		})
	}
}

func newRoot(t *testing.T, repo transfer.TaskRepository, tenant string) *transfer.Task {
	t.Helper()
	root := transfer.NewRootTask(tenant, "alice", "file:///src", "file:///dst")
	require.NoError(t, repo.CreateTask(context.Background(), root))
	return root
}

func newChild(t *testing.T, repo transfer.TaskRepository, parent *transfer.Task, name string, status transfer.TaskStatus) *transfer.Task {
	t.Helper()
	child := transfer.NewChildTask(parent, parent.Source()+"/"+name, parent.Dest()+"/"+name, status)
	got, err := repo.CreateOrGetChild(context.Background(), child)
	require.NoError(t, err)
	return got
}

func setStatus(t *testing.T, repo transfer.TaskRepository, task *transfer.Task, status transfer.TaskStatus) {
	t.Helper()
	_, applied, err := repo.UpdateStatus(context.Background(), task.TenantID(), task.ID(), status)
	require.NoError(t, err)
	require.True(t, applied)
}

func testCreateAndGet(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant-a")

	got, err := repo.GetTask(ctx, "tenant-a", root.ID())
	require.NoError(t, err)
	assert.Equal(t, root.ID(), got.ID())
	assert.Equal(t, "alice", got.Owner())
	assert.Equal(t, "file:///src", got.Source())
	assert.Equal(t, transfer.TaskStatusCreated, got.Status())
	assert.True(t, got.IsRoot())

	_, err = repo.GetTask(ctx, "tenant-b", root.ID())
	assert.ErrorIs(t, err, transfer.ErrTaskNotFound)

	_, err = repo.GetTask(ctx, "tenant-a", uuid.New())
	assert.ErrorIs(t, err, transfer.ErrTaskNotFound)

	_, _, err = repo.UpdateStatus(ctx, "tenant-a", uuid.New(), transfer.TaskStatusAssigned)
	assert.ErrorIs(t, err, transfer.ErrTaskNotFound)
}

func testConditionalStatus(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")

	got, applied, err := repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusAssigned)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, transfer.TaskStatusAssigned, got.Status())
	assert.False(t, got.StartTime().IsZero())
	assert.True(t, got.EndTime().IsZero())

	got, applied, err = repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, got.EndTime().IsZero())

	got, applied, err = repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusAssigned)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, transfer.TaskStatusCompleted, got.Status())

	_, applied, err = repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusCancelled)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := repo.GetTask(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.Equal(t, transfer.TaskStatusCompleted, stored.Status())
}

func testInterruptedDoesNotResume(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")
	setStatus(t, repo, root, transfer.TaskStatusPauseWaiting)

	got, applied, err := repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusAssigned)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, transfer.TaskStatusPauseWaiting, got.Status())

	_, applied, err = repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusPaused)
	require.NoError(t, err)
	assert.True(t, applied)
}

func testCreateOrGetChild(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")

	first := newChild(t, repo, root, "a", transfer.TaskStatusCreated)
	dup := transfer.NewChildTask(root, root.Source()+"/a", root.Dest()+"/a", transfer.TaskStatusCreated)
	second, err := repo.CreateOrGetChild(ctx, dup)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, root.ID(), second.ParentTaskID())
	assert.Equal(t, root.ID(), second.RootTaskID())

	sum, err := repo.ChildSummary(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
}

func testChildQueries(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")

	done, err := repo.AllChildrenCancelledOrCompleted(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.True(t, done, "no children is vacuously done")

	a := newChild(t, repo, root, "a", transfer.TaskStatusAssigned)
	b := newChild(t, repo, root, "b", transfer.TaskStatusAssigned)

	done, err = repo.AllChildrenCancelledOrCompleted(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.False(t, done)

	a.MarkFileTransferred(100)
	require.NoError(t, a.UpdateStatus(transfer.TaskStatusCompleted))
	_, applied, err := repo.UpdateTask(ctx, a)
	require.NoError(t, err)
	require.True(t, applied)
	setStatus(t, repo, b, transfer.TaskStatusPaused)

	quiet, err := repo.AllChildrenQuiescent(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.True(t, quiet)

	done, err = repo.AllChildrenCancelledOrCompleted(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.False(t, done)

	setStatus(t, repo, b, transfer.TaskStatusFailed)

	done, err = repo.AllChildrenCancelledOrCompleted(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.True(t, done)

	sum, err := repo.ChildSummary(ctx, "tenant", root.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Terminal)
	assert.Equal(t, 1, sum.Errored)
	assert.Equal(t, int64(100), sum.BytesTransferred)
	assert.Equal(t, int64(1), sum.TotalFiles)
	assert.Equal(t, transfer.TaskStatusCompletedWithErrors, sum.FinalStatus())
}

func testUpdateTask(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")

	root.IncrementAttempts()
	root.RecordProgress(10, 50)
	require.NoError(t, root.UpdateStatus(transfer.TaskStatusRetrying))

	got, applied, err := repo.UpdateTask(ctx, root)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, got.Attempts())
	assert.Equal(t, int64(10), got.BytesTransferred())
	assert.Equal(t, int64(50), got.TotalSize())
	assert.Equal(t, transfer.TaskStatusRetrying, got.Status())

	setStatus(t, repo, root, transfer.TaskStatusFailed)
	root.IncrementAttempts()
	got, applied, err = repo.UpdateTask(ctx, root)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, got.Attempts())
	assert.Equal(t, transfer.TaskStatusFailed, got.Status())
}

func testSetStatusWhereNotTerminal(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")
	a := newChild(t, repo, root, "a", transfer.TaskStatusAssigned)
	b := newChild(t, repo, root, "b", transfer.TaskStatusAssigned)
	c := newChild(t, repo, a, "c", transfer.TaskStatusCreated)
	setStatus(t, repo, b, transfer.TaskStatusCompleted)
	other := newRoot(t, repo, "tenant")

	n, err := repo.SetStatusWhereNotTerminal(ctx, "tenant", root.ID(), transfer.TaskStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, id := range []uuid.UUID{root.ID(), a.ID(), c.ID()} {
		got, err := repo.GetTask(ctx, "tenant", id)
		require.NoError(t, err)
		assert.Equal(t, transfer.TaskStatusCancelled, got.Status())
	}
	got, err := repo.GetTask(ctx, "tenant", b.ID())
	require.NoError(t, err)
	assert.Equal(t, transfer.TaskStatusCompleted, got.Status())

	got, err = repo.GetTask(ctx, "tenant", other.ID())
	require.NoError(t, err)
	assert.Equal(t, transfer.TaskStatusCreated, got.Status())
}

func testActiveRootTasks(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	active := newRoot(t, repo, "tenant-a")
	setStatus(t, repo, active, transfer.TaskStatusAssigned)
	done := newRoot(t, repo, "tenant-b")
	setStatus(t, repo, done, transfer.TaskStatusCompleted)
	paused := newRoot(t, repo, "tenant-a")
	setStatus(t, repo, paused, transfer.TaskStatusPaused)
	_ = newChild(t, repo, active, "x", transfer.TaskStatusAssigned)

	refs, err := repo.ActiveRootTasks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []transfer.TaskRef{{TenantID: "tenant-a", ID: active.ID()}}, refs)
}

func testStaleTasks(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()

	stuck := newRoot(t, repo, "tenant")
	setStatus(t, repo, stuck, transfer.TaskStatusAssigned)
	child := newChild(t, repo, stuck, "a", transfer.TaskStatusAssigned)
	setStatus(t, repo, child, transfer.TaskStatusCompleted)

	busy := newRoot(t, repo, "tenant")
	setStatus(t, repo, busy, transfer.TaskStatusAssigned)
	running := newChild(t, repo, busy, "b", transfer.TaskStatusTransferring)

	leaf := newRoot(t, repo, "tenant")
	setStatus(t, repo, leaf, transfer.TaskStatusAssigned)

	paused := newRoot(t, repo, "tenant")
	setStatus(t, repo, paused, transfer.TaskStatusPaused)

	stale, err := repo.StaleTasks(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = repo.StaleTasks(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, s := range stale {
		ids = append(ids, s.ID())
	}
	// busy still has an open child; the completed child and the paused root rest.
	assert.ElementsMatch(t, []uuid.UUID{stuck.ID(), running.ID(), leaf.ID()}, ids)
}

func testConcurrentFinalize(t *testing.T, repo transfer.TaskRepository) {
	ctx := context.Background()
	root := newRoot(t, repo, "tenant")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.UpdateStatus(ctx, "tenant", root.ID(), transfer.TaskStatusCompleted)
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}
