package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	membus "github.com/ahrav/transfer-armada/internal/infra/eventbus/memory"
	memstore "github.com/ahrav/transfer-armada/internal/infra/storage/transfer/memory"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

const idleTimeout = 5 * time.Second

type engineHarness struct {
	t    *testing.T
	ctx  context.Context
	repo *memstore.TaskStore
	bus  *membus.EventBus

	mu       sync.Mutex
	engines  []*Engine
	finished []transfer.TaskEvent
}

func newEngineHarness(t *testing.T, opts ...membus.Option) *engineHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := membus.NewEventBus(logger.Noop(), testTracer(), opts...)
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})

	h := &engineHarness{t: t, ctx: ctx, repo: memstore.NewTaskStore(), bus: bus}
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{transfer.EventTypeTaskFinished},
		func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			h.mu.Lock()
			h.finished = append(h.finished, evt.Payload.(transfer.TaskEvent))
			h.mu.Unlock()
			ack(nil)
			return nil
		}))
	return h
}

func (h *engineHarness) startEngine(id string, remotes transfer.RemoteClientFactory, tr transfer.Transferer) *Engine {
	h.t.Helper()
	return h.startEngineConfig(EngineConfig{WorkerID: id, MaxAttempts: 3}, remotes, tr)
}

func (h *engineHarness) startEngineConfig(cfg EngineConfig, remotes transfer.RemoteClientFactory, tr transfer.Transferer) *Engine {
	h.t.Helper()
	e, err := NewEngine(cfg, EngineDeps{
		Repo:       h.repo,
		Bus:        h.bus,
		Remotes:    remotes,
		Transferer: tr,
		Metrics:    testMetrics(h.t),
	}, logger.Noop(), testTracer())
	require.NoError(h.t, err)
	require.NoError(h.t, e.Start(h.ctx))
	h.t.Cleanup(func() { _ = e.Stop() })

	h.mu.Lock()
	h.engines = append(h.engines, e)
	h.mu.Unlock()
	return e
}

func (h *engineHarness) inflightCopies() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for _, e := range h.engines {
		n += e.InflightCopies()
	}
	return n
}

// waitIdle returns once the bus has no deliveries and no engine has copies
// queued or running, stable across several consecutive checks. A copy
// finishing after the bus drained publishes more events.
func (h *engineHarness) waitIdle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, idleTimeout)
	defer cancel()

	const stableChecks = 3
	for quiet := 0; quiet < stableChecks; {
		require.NoError(h.t, h.bus.WaitIdle(ctx))
		if h.bus.Pending() == 0 && h.inflightCopies() == 0 {
			quiet++
		} else {
			quiet = 0
		}
		select {
		case <-ctx.Done():
			h.t.Fatalf("engines not idle: %d copies in flight", h.inflightCopies())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *engineHarness) finishedFor(id uuid.UUID) []transfer.TaskEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transfer.TaskEvent
	for _, ev := range h.finished {
		if ev.Task.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

// descendants walks the tree below root breadth first.
func (h *engineHarness) descendants(root *transfer.Task) []*transfer.Task {
	h.t.Helper()
	var out []*transfer.Task
	queue := []*transfer.Task{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range h.children(cur) {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func (h *engineHarness) children(parent *transfer.Task) []*transfer.Task {
	children, err := h.repo.ChildTasks(h.ctx, parent.TenantID(), parent.ID())
	require.NoError(h.t, err)
	return children
}

func submit(t *testing.T, e *Engine, src, dst string) *transfer.Task {
	t.Helper()
	root, err := e.Submitter().Submit(context.Background(), SubmitRequest{
		TenantID: "tenant-1", Owner: "alice", Source: src, Dest: dst,
	})
	require.NoError(t, err)
	return root
}

func treeFS() *fakeFS {
	fs := newFakeFS().
		addFile("/src/a.txt", 10).
		addFile("/src/b.txt", 20).
		addFile("/src/docs/c.txt", 30).
		addFile("/src/docs/d.txt", 40).
		addDir("/src/empty")
	fs.dirs["/src"] = append(fs.dirs["/src"], "docs", "empty")
	return fs
}

func TestEngine_TransfersTreeAndFinishesOnce(t *testing.T) {
	h := newEngineHarness(t)
	fs := treeFS()
	tr := &fakeTransferer{fs: fs}

	// Two workers on one fan-out bus see every event twice.
	e := h.startEngine("worker-1", fs, tr)
	h.startEngine("worker-2", fs, tr)

	root := submit(t, e, "file:///src", "file:///dst")
	h.waitIdle()

	stored := getTask(t, h.repo, root.ID())
	assert.Equal(t, transfer.TaskStatusCompleted, stored.Status())
	assert.Equal(t, int64(100), stored.BytesTransferred())
	assert.Equal(t, int64(4), stored.TotalFiles())
	assert.Len(t, h.finishedFor(root.ID()), 1)

	nodes := h.descendants(root)
	assert.Len(t, nodes, 6)
	for _, n := range nodes {
		assert.Equal(t, transfer.TaskStatusCompleted, n.Status(), n.Source())
	}
}

func TestEngine_RetriesRecoverableFailure(t *testing.T) {
	h := newEngineHarness(t)
	fs := newFakeFS().addFile("/src/report.csv", 64)
	tr := &fakeTransferer{fs: fs, flaky: 1}
	e := h.startEngine("worker-1", fs, tr)

	root := submit(t, e, "file:///src/report.csv", "file:///dst/report.csv")
	h.waitIdle()

	stored := getTask(t, h.repo, root.ID())
	assert.Equal(t, transfer.TaskStatusCompleted, stored.Status())
	assert.Equal(t, 1, stored.Attempts())
	assert.Equal(t, []string{"/dst/report.csv"}, tr.copies)
	assert.Len(t, h.finishedFor(root.ID()), 1)
}

func TestEngine_ExhaustedRetriesFinishWithErrors(t *testing.T) {
	h := newEngineHarness(t)
	fs := newFakeFS().addFile("/src/a.txt", 1).addFile("/src/b.txt", 2)
	tr := &fakeTransferer{fs: fs, flaky: 100}
	e := h.startEngine("worker-1", fs, tr)

	root := submit(t, e, "file:///src", "file:///dst")
	h.waitIdle()

	assert.Equal(t, transfer.TaskStatusCompletedWithErrors, getTask(t, h.repo, root.ID()).Status())
	for _, n := range h.descendants(root) {
		assert.Equal(t, transfer.TaskStatusFailed, n.Status())
		assert.Equal(t, 3, n.Attempts())
	}
	assert.Len(t, h.finishedFor(root.ID()), 1)
}

func TestEngine_CancelPropagatesThroughTree(t *testing.T) {
	h := newEngineHarness(t)
	fs := treeFS()
	tr := &fakeTransferer{fs: fs, block: make(chan struct{}), started: make(chan struct{}, 1)}

	coordinator := h.startEngine("coordinator", fs, nil)
	copier := h.startEngine("copier", nil, tr)

	root := submit(t, coordinator, "file:///src", "file:///dst")
	select {
	case <-tr.started:
	case <-time.After(idleTimeout):
		t.Fatal("no copy started")
	}

	require.NoError(t, coordinator.Submitter().Cancel(context.Background(), "tenant-1", root.ID()))
	// Running copies are aborted, so the tree settles while the copies are
	// still blocked.
	require.Eventually(t, func() bool {
		return getTask(t, h.repo, root.ID()).Status() == transfer.TaskStatusCancelled
	}, idleTimeout, 5*time.Millisecond)

	close(tr.block)
	h.waitIdle()

	assert.Equal(t, transfer.TaskStatusCancelled, getTask(t, h.repo, root.ID()).Status())
	for _, n := range h.descendants(root) {
		assert.True(t, n.Status().IsTerminal(), "%s left in %s", n.Source(), n.Status())
	}
	assert.Zero(t, coordinator.Cache().Len())
	assert.Zero(t, copier.Cache().Len())
	assert.Empty(t, h.finishedFor(root.ID()))
}

func TestEngine_CancelWhileCopyBlockedOnSingleWorker(t *testing.T) {
	h := newEngineHarness(t)
	fs := treeFS().addFile("/other/x.txt", 3)
	tr := &fakeTransferer{fs: fs, block: make(chan struct{}), started: make(chan struct{}, 1)}
	e := h.startEngine("worker-1", fs, tr)

	a := submit(t, e, "file:///src", "file:///dst")
	select {
	case <-tr.started:
	case <-time.After(idleTimeout):
		t.Fatal("no copy started")
	}

	// Dispatch stays live while every copy of a is blocked.
	require.NoError(t, e.Submitter().Cancel(context.Background(), "tenant-1", a.ID()))
	require.Eventually(t, func() bool {
		return getTask(t, h.repo, a.ID()).Status() == transfer.TaskStatusCancelled
	}, idleTimeout, 5*time.Millisecond)

	b := submit(t, e, "file:///other/x.txt", "file:///out/x.txt")
	require.Eventually(t, func() bool {
		return getTask(t, h.repo, b.ID()).Status() != transfer.TaskStatusCreated
	}, idleTimeout, 5*time.Millisecond, "second submission admitted while a copy is blocked")

	close(tr.block)
	h.waitIdle()

	for _, n := range h.descendants(a) {
		assert.True(t, n.Status().IsTerminal(), "%s left in %s", n.Source(), n.Status())
	}
	assert.Empty(t, h.finishedFor(a.ID()))
	assert.Equal(t, transfer.TaskStatusCompleted, getTask(t, h.repo, b.ID()).Status())
	assert.Len(t, h.finishedFor(b.ID()), 1)
	assert.Zero(t, e.Cache().Len())
}

func TestEngine_PauseSettlesTree(t *testing.T) {
	h := newEngineHarness(t)
	fs := treeFS()
	tr := &fakeTransferer{fs: fs, block: make(chan struct{}), started: make(chan struct{}, 1)}

	coordinator := h.startEngine("coordinator", fs, nil)
	h.startEngine("copier", nil, tr)

	root := submit(t, coordinator, "file:///src", "file:///dst")
	select {
	case <-tr.started:
	case <-time.After(idleTimeout):
		t.Fatal("no copy started")
	}

	require.NoError(t, coordinator.Submitter().Pause(context.Background(), "tenant-1", root.ID()))
	require.Eventually(t, func() bool {
		return getTask(t, h.repo, root.ID()).Status() == transfer.TaskStatusPaused
	}, idleTimeout, 5*time.Millisecond)

	close(tr.block)
	h.waitIdle()

	assert.Equal(t, transfer.TaskStatusPaused, getTask(t, h.repo, root.ID()).Status())
	for _, n := range h.descendants(root) {
		assert.True(t, n.Status().IsQuiescent(), "%s left in %s", n.Source(), n.Status())
	}
	assert.Zero(t, coordinator.Cache().Len())
}

func TestEngine_ReconcilerRecoversDroppedCompletion(t *testing.T) {
	dropRootCompletion := func(evt events.EventEnvelope) bool {
		ev, ok := evt.Payload.(transfer.TaskEvent)
		return ok && evt.Type == transfer.EventTypeTaskCompleted && ev.Task.IsRoot()
	}
	h := newEngineHarness(t, membus.WithDropFilter(dropRootCompletion))
	fs := newFakeFS().addFile("/src/a.txt", 5).addFile("/src/b.txt", 7)
	e := h.startEngine("worker-1", fs, &fakeTransferer{fs: fs})

	root := submit(t, e, "file:///src", "file:///dst")
	h.waitIdle()
	require.Equal(t, transfer.TaskStatusAssigned, getTask(t, h.repo, root.ID()).Status())
	require.Empty(t, h.finishedFor(root.ID()))

	require.NoError(t, e.Reconciler().SweepRoots(context.Background()))
	h.waitIdle()

	stored := getTask(t, h.repo, root.ID())
	assert.Equal(t, transfer.TaskStatusCompleted, stored.Status())
	assert.Equal(t, int64(12), stored.BytesTransferred())
	assert.Len(t, h.finishedFor(root.ID()), 1)

	// Further sweeps find nothing to do.
	require.NoError(t, e.Reconciler().SweepRoots(context.Background()))
	h.waitIdle()
	assert.Len(t, h.finishedFor(root.ID()), 1)
}

func TestEngine_StaleSweepSettlesTreeWithLostLeafCompletion(t *testing.T) {
	var dropped atomic.Bool
	dropLeafCompletion := func(evt events.EventEnvelope) bool {
		ev, ok := evt.Payload.(transfer.TaskEvent)
		if !ok || evt.Type != transfer.EventTypeTaskCompleted || ev.Task.Source != "file:///src/b.txt" {
			return false
		}
		return dropped.CompareAndSwap(false, true)
	}
	h := newEngineHarness(t, membus.WithDropFilter(dropLeafCompletion))
	fs := newFakeFS().addFile("/src/a.txt", 5).addFile("/src/b.txt", 7)
	e := h.startEngineConfig(EngineConfig{
		WorkerID:    "worker-1",
		MaxAttempts: 3,
		Health:      HealthConfig{StaleAfter: time.Nanosecond},
	}, fs, &fakeTransferer{fs: fs})

	root := submit(t, e, "file:///src", "file:///dst")
	h.waitIdle()
	require.True(t, dropped.Load())
	require.Equal(t, transfer.TaskStatusAssigned, getTask(t, h.repo, root.ID()).Status())

	// Root checks alone cannot help while a leaf is stuck.
	require.NoError(t, e.Reconciler().SweepRoots(context.Background()))
	h.waitIdle()
	require.Empty(t, h.finishedFor(root.ID()))

	for range 3 {
		if len(h.finishedFor(root.ID())) > 0 {
			break
		}
		require.NoError(t, e.Reconciler().SweepRoots(context.Background()))
		require.NoError(t, e.Reconciler().SweepStaleTasks(context.Background()))
		h.waitIdle()
	}

	assert.Len(t, h.finishedFor(root.ID()), 1)
	assert.Equal(t, transfer.TaskStatusCompletedWithErrors, getTask(t, h.repo, root.ID()).Status())
	statuses := map[string]transfer.TaskStatus{}
	for _, n := range h.descendants(root) {
		statuses[n.Source()] = n.Status()
	}
	assert.Equal(t, map[string]transfer.TaskStatus{
		"file:///src/a.txt": transfer.TaskStatusCompleted,
		"file:///src/b.txt": transfer.TaskStatusCancelledError,
	}, statuses)
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(EngineConfig{}, EngineDeps{}, logger.Noop(), testTracer())
	assert.Error(t, err)
}
