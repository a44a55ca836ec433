package transfer

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	memstore "github.com/ahrav/transfer-armada/internal/infra/storage/transfer/memory"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(noopmetric.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func envelope(ev events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: ev.EventType(), Timestamp: ev.OccurredAt(), Payload: ev}
}

func noopAck(error) {}

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, ev events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EventType
	for _, ev := range p.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (p *recordingPublisher) taskEvents(kind events.EventType) []transfer.TaskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transfer.TaskEvent
	for _, ev := range p.events {
		if te, ok := ev.(transfer.TaskEvent); ok && te.Kind == kind {
			out = append(out, te)
		}
	}
	return out
}

func (p *recordingPublisher) notifications() []transfer.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transfer.NotificationEvent
	for _, ev := range p.events {
		if n, ok := ev.(transfer.NotificationEvent); ok {
			out = append(out, n)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// fakeFS is an in-memory remote shared by every URI host. Directories map
// to their entry names; files map to their sizes.
type fakeFS struct {
	mu     sync.Mutex
	files  map[string]int64
	dirs   map[string][]string
	made   []string
	errs   map[string]error
	closed int
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string]int64{}, dirs: map[string][]string{}, errs: map[string]error{}}
}

func (f *fakeFS) addFile(p string, size int64) *fakeFS {
	f.files[p] = size
	dir, name := path.Split(p)
	dir = path.Clean(dir)
	f.dirs[dir] = append(f.dirs[dir], name)
	return f
}

func (f *fakeFS) addDir(p string) *fakeFS {
	if _, ok := f.dirs[p]; !ok {
		f.dirs[p] = nil
	}
	return f
}

func (f *fakeFS) Exists(_ context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, file := f.files[p]
	_, dir := f.dirs[p]
	return file || dir, nil
}

func (f *fakeFS) FileInfo(_ context.Context, p string) (transfer.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[p]; err != nil {
		return transfer.FileInfo{}, err
	}
	if size, ok := f.files[p]; ok {
		return transfer.FileInfo{Name: path.Base(p), Path: p, Size: size, IsFile: true}, nil
	}
	if _, ok := f.dirs[p]; ok {
		return transfer.FileInfo{Name: path.Base(p), Path: p}, nil
	}
	return transfer.FileInfo{}, transfer.NewFailure(transfer.CauseNotFound, errors.New(p+" not found"))
}

func (f *fakeFS) List(_ context.Context, p string) ([]transfer.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := append([]string(nil), f.dirs[p]...)
	sort.Strings(names)
	out := make([]transfer.FileInfo, 0, len(names))
	for _, n := range names {
		full := path.Join(p, n)
		size, isFile := f.files[full]
		out = append(out, transfer.FileInfo{Name: n, Path: full, Size: size, IsFile: isFile})
	}
	return out, nil
}

func (f *fakeFS) Mkdirs(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made = append(f.made, p)
	return nil
}

func (f *fakeFS) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// ClientFor implements transfer.RemoteClientFactory.
func (f *fakeFS) ClientFor(_ context.Context, _, _ string, uri *url.URL) (transfer.RemoteClient, string, error) {
	return f, uri.Path, nil
}

// fakeTransferer copies by size lookup in a fakeFS.
type fakeTransferer struct {
	fs      *fakeFS
	err     error
	block   chan struct{}
	started chan struct{}

	mu     sync.Mutex
	flaky  int
	copies []string
}

func (t *fakeTransferer) Copy(ctx context.Context, _, _ string, src, dst *url.URL, progress transfer.ProgressFunc) (int64, error) {
	if t.started != nil {
		select {
		case t.started <- struct{}{}:
		default:
		}
	}
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if t.err != nil {
		return 0, t.err
	}
	t.mu.Lock()
	if t.flaky > 0 {
		t.flaky--
		t.mu.Unlock()
		return 0, io.ErrUnexpectedEOF
	}
	t.mu.Unlock()

	t.fs.mu.Lock()
	size := t.fs.files[src.Path]
	t.fs.mu.Unlock()
	progress(size)

	t.mu.Lock()
	t.copies = append(t.copies, dst.Path)
	t.mu.Unlock()
	return size, nil
}

func seedRoot(t *testing.T, repo transfer.TaskRepository, src, dst string) *transfer.Task {
	t.Helper()
	root := transfer.NewRootTask("tenant-1", "alice", src, dst)
	require.NoError(t, repo.CreateTask(context.Background(), root))
	return root
}

func seedChild(t *testing.T, repo transfer.TaskRepository, parent *transfer.Task, name string, status transfer.TaskStatus) *transfer.Task {
	t.Helper()
	child := transfer.NewChildTask(parent, parent.Source()+"/"+name, parent.Dest()+"/"+name, transfer.TaskStatusCreated)
	got, err := repo.CreateOrGetChild(context.Background(), child)
	require.NoError(t, err)
	if status != transfer.TaskStatusCreated {
		return setStatus(t, repo, got, status)
	}
	return got
}

func setStatus(t *testing.T, repo transfer.TaskRepository, task *transfer.Task, status transfer.TaskStatus) *transfer.Task {
	t.Helper()
	updated, applied, err := repo.UpdateStatus(context.Background(), task.TenantID(), task.ID(), status)
	require.NoError(t, err)
	require.True(t, applied, "setting %s on %s", status, task.Status())
	return updated
}

func getTask(t *testing.T, repo transfer.TaskRepository, id uuid.UUID) *transfer.Task {
	t.Helper()
	task, err := repo.GetTask(context.Background(), "tenant-1", id)
	require.NoError(t, err)
	return task
}

type handlerFixture struct {
	repo      *memstore.TaskStore
	publisher *recordingPublisher
	broadcast *recordingPublisher
	cache     *InterruptCache
	metrics   *Metrics
	logger    *logger.Logger
	tracer    trace.Tracer
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	return &handlerFixture{
		repo:      memstore.NewTaskStore(),
		publisher: &recordingPublisher{},
		broadcast: &recordingPublisher{},
		cache:     NewInterruptCache(),
		metrics:   testMetrics(t),
		logger:    logger.Noop(),
		tracer:    testTracer(),
	}
}

// mockTaskRepository implements transfer.TaskRepository for failure injection.
type mockTaskRepository struct{ mock.Mock }

func (m *mockTaskRepository) CreateTask(ctx context.Context, task *transfer.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *mockTaskRepository) CreateOrGetChild(ctx context.Context, task *transfer.Task) (*transfer.Task, error) {
	args := m.Called(ctx, task)
	if t := args.Get(0); t != nil {
		return t.(*transfer.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRepository) GetTask(ctx context.Context, tenantID string, id uuid.UUID) (*transfer.Task, error) {
	args := m.Called(ctx, tenantID, id)
	if t := args.Get(0); t != nil {
		return t.(*transfer.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRepository) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, status transfer.TaskStatus) (*transfer.Task, bool, error) {
	args := m.Called(ctx, tenantID, id, status)
	if t := args.Get(0); t != nil {
		return t.(*transfer.Task), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockTaskRepository) UpdateTask(ctx context.Context, task *transfer.Task) (*transfer.Task, bool, error) {
	args := m.Called(ctx, task)
	if t := args.Get(0); t != nil {
		return t.(*transfer.Task), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockTaskRepository) AllChildrenCancelledOrCompleted(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	args := m.Called(ctx, tenantID, parentID)
	return args.Bool(0), args.Error(1)
}

func (m *mockTaskRepository) AllChildrenQuiescent(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	args := m.Called(ctx, tenantID, parentID)
	return args.Bool(0), args.Error(1)
}

func (m *mockTaskRepository) ChildSummary(ctx context.Context, tenantID string, parentID uuid.UUID) (transfer.ChildSummary, error) {
	args := m.Called(ctx, tenantID, parentID)
	return args.Get(0).(transfer.ChildSummary), args.Error(1)
}

func (m *mockTaskRepository) SetStatusWhereNotTerminal(ctx context.Context, tenantID string, rootID uuid.UUID, status transfer.TaskStatus) (int64, error) {
	args := m.Called(ctx, tenantID, rootID, status)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTaskRepository) ActiveRootTasks(ctx context.Context) ([]transfer.TaskRef, error) {
	args := m.Called(ctx)
	if refs := args.Get(0); refs != nil {
		return refs.([]transfer.TaskRef), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRepository) StaleTasks(ctx context.Context, cutoff time.Time) ([]*transfer.Task, error) {
	args := m.Called(ctx, cutoff)
	if ts := args.Get(0); ts != nil {
		return ts.([]*transfer.Task), args.Error(1)
	}
	return nil, args.Error(1)
}
