// Package memory provides an in-memory implementation of transfer.TaskRepository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

var _ transfer.TaskRepository = (*TaskStore)(nil)

type taskKey struct {
	tenantID string
	id       uuid.UUID
}

type childKey struct {
	tenantID string
	rootID   uuid.UUID
	source   string
	dest     string
}

// TaskStore keeps tasks in process memory. It is safe for concurrent use and
// applies the same conditional-write rules as the persistent stores.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[taskKey]transfer.TaskState
	children map[taskKey][]uuid.UUID
	byPath   map[childKey]uuid.UUID

	now func() time.Time
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:    make(map[taskKey]transfer.TaskState),
		children: make(map[taskKey][]uuid.UUID),
		byPath:   make(map[childKey]uuid.UUID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask persists a new task.
func (s *TaskStore) CreateTask(ctx context.Context, task *transfer.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(task.State())
	return nil
}

func (s *TaskStore) insertLocked(st transfer.TaskState) {
	k := taskKey{st.TenantID, st.ID}
	s.tasks[k] = st
	if st.ParentTaskID != uuid.Nil {
		pk := taskKey{st.TenantID, st.ParentTaskID}
		s.children[pk] = append(s.children[pk], st.ID)
		s.byPath[childKey{st.TenantID, st.RootTaskID, st.Source, st.Dest}] = st.ID
	}
}

// CreateOrGetChild persists the child unless one with the same root, source
// and destination already exists, in which case the existing one is returned.
func (s *TaskStore) CreateOrGetChild(ctx context.Context, task *transfer.Task) (*transfer.Task, error) {
	st := task.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	ck := childKey{st.TenantID, st.RootTaskID, st.Source, st.Dest}
	if id, ok := s.byPath[ck]; ok {
		return transfer.ReconstructTask(s.tasks[taskKey{st.TenantID, id}]), nil
	}
	s.insertLocked(st)
	return transfer.ReconstructTask(st), nil
}

// GetTask returns the task or transfer.ErrTaskNotFound.
func (s *TaskStore) GetTask(ctx context.Context, tenantID string, id uuid.UUID) (*transfer.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tasks[taskKey{tenantID, id}]
	if !ok {
		return nil, transfer.ErrTaskNotFound
	}
	return transfer.ReconstructTask(st), nil
}

// UpdateStatus conditionally moves the task to status.
func (s *TaskStore) UpdateStatus(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	status transfer.TaskStatus,
) (*transfer.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := taskKey{tenantID, id}
	st, ok := s.tasks[k]
	if !ok {
		return nil, false, transfer.ErrTaskNotFound
	}
	if !transfer.CanApply(st.Status, status) {
		return transfer.ReconstructTask(st), false, nil
	}

	t := transfer.ReconstructTask(st)
	t.ApplyStatus(status, s.now())
	s.tasks[k] = t.State()
	return t, true, nil
}

// UpdateTask conditionally replaces the task's status, attempts and counters.
func (s *TaskStore) UpdateTask(ctx context.Context, task *transfer.Task) (*transfer.Task, bool, error) {
	next := task.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := taskKey{next.TenantID, next.ID}
	st, ok := s.tasks[k]
	if !ok {
		return nil, false, transfer.ErrTaskNotFound
	}
	if !transfer.CanApply(st.Status, next.Status) {
		return transfer.ReconstructTask(st), false, nil
	}

	t := transfer.ReconstructTask(st)
	t.ApplyStatus(next.Status, s.now())
	merged := t.State()
	merged.Attempts = next.Attempts
	merged.TotalSize = next.TotalSize
	merged.BytesTransferred = next.BytesTransferred
	merged.TotalFiles = next.TotalFiles
	s.tasks[k] = merged
	return transfer.ReconstructTask(merged), true, nil
}

func (s *TaskStore) summaryLocked(tenantID string, parentID uuid.UUID) transfer.ChildSummary {
	var sum transfer.ChildSummary
	for _, cid := range s.children[taskKey{tenantID, parentID}] {
		sum.Add(s.tasks[taskKey{tenantID, cid}])
	}
	return sum
}

// ChildTasks returns the immediate children of the parent in creation order.
func (s *TaskStore) ChildTasks(ctx context.Context, tenantID string, parentID uuid.UUID) ([]*transfer.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.children[taskKey{tenantID, parentID}]
	out := make([]*transfer.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, transfer.ReconstructTask(s.tasks[taskKey{tenantID, id}]))
	}
	return out, nil
}

// AllChildrenCancelledOrCompleted reports whether every child is terminal.
func (s *TaskStore) AllChildrenCancelledOrCompleted(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked(tenantID, parentID).AllTerminal(), nil
}

// AllChildrenQuiescent reports whether every child is terminal or interrupted.
func (s *TaskStore) AllChildrenQuiescent(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked(tenantID, parentID).AllQuiescent(), nil
}

// ChildSummary aggregates the immediate children of the parent.
func (s *TaskStore) ChildSummary(ctx context.Context, tenantID string, parentID uuid.UUID) (transfer.ChildSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked(tenantID, parentID), nil
}

// SetStatusWhereNotTerminal moves every non-terminal node of the tree,
// including the root itself, to status.
func (s *TaskStore) SetStatusWhereNotTerminal(
	ctx context.Context,
	tenantID string,
	rootID uuid.UUID,
	status transfer.TaskStatus,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, st := range s.tasks {
		if k.tenantID != tenantID || (st.RootTaskID != rootID && st.ID != rootID) {
			continue
		}
		if !transfer.CanApply(st.Status, status) || st.Status == status {
			continue
		}
		t := transfer.ReconstructTask(st)
		t.ApplyStatus(status, now)
		s.tasks[k] = t.State()
		n++
	}
	return n, nil
}

// ActiveRootTasks lists root tasks in an active status.
func (s *TaskStore) ActiveRootTasks(ctx context.Context) ([]transfer.TaskRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []transfer.TaskRef
	for _, st := range s.tasks {
		if st.ParentTaskID == uuid.Nil && st.RootTaskID == uuid.Nil && st.Status.IsActive() {
			refs = append(refs, transfer.TaskRef{TenantID: st.TenantID, ID: st.ID})
		}
	}
	return refs, nil
}

// StaleTasks lists tasks that are neither terminal nor PAUSED, have no open
// child and have not been touched since cutoff. Leaves are included.
func (s *TaskStore) StaleTasks(ctx context.Context, cutoff time.Time) ([]*transfer.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*transfer.Task
	for _, st := range s.tasks {
		if st.Status.IsResting() || !st.LastUpdated.Before(cutoff) {
			continue
		}
		if !s.summaryLocked(st.TenantID, st.ID).AllTerminal() {
			continue
		}
		out = append(out, transfer.ReconstructTask(st))
	}
	return out, nil
}
