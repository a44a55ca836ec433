// Package transfer contains the domain model for recursively decomposed file
// transfers: the task tree, its state machine, the events that drive it and
// the ports to storage and remote endpoints.
package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a single node of a transfer tree. A root task is created from a
// user request; directory expansion creates one child per discovered entry.
type Task struct {
	id       uuid.UUID
	tenantID string
	owner    string

	parentTaskID uuid.UUID
	rootTaskID   uuid.UUID

	source string
	dest   string

	status   TaskStatus
	attempts int

	createdAt   time.Time
	startTime   time.Time
	endTime     time.Time
	lastUpdated time.Time

	totalSize        int64
	bytesTransferred int64
	totalFiles       int64
}

// NewRootTask creates a root task for a user-submitted transfer.
func NewRootTask(tenantID, owner, source, dest string) *Task {
	now := time.Now().UTC()
	return &Task{
		id:          uuid.New(),
		tenantID:    tenantID,
		owner:       owner,
		source:      source,
		dest:        dest,
		status:      TaskStatusCreated,
		createdAt:   now,
		lastUpdated: now,
	}
}

// NewChildTask creates a child of parent for one discovered entry. The child
// inherits the tree's root so every node shares the same join key.
func NewChildTask(parent *Task, source, dest string, status TaskStatus) *Task {
	now := time.Now().UTC()
	return &Task{
		id:           uuid.New(),
		tenantID:     parent.tenantID,
		owner:        parent.owner,
		parentTaskID: parent.id,
		rootTaskID:   parent.TreeRootID(),
		source:       source,
		dest:         dest,
		status:       status,
		createdAt:    now,
		lastUpdated:  now,
	}
}

// TaskState carries every persisted field of a Task. Stores use it with
// ReconstructTask to rebuild an aggregate.
type TaskState struct {
	ID               uuid.UUID
	TenantID         string
	Owner            string
	ParentTaskID     uuid.UUID
	RootTaskID       uuid.UUID
	Source           string
	Dest             string
	Status           TaskStatus
	Attempts         int
	CreatedAt        time.Time
	StartTime        time.Time
	EndTime          time.Time
	LastUpdated      time.Time
	TotalSize        int64
	BytesTransferred int64
	TotalFiles       int64
}

// ReconstructTask rebuilds a Task from persisted state without validation.
func ReconstructTask(s TaskState) *Task {
	return &Task{
		id:               s.ID,
		tenantID:         s.TenantID,
		owner:            s.Owner,
		parentTaskID:     s.ParentTaskID,
		rootTaskID:       s.RootTaskID,
		source:           s.Source,
		dest:             s.Dest,
		status:           s.Status,
		attempts:         s.Attempts,
		createdAt:        s.CreatedAt,
		startTime:        s.StartTime,
		endTime:          s.EndTime,
		lastUpdated:      s.LastUpdated,
		totalSize:        s.TotalSize,
		bytesTransferred: s.BytesTransferred,
		totalFiles:       s.TotalFiles,
	}
}

// State returns a copy of the task's persisted fields.
func (t *Task) State() TaskState {
	return TaskState{
		ID:               t.id,
		TenantID:         t.tenantID,
		Owner:            t.owner,
		ParentTaskID:     t.parentTaskID,
		RootTaskID:       t.rootTaskID,
		Source:           t.source,
		Dest:             t.dest,
		Status:           t.status,
		Attempts:         t.attempts,
		CreatedAt:        t.createdAt,
		StartTime:        t.startTime,
		EndTime:          t.endTime,
		LastUpdated:      t.lastUpdated,
		TotalSize:        t.totalSize,
		BytesTransferred: t.bytesTransferred,
		TotalFiles:       t.totalFiles,
	}
}

// Clone returns an independent copy of the task.
func (t *Task) Clone() *Task { return ReconstructTask(t.State()) }

func (t *Task) ID() uuid.UUID           { return t.id }
func (t *Task) TenantID() string        { return t.tenantID }
func (t *Task) Owner() string           { return t.owner }
func (t *Task) ParentTaskID() uuid.UUID { return t.parentTaskID }
func (t *Task) RootTaskID() uuid.UUID   { return t.rootTaskID }
func (t *Task) Source() string          { return t.source }
func (t *Task) Dest() string            { return t.dest }
func (t *Task) Status() TaskStatus      { return t.status }
func (t *Task) Attempts() int           { return t.attempts }
func (t *Task) CreatedAt() time.Time    { return t.createdAt }
func (t *Task) StartTime() time.Time    { return t.startTime }
func (t *Task) EndTime() time.Time      { return t.endTime }
func (t *Task) LastUpdated() time.Time  { return t.lastUpdated }
func (t *Task) TotalSize() int64        { return t.totalSize }
func (t *Task) BytesTransferred() int64 { return t.bytesTransferred }
func (t *Task) TotalFiles() int64       { return t.totalFiles }

// IsRoot reports whether the task has neither a parent nor a root reference.
func (t *Task) IsRoot() bool { return t.parentTaskID == uuid.Nil && t.rootTaskID == uuid.Nil }

// HasParent reports whether the task has an immediate parent.
func (t *Task) HasParent() bool { return t.parentTaskID != uuid.Nil }

// TreeRootID returns the root of the tree this task belongs to, which is the
// task itself for a root.
func (t *Task) TreeRootID() uuid.UUID {
	if t.rootTaskID != uuid.Nil {
		return t.rootTaskID
	}
	if t.parentTaskID != uuid.Nil {
		return t.parentTaskID
	}
	return t.id
}

// UpdateStatus moves the task to status, stamping the lifecycle timestamps.
func (t *Task) UpdateStatus(status TaskStatus) error {
	if !isValidTransition(t.status, status) {
		return fmt.Errorf("invalid status transition from %s to %s", t.status, status)
	}
	t.applyStatus(status, time.Now().UTC())
	return nil
}

// ApplyStatus stamps status and timestamps on the task without validating the
// transition. Stores call it after their own conditional check.
func (t *Task) ApplyStatus(status TaskStatus, now time.Time) { t.applyStatus(status, now) }

func (t *Task) applyStatus(status TaskStatus, now time.Time) {
	t.status = status
	t.lastUpdated = now
	if status == TaskStatusAssigned && t.startTime.IsZero() {
		t.startTime = now
	}
	if status.IsTerminal() && t.endTime.IsZero() {
		t.endTime = now
	}
}

// IncrementAttempts records another retry attempt.
func (t *Task) IncrementAttempts() { t.attempts++ }

// RecordProgress updates the byte counters reported by a running transfer.
// Counters never move backwards.
func (t *Task) RecordProgress(bytesTransferred, totalSize int64) {
	if bytesTransferred > t.bytesTransferred {
		t.bytesTransferred = bytesTransferred
	}
	if totalSize > t.totalSize {
		t.totalSize = totalSize
	}
	t.lastUpdated = time.Now().UTC()
}

// MarkFileTransferred records a completed leaf copy of size bytes.
func (t *Task) MarkFileTransferred(size int64) {
	t.bytesTransferred = size
	if size > t.totalSize {
		t.totalSize = size
	}
	t.totalFiles = 1
	t.lastUpdated = time.Now().UTC()
}

// RollUp replaces the aggregate counters with totals computed from children.
func (t *Task) RollUp(s ChildSummary) {
	t.totalSize = s.TotalSize
	t.bytesTransferred = s.BytesTransferred
	t.totalFiles = s.TotalFiles
	t.lastUpdated = time.Now().UTC()
}

// TaskRef identifies a task across tenants.
type TaskRef struct {
	TenantID string
	ID       uuid.UUID
}

// ChildSummary aggregates the immediate children of a task.
type ChildSummary struct {
	Total     int
	Terminal  int
	Quiescent int
	Errored   int

	TotalSize        int64
	BytesTransferred int64
	TotalFiles       int64
}

// AllTerminal reports whether every child has finished. A task with no
// children reports true.
func (s ChildSummary) AllTerminal() bool { return s.Terminal == s.Total }

// AllQuiescent reports whether every child is finished or interrupted.
func (s ChildSummary) AllQuiescent() bool { return s.Quiescent == s.Total }

// FinalStatus picks the completion status for a parent with these children.
func (s ChildSummary) FinalStatus() TaskStatus {
	if s.Errored > 0 {
		return TaskStatusCompletedWithErrors
	}
	return TaskStatusCompleted
}

// Add folds one child into the summary.
func (s *ChildSummary) Add(child TaskState) {
	s.Total++
	if child.Status.IsTerminal() {
		s.Terminal++
	}
	if child.Status.IsQuiescent() {
		s.Quiescent++
	}
	if child.Status.IsErrored() {
		s.Errored++
	}
	s.TotalSize += child.TotalSize
	s.BytesTransferred += child.BytesTransferred
	s.TotalFiles += child.TotalFiles
}
