package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task does not exist for the tenant.
var ErrTaskNotFound = errors.New("transfer task not found")

// TaskRepository persists transfer tasks. Every mutating method is conditional:
// the write only applies when CanApply allows it for the stored status, and
// the returned bool reports whether it did. A skipped write is not an error;
// the stored task is returned unchanged.
type TaskRepository interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, task *Task) error

	// CreateOrGetChild persists a child task, or returns the existing child
	// with the same root, source and destination. Redelivered expansion
	// events therefore never duplicate children.
	CreateOrGetChild(ctx context.Context, task *Task) (*Task, error)

	// GetTask returns the task or ErrTaskNotFound.
	GetTask(ctx context.Context, tenantID string, id uuid.UUID) (*Task, error)

	// UpdateStatus conditionally moves the task to status.
	UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, status TaskStatus) (*Task, bool, error)

	// UpdateTask conditionally replaces the mutable fields of the task
	// (status, attempts, counters).
	UpdateTask(ctx context.Context, task *Task) (*Task, bool, error)

	// AllChildrenCancelledOrCompleted reports whether every child of the
	// parent is terminal.
	AllChildrenCancelledOrCompleted(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error)

	// AllChildrenQuiescent reports whether every child of the parent is
	// terminal or interrupted.
	AllChildrenQuiescent(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error)

	// ChildSummary aggregates the immediate children of the parent.
	ChildSummary(ctx context.Context, tenantID string, parentID uuid.UUID) (ChildSummary, error)

	// SetStatusWhereNotTerminal moves every non-terminal descendant of the
	// root to status and returns how many tasks changed.
	SetStatusWhereNotTerminal(ctx context.Context, tenantID string, rootID uuid.UUID, status TaskStatus) (int64, error)

	// ActiveRootTasks lists root tasks in an active status.
	ActiveRootTasks(ctx context.Context) ([]TaskRef, error)

	// StaleTasks lists tasks that are neither terminal nor PAUSED, have no
	// child that is still open, and have not been updated since cutoff.
	// Leaves qualify, so a lost leaf event cannot stall a tree forever.
	StaleTasks(ctx context.Context, cutoff time.Time) ([]*Task, error)
}
