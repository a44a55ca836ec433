package transfer

import (
	"errors"
	"fmt"
)

// TaskStatus represents the execution state of a transfer task within its tree.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusCreated indicates the task has been persisted but not yet admitted.
	TaskStatusCreated TaskStatus = "CREATED"

	// TaskStatusAssigned indicates the task passed validation and is being expanded
	// or waiting for a transfer worker.
	TaskStatusAssigned TaskStatus = "ASSIGNED"

	// TaskStatusTransferring indicates bytes are actively moving for a leaf task.
	TaskStatusTransferring TaskStatus = "TRANSFERRING"

	// TaskStatusCompleted indicates the task and all of its descendants finished.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusError is a transient diagnostic state en route to RETRYING or FAILED.
	TaskStatusError TaskStatus = "ERROR"

	// TaskStatusRetrying indicates the task is queued for another admission attempt.
	TaskStatusRetrying TaskStatus = "RETRYING"

	// TaskStatusFailed indicates the task hit an unrecoverable error or exhausted its retries.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusCancelingWaiting indicates a cancel was requested and the tree is
	// waiting for acknowledgements.
	TaskStatusCancelingWaiting TaskStatus = "CANCELING_WAITING"

	// TaskStatusCancelled indicates the task honored a cancel request.
	TaskStatusCancelled TaskStatus = "CANCELLED"

	// TaskStatusPauseWaiting indicates a pause was requested and the tree is
	// waiting for acknowledgements.
	TaskStatusPauseWaiting TaskStatus = "PAUSE_WAITING"

	// TaskStatusPaused indicates the task honored a pause request.
	TaskStatusPaused TaskStatus = "PAUSED"

	// TaskStatusCompletedWithErrors indicates a parent finished but at least one
	// descendant ended in error.
	TaskStatusCompletedWithErrors TaskStatus = "COMPLETED_WITH_ERRORS"

	// TaskStatusCancelledError indicates the reconciler force-closed a stuck task.
	TaskStatusCancelledError TaskStatus = "CANCELLED_ERROR"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

var allStatuses = []TaskStatus{
	TaskStatusCreated,
	TaskStatusAssigned,
	TaskStatusTransferring,
	TaskStatusCompleted,
	TaskStatusError,
	TaskStatusRetrying,
	TaskStatusFailed,
	TaskStatusCancelingWaiting,
	TaskStatusCancelled,
	TaskStatusPauseWaiting,
	TaskStatusPaused,
	TaskStatusCompletedWithErrors,
	TaskStatusCancelledError,
}

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// Int32 returns a stable numeric code for the status, starting at 1.
func (s TaskStatus) Int32() int32 {
	for i, st := range allStatuses {
		if st == s {
			return int32(i + 1)
		}
	}
	return 0
}

// TaskStatusFromInt32 creates a TaskStatus from the code returned by Int32.
func TaskStatusFromInt32(i int32) TaskStatus {
	if i < 1 || int(i) > len(allStatuses) {
		return TaskStatusUnspecified
	}
	return allStatuses[i-1]
}

// ParseTaskStatus converts a string to a TaskStatus. The legacy spelling
// CANCELED is accepted for CANCELLED.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "CANCELED":
		return TaskStatusCancelled, nil
	case "CANCELED_ERROR":
		return TaskStatusCancelledError, nil
	case "CANCELED_WAITING":
		return TaskStatusCancelingWaiting, nil
	}
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return TaskStatusUnspecified, fmt.Errorf("%w: %q", ErrTaskStatusUnknown, s)
}

// IsTerminal reports whether no further transition is permitted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted,
		TaskStatusCancelled,
		TaskStatusFailed,
		TaskStatusCompletedWithErrors,
		TaskStatusCancelledError:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is still doing, or waiting to do, work.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusCreated,
		TaskStatusAssigned,
		TaskStatusTransferring,
		TaskStatusError,
		TaskStatusRetrying:
		return true
	default:
		return false
	}
}

// IsInterrupted reports whether the task is part of an in-flight or settled
// cancel/pause.
func (s TaskStatus) IsInterrupted() bool {
	switch s {
	case TaskStatusCancelingWaiting, TaskStatusPauseWaiting, TaskStatusPaused:
		return true
	default:
		return false
	}
}

// IsQuiescent reports whether the task will not make progress on its own:
// it is either terminal or interrupted.
func (s TaskStatus) IsQuiescent() bool { return s.IsTerminal() || s.IsInterrupted() }

// IsResting reports whether a task may legitimately stay untouched forever.
// Terminal and PAUSED tasks are never stale.
func (s TaskStatus) IsResting() bool { return s.IsTerminal() || s == TaskStatusPaused }

// IsErrored reports whether a finished task should taint its parent's result.
func (s TaskStatus) IsErrored() bool {
	switch s {
	case TaskStatusFailed, TaskStatusCancelledError, TaskStatusCompletedWithErrors:
		return true
	default:
		return false
	}
}

// CanCancel reports whether a cancel request may target a task in this status.
func (s TaskStatus) CanCancel() bool { return s.IsActive() || s == TaskStatusPaused || s == TaskStatusPauseWaiting }

// CanPause reports whether a pause request may target a task in this status.
func (s TaskStatus) CanPause() bool { return s.IsActive() }

// CanApply reports whether a conditional write moving a stored task from
// current to next should take effect. Terminal tasks never change, and an
// interrupted task is never pushed back into an active status.
func CanApply(current, next TaskStatus) bool {
	if current.IsTerminal() {
		return false
	}
	if current.IsInterrupted() && next.IsActive() {
		return false
	}
	return true
}

// BlockingStatuses lists the stored statuses that prevent a conditional write
// to next. It is the set form of CanApply, used to build store predicates.
func BlockingStatuses(next TaskStatus) []TaskStatus {
	return statusesWhere(func(st TaskStatus) bool { return !CanApply(st, next) })
}

func statusesWhere(pred func(TaskStatus) bool) []TaskStatus {
	var out []TaskStatus
	for _, st := range allStatuses {
		if pred(st) {
			out = append(out, st)
		}
	}
	return out
}

// TerminalStatuses returns every terminal status.
func TerminalStatuses() []TaskStatus { return statusesWhere(TaskStatus.IsTerminal) }

// ActiveStatuses returns every active status.
func ActiveStatuses() []TaskStatus { return statusesWhere(TaskStatus.IsActive) }

// QuiescentStatuses returns every terminal or interrupted status.
func QuiescentStatuses() []TaskStatus { return statusesWhere(TaskStatus.IsQuiescent) }

// RestingStatuses returns every status a stale sweep skips.
func RestingStatuses() []TaskStatus { return statusesWhere(TaskStatus.IsResting) }

// ErroredStatuses returns the terminal statuses that taint a parent.
func ErroredStatuses() []TaskStatus { return statusesWhere(TaskStatus.IsErrored) }

// StatusStrings converts statuses to their string form for store queries.
func StatusStrings(statuses []TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// isValidTransition guards in-memory mutation of a Task.
func isValidTransition(from, to TaskStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	if to == TaskStatusCreated || to == TaskStatusUnspecified {
		return false
	}
	return CanApply(from, to)
}
