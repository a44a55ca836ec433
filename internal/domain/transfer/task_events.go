package transfer

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/transfer-armada/internal/domain/events"
)

// Event types published and consumed by the transfer engine.
const (
	EventTypeTaskCreated     events.EventType = "task.created"
	EventTypeTaskAssigned    events.EventType = "task.assigned"
	EventTypeTaskUpdated     events.EventType = "task.updated"
	EventTypeTaskRetry       events.EventType = "task.retry"
	EventTypeTaskError       events.EventType = "task.error"
	EventTypeTaskParentError events.EventType = "task.parent_error"
	EventTypeTaskCompleted   events.EventType = "task.completed"
	EventTypeTaskFinished    events.EventType = "task.finished"
	EventTypeTaskFailed      events.EventType = "task.failed"

	EventTypeTaskCancel          events.EventType = "task.cancel"
	EventTypeTaskCancelSync      events.EventType = "task.cancel_sync"
	EventTypeTaskCancelAck       events.EventType = "task.cancel_ack"
	EventTypeTaskCancelCompleted events.EventType = "task.cancel_completed"

	EventTypeTaskPause          events.EventType = "task.pause"
	EventTypeTaskPauseSync      events.EventType = "task.pause_sync"
	EventTypeTaskPauseAck       events.EventType = "task.pause_ack"
	EventTypeTaskPauseCompleted events.EventType = "task.pause_completed"

	EventTypeTaskHealthcheck       events.EventType = "task.healthcheck"
	EventTypeTaskHealthcheckParent events.EventType = "task.healthcheck_parent"
	EventTypeTaskNotification      events.EventType = "task.notification"

	// EventTypeTransferAll asks a transfer worker to copy a single file. The
	// rclone transferer handles same- and cross-protocol pairs alike.
	EventTypeTransferAll events.EventType = "transfer.all"
)

// TaskEventTypes lists every event type carrying a TaskEvent payload.
func TaskEventTypes() []events.EventType {
	return []events.EventType{
		EventTypeTaskCreated, EventTypeTaskAssigned, EventTypeTaskUpdated, EventTypeTaskRetry,
		EventTypeTaskError, EventTypeTaskParentError, EventTypeTaskCompleted, EventTypeTaskFinished,
		EventTypeTaskFailed, EventTypeTaskCancel, EventTypeTaskCancelSync, EventTypeTaskCancelAck,
		EventTypeTaskCancelCompleted, EventTypeTaskPause, EventTypeTaskPauseSync, EventTypeTaskPauseAck,
		EventTypeTaskPauseCompleted, EventTypeTaskHealthcheck, EventTypeTaskHealthcheckParent,
		EventTypeTransferAll,
	}
}

// BroadcastEventTypes are delivered to every worker rather than load-balanced.
func BroadcastEventTypes() []events.EventType {
	return []events.EventType{
		EventTypeTaskCancelSync,
		EventTypeTaskCancelCompleted,
		EventTypeTaskPauseSync,
		EventTypeTaskPauseCompleted,
	}
}

// TaskSnapshot is the wire form of a task. Every task event carries one.
type TaskSnapshot struct {
	ID               uuid.UUID  `json:"uuid"`
	TenantID         string     `json:"tenant_id"`
	Owner            string     `json:"owner"`
	Source           string     `json:"source"`
	Dest             string     `json:"dest"`
	Status           TaskStatus `json:"status"`
	Attempts         int        `json:"attempts"`
	ParentTaskID     uuid.UUID  `json:"parent_task_id"`
	RootTaskID       uuid.UUID  `json:"root_task_id"`
	TotalSize        int64      `json:"total_size,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred,omitempty"`
	TotalFiles       int64      `json:"total_files,omitempty"`
	Created          time.Time  `json:"created"`
	LastUpdated      time.Time  `json:"last_updated"`
}

// Snapshot captures the task's current state for publication.
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:               t.id,
		TenantID:         t.tenantID,
		Owner:            t.owner,
		Source:           t.source,
		Dest:             t.dest,
		Status:           t.status,
		Attempts:         t.attempts,
		ParentTaskID:     t.parentTaskID,
		RootTaskID:       t.rootTaskID,
		TotalSize:        t.totalSize,
		BytesTransferred: t.bytesTransferred,
		TotalFiles:       t.totalFiles,
		Created:          t.createdAt,
		LastUpdated:      t.lastUpdated,
	}
}

// TreeRootID mirrors Task.TreeRootID for a snapshot.
func (s TaskSnapshot) TreeRootID() uuid.UUID {
	if s.RootTaskID != uuid.Nil {
		return s.RootTaskID
	}
	if s.ParentTaskID != uuid.Nil {
		return s.ParentTaskID
	}
	return s.ID
}

// IsRoot mirrors Task.IsRoot for a snapshot.
func (s TaskSnapshot) IsRoot() bool { return s.ParentTaskID == uuid.Nil && s.RootTaskID == uuid.Nil }

// Ref returns the tenant-scoped identity of the snapshot.
func (s TaskSnapshot) Ref() TaskRef { return TaskRef{TenantID: s.TenantID, ID: s.ID} }

// TaskEvent is the payload of every task-scoped event.
type TaskEvent struct {
	Kind     events.EventType `json:"event"`
	Occurred time.Time        `json:"occurred_at"`
	Task     TaskSnapshot     `json:"task"`

	// Cause and Message are set on error, failure and parent-error events.
	Cause   FailureCause `json:"cause,omitempty"`
	Message string       `json:"message,omitempty"`
}

var _ events.DomainEvent = TaskEvent{}

// EventType implements events.DomainEvent.
func (e TaskEvent) EventType() events.EventType { return e.Kind }

// OccurredAt implements events.DomainEvent.
func (e TaskEvent) OccurredAt() time.Time { return e.Occurred }

// RoutingKey keeps the events of one tree on a single partition.
func (e TaskEvent) RoutingKey() string { return e.Task.TreeRootID().String() }

// NewTaskEvent builds a task event of kind for t.
func NewTaskEvent(kind events.EventType, t *Task) TaskEvent {
	return TaskEvent{Kind: kind, Occurred: time.Now().UTC(), Task: t.Snapshot()}
}

// NewSnapshotEvent builds a task event of kind from a snapshot, used when
// the authoritative record is not at hand.
func NewSnapshotEvent(kind events.EventType, s TaskSnapshot) TaskEvent {
	return TaskEvent{Kind: kind, Occurred: time.Now().UTC(), Task: s}
}

// NewTaskErrorEvent builds a task.error event carrying the failure cause.
func NewTaskErrorEvent(s TaskSnapshot, cause FailureCause, msg string) TaskEvent {
	return TaskEvent{Kind: EventTypeTaskError, Occurred: time.Now().UTC(), Task: s, Cause: cause, Message: msg}
}

// NewTaskFailedEvent builds a task.failed event.
func NewTaskFailedEvent(s TaskSnapshot, cause FailureCause, msg string) TaskEvent {
	return TaskEvent{Kind: EventTypeTaskFailed, Occurred: time.Now().UTC(), Task: s, Cause: cause, Message: msg}
}

// NewTaskParentErrorEvent builds a task.parent_error event.
func NewTaskParentErrorEvent(s TaskSnapshot, cause FailureCause, msg string) TaskEvent {
	return TaskEvent{Kind: EventTypeTaskParentError, Occurred: time.Now().UTC(), Task: s, Cause: cause, Message: msg}
}

// NotificationEvent is handed to external delivery for user-facing milestones.
type NotificationEvent struct {
	Occurred time.Time        `json:"occurred_at"`
	Source   events.EventType `json:"source_event"`
	Task     TaskSnapshot     `json:"task"`
	Message  string           `json:"message"`
}

var _ events.DomainEvent = NotificationEvent{}

// EventType implements events.DomainEvent.
func (NotificationEvent) EventType() events.EventType { return EventTypeTaskNotification }

// OccurredAt implements events.DomainEvent.
func (e NotificationEvent) OccurredAt() time.Time { return e.Occurred }

// NewNotificationEvent builds a notification for a milestone observed on source.
func NewNotificationEvent(source events.EventType, s TaskSnapshot, msg string) NotificationEvent {
	return NotificationEvent{Occurred: time.Now().UTC(), Source: source, Task: s, Message: msg}
}
