package transfer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

// InterruptKind distinguishes a cancel from a pause.
type InterruptKind int

const (
	InterruptCancel InterruptKind = iota + 1
	InterruptPause
)

// String returns a lowercase name for logs and span attributes.
func (k InterruptKind) String() string {
	switch k {
	case InterruptCancel:
		return "cancel"
	case InterruptPause:
		return "pause"
	default:
		return "unknown"
	}
}

// AckEvent is the acknowledgement event type for the kind.
func (k InterruptKind) AckEvent() events.EventType {
	if k == InterruptPause {
		return transfer.EventTypeTaskPauseAck
	}
	return transfer.EventTypeTaskCancelAck
}

// SyncEvent is the broadcast that arms the interrupt on every worker.
func (k InterruptKind) SyncEvent() events.EventType {
	if k == InterruptPause {
		return transfer.EventTypeTaskPauseSync
	}
	return transfer.EventTypeTaskCancelSync
}

// CompletedEvent is the broadcast that disarms the interrupt.
func (k InterruptKind) CompletedEvent() events.EventType {
	if k == InterruptPause {
		return transfer.EventTypeTaskPauseCompleted
	}
	return transfer.EventTypeTaskCancelCompleted
}

// WaitingStatus is the status a tree root holds while acks are collected.
func (k InterruptKind) WaitingStatus() transfer.TaskStatus {
	if k == InterruptPause {
		return transfer.TaskStatusPauseWaiting
	}
	return transfer.TaskStatusCancelingWaiting
}

// FinalStatus is the status each acknowledged node settles in.
func (k InterruptKind) FinalStatus() transfer.TaskStatus {
	if k == InterruptPause {
		return transfer.TaskStatusPaused
	}
	return transfer.TaskStatusCancelled
}

// interruptKindForStatus maps an interrupted status back to its kind.
func interruptKindForStatus(s transfer.TaskStatus) (InterruptKind, bool) {
	switch s {
	case transfer.TaskStatusCancelingWaiting:
		return InterruptCancel, true
	case transfer.TaskStatusPauseWaiting, transfer.TaskStatusPaused:
		return InterruptPause, true
	default:
		return 0, false
	}
}

// interruptKindForEvent maps sync, ack, completed and request events to a kind.
func interruptKindForEvent(t events.EventType) (InterruptKind, bool) {
	switch t {
	case transfer.EventTypeTaskCancel, transfer.EventTypeTaskCancelSync,
		transfer.EventTypeTaskCancelAck, transfer.EventTypeTaskCancelCompleted:
		return InterruptCancel, true
	case transfer.EventTypeTaskPause, transfer.EventTypeTaskPauseSync,
		transfer.EventTypeTaskPauseAck, transfer.EventTypeTaskPauseCompleted:
		return InterruptPause, true
	default:
		return 0, false
	}
}

// InterruptCache is the per-worker set of tree roots with an outstanding
// cancel or pause. It is never persisted; the broadcast bus keeps each
// worker's copy in step.
type InterruptCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]InterruptKind
}

// NewInterruptCache creates an empty cache.
func NewInterruptCache() *InterruptCache {
	return &InterruptCache{entries: make(map[uuid.UUID]InterruptKind)}
}

// Add arms an interrupt for id.
func (c *InterruptCache) Add(id uuid.UUID, kind InterruptKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = kind
}

// Remove disarms the interrupt for id.
func (c *InterruptCache) Remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Lookup returns the first armed interrupt among ids. Nil ids are skipped.
func (c *InterruptCache) Lookup(ids ...uuid.UUID) (InterruptKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if k, ok := c.entries[id]; ok {
			return k, true
		}
	}
	return 0, false
}

// Check reports whether the task, its parent or its tree root is interrupted.
func (c *InterruptCache) Check(s transfer.TaskSnapshot) (InterruptKind, bool) {
	return c.Lookup(s.ID, s.ParentTaskID, s.RootTaskID)
}

// Len returns the number of armed interrupts.
func (c *InterruptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
