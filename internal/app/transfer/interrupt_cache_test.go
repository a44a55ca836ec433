package transfer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

func TestInterruptCache_Check(t *testing.T) {
	root := transfer.NewRootTask("tenant-1", "alice", "file:///src", "file:///dst")
	dir := transfer.NewChildTask(root, "file:///src/a", "file:///dst/a", transfer.TaskStatusCreated)
	leaf := transfer.NewChildTask(dir, "file:///src/a/b", "file:///dst/a/b", transfer.TaskStatusCreated)
	other := transfer.NewRootTask("tenant-1", "alice", "file:///x", "file:///y")

	cache := NewInterruptCache()
	cache.Add(root.ID(), InterruptCancel)

	tests := []struct {
		name     string
		snap     transfer.TaskSnapshot
		wantKind InterruptKind
		wantHit  bool
	}{
		{name: "root itself", snap: root.Snapshot(), wantKind: InterruptCancel, wantHit: true},
		{name: "direct child", snap: dir.Snapshot(), wantKind: InterruptCancel, wantHit: true},
		{name: "grandchild via root", snap: leaf.Snapshot(), wantKind: InterruptCancel, wantHit: true},
		{name: "unrelated tree", snap: other.Snapshot()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := cache.Check(tt.snap)
			assert.Equal(t, tt.wantHit, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestInterruptCache_AddRemove(t *testing.T) {
	cache := NewInterruptCache()
	id := uuid.New()

	cache.Add(id, InterruptPause)
	assert.Equal(t, 1, cache.Len())

	kind, ok := cache.Lookup(uuid.Nil, id)
	assert.True(t, ok)
	assert.Equal(t, InterruptPause, kind)

	cache.Remove(id)
	cache.Remove(id)
	assert.Zero(t, cache.Len())

	_, ok = cache.Lookup(id)
	assert.False(t, ok)
}

func TestInterruptKind_Events(t *testing.T) {
	tests := []struct {
		kind      InterruptKind
		ack       string
		sync      string
		completed string
		waiting   transfer.TaskStatus
		final     transfer.TaskStatus
	}{
		{
			kind:      InterruptCancel,
			ack:       "task.cancel_ack",
			sync:      "task.cancel_sync",
			completed: "task.cancel_completed",
			waiting:   transfer.TaskStatusCancelingWaiting,
			final:     transfer.TaskStatusCancelled,
		},
		{
			kind:      InterruptPause,
			ack:       "task.pause_ack",
			sync:      "task.pause_sync",
			completed: "task.pause_completed",
			waiting:   transfer.TaskStatusPauseWaiting,
			final:     transfer.TaskStatusPaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.ack, tt.kind.AckEvent().String())
			assert.Equal(t, tt.sync, tt.kind.SyncEvent().String())
			assert.Equal(t, tt.completed, tt.kind.CompletedEvent().String())
			assert.Equal(t, tt.waiting, tt.kind.WaitingStatus())
			assert.Equal(t, tt.final, tt.kind.FinalStatus())

			got, ok := interruptKindForStatus(tt.waiting)
			assert.True(t, ok)
			assert.Equal(t, tt.kind, got)

			got, ok = interruptKindForEvent(tt.kind.AckEvent())
			assert.True(t, ok)
			assert.Equal(t, tt.kind, got)
		})
	}

	_, ok := interruptKindForStatus(transfer.TaskStatusCancelled)
	assert.False(t, ok, "a settled cancel is terminal, not interrupted")
}
