package transfer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChildTask_InheritsRoot(t *testing.T) {
	root := NewRootTask("tenant", "alice", "file:///src", "file:///dst")
	require.True(t, root.IsRoot())
	assert.Equal(t, root.ID(), root.TreeRootID())

	child := NewChildTask(root, "file:///src/a", "file:///dst/a", TaskStatusCreated)
	assert.False(t, child.IsRoot())
	assert.Equal(t, root.ID(), child.ParentTaskID())
	assert.Equal(t, root.ID(), child.RootTaskID())
	assert.Equal(t, "tenant", child.TenantID())
	assert.Equal(t, "alice", child.Owner())

	grandchild := NewChildTask(child, "file:///src/a/b", "file:///dst/a/b", TaskStatusAssigned)
	assert.Equal(t, child.ID(), grandchild.ParentTaskID())
	assert.Equal(t, root.ID(), grandchild.RootTaskID())
	assert.Equal(t, root.ID(), grandchild.TreeRootID())
}

func TestTask_UpdateStatus(t *testing.T) {
	task := NewRootTask("tenant", "alice", "file:///a", "file:///b")

	require.NoError(t, task.UpdateStatus(TaskStatusAssigned))
	assert.False(t, task.StartTime().IsZero())
	assert.True(t, task.EndTime().IsZero())

	require.NoError(t, task.UpdateStatus(TaskStatusCompleted))
	assert.False(t, task.EndTime().IsZero())

	err := task.UpdateStatus(TaskStatusAssigned)
	assert.Error(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status())
}

func TestTask_UpdateStatus_PausedDoesNotResume(t *testing.T) {
	task := NewRootTask("tenant", "alice", "file:///a", "file:///b")
	require.NoError(t, task.UpdateStatus(TaskStatusPaused))
	assert.Error(t, task.UpdateStatus(TaskStatusAssigned))
	assert.NoError(t, task.UpdateStatus(TaskStatusCancelingWaiting))
}

func TestTask_ReconstructRoundTrip(t *testing.T) {
	task := NewRootTask("tenant", "alice", "file:///a", "file:///b")
	task.IncrementAttempts()
	task.RecordProgress(10, 100)

	clone := ReconstructTask(task.State())
	assert.Equal(t, task.State(), clone.State())

	clone.IncrementAttempts()
	assert.Equal(t, 1, task.Attempts())
	assert.Equal(t, 2, clone.Attempts())
}

func TestTask_RecordProgressIsMonotonic(t *testing.T) {
	task := NewRootTask("tenant", "alice", "file:///a", "file:///b")
	task.RecordProgress(50, 100)
	task.RecordProgress(20, 90)
	assert.Equal(t, int64(50), task.BytesTransferred())
	assert.Equal(t, int64(100), task.TotalSize())
}

func TestChildSummary(t *testing.T) {
	var s ChildSummary
	assert.True(t, s.AllTerminal())

	s.Add(TaskState{ID: uuid.New(), Status: TaskStatusCompleted, BytesTransferred: 10, TotalSize: 10, TotalFiles: 1})
	s.Add(TaskState{ID: uuid.New(), Status: TaskStatusPaused})
	assert.False(t, s.AllTerminal())
	assert.True(t, s.AllQuiescent())
	assert.Equal(t, TaskStatusCompleted, s.FinalStatus())

	s.Add(TaskState{ID: uuid.New(), Status: TaskStatusFailed, TotalFiles: 0})
	assert.Equal(t, TaskStatusCompletedWithErrors, s.FinalStatus())
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Terminal)
	assert.Equal(t, int64(10), s.BytesTransferred)
	assert.Equal(t, int64(1), s.TotalFiles)
}
