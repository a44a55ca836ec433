package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

func TestAdmissionHandler_HandleEvent(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		status     transfer.TaskStatus
		armed      bool
		wantStatus transfer.TaskStatus
		wantEvents []events.EventType
	}{
		{
			name:       "created task is assigned",
			src:        "file:///src",
			wantStatus: transfer.TaskStatusAssigned,
			wantEvents: []events.EventType{transfer.EventTypeTaskAssigned},
		},
		{
			name:       "unsupported scheme fails permanently",
			src:        "gopher://host/src",
			wantStatus: transfer.TaskStatusFailed,
			wantEvents: []events.EventType{transfer.EventTypeTaskFailed},
		},
		{
			name:       "armed cancel acknowledges instead of admitting",
			src:        "file:///src",
			armed:      true,
			wantStatus: transfer.TaskStatusCreated,
			wantEvents: []events.EventType{transfer.EventTypeTaskCancelAck},
		},
		{
			name:       "duplicate delivery is ignored",
			src:        "file:///src",
			status:     transfer.TaskStatusAssigned,
			wantStatus: transfer.TaskStatusAssigned,
		},
		{
			name:       "waiting task acknowledges",
			src:        "file:///src",
			status:     transfer.TaskStatusPauseWaiting,
			wantStatus: transfer.TaskStatusPauseWaiting,
			wantEvents: []events.EventType{transfer.EventTypeTaskPauseAck},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			h := NewAdmissionHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)

			task := seedRoot(t, f.repo, tt.src, "file:///dst")
			if tt.status != "" {
				task = setStatus(t, f.repo, task, tt.status)
			}
			if tt.armed {
				f.cache.Add(task.ID(), InterruptCancel)
			}

			var acked []error
			err := h.HandleEvent(context.Background(),
				envelope(transfer.NewTaskEvent(transfer.EventTypeTaskCreated, task)),
				func(err error) { acked = append(acked, err) })
			require.NoError(t, err)
			assert.Equal(t, []error{nil}, acked)

			assert.Equal(t, tt.wantStatus, getTask(t, f.repo, task.ID()).Status())
			assert.Equal(t, tt.wantEvents, f.publisher.types())
		})
	}
}

func TestAdmissionHandler_FailedEventCarriesSyntaxCause(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewAdmissionHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)
	task := seedRoot(t, f.repo, "file:///src", "relative/path")

	require.NoError(t, h.HandleEvent(context.Background(),
		envelope(transfer.NewTaskEvent(transfer.EventTypeTaskCreated, task)), noopAck))

	failed := f.publisher.taskEvents(transfer.EventTypeTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, transfer.CauseSyntax, failed[0].Cause)
	assert.Contains(t, failed[0].Message, "relative/path")
}

func TestAdmissionHandler_MissingTaskIsDropped(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewAdmissionHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)
	ghost := transfer.NewRootTask("tenant-1", "alice", "file:///src", "file:///dst")

	require.NoError(t, h.HandleEvent(context.Background(),
		envelope(transfer.NewTaskEvent(transfer.EventTypeTaskCreated, ghost)), noopAck))
	assert.Empty(t, f.publisher.types())
}

func TestAdmissionHandler_PoisonPayloadIsAcked(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewAdmissionHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)

	var acked []error
	err := h.HandleEvent(context.Background(),
		events.EventEnvelope{Type: transfer.EventTypeTaskCreated, Payload: "not a task"},
		func(err error) { acked = append(acked, err) })
	require.NoError(t, err)
	assert.Equal(t, []error{nil}, acked)
}

func TestAdmissionHandler_HaltedTree(t *testing.T) {
	tests := []struct {
		name       string
		rootStatus transfer.TaskStatus
		wantStatus transfer.TaskStatus
		wantEvents []events.EventType
	}{
		{
			name:       "settled root closes late child",
			rootStatus: transfer.TaskStatusCancelled,
			wantStatus: transfer.TaskStatusCancelled,
		},
		{
			name:       "cancel in flight with empty cache acknowledges",
			rootStatus: transfer.TaskStatusCancelingWaiting,
			wantStatus: transfer.TaskStatusCreated,
			wantEvents: []events.EventType{transfer.EventTypeTaskCancelAck},
		},
		{
			name:       "paused root acknowledges",
			rootStatus: transfer.TaskStatusPaused,
			wantStatus: transfer.TaskStatusCreated,
			wantEvents: []events.EventType{transfer.EventTypeTaskPauseAck},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			h := NewAdmissionHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)

			root := seedRoot(t, f.repo, "file:///src", "file:///dst")
			child := seedChild(t, f.repo, root, "late.txt", transfer.TaskStatusCreated)
			setStatus(t, f.repo, root, tt.rootStatus)

			var acked []error
			err := h.HandleEvent(context.Background(),
				envelope(transfer.NewTaskEvent(transfer.EventTypeTaskCreated, child)),
				func(err error) { acked = append(acked, err) })
			require.NoError(t, err)
			assert.Equal(t, []error{nil}, acked)

			assert.Equal(t, tt.wantStatus, getTask(t, f.repo, child.ID()).Status())
			assert.Equal(t, tt.wantEvents, f.publisher.types())
			assert.Empty(t, f.publisher.taskEvents(transfer.EventTypeTaskAssigned))
		})
	}
}
