package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

func TestNotificationHandler_HandleEvent(t *testing.T) {
	f := newHandlerFixture(t)
	root := seedRoot(t, f.repo, "file:///data/in", "file:///data/out")
	child := seedChild(t, f.repo, root, "a.txt", transfer.TaskStatusCreated)

	tests := []struct {
		name        string
		evt         transfer.TaskEvent
		wantContain string
	}{
		{
			name:        "finished tree",
			evt:         transfer.NewTaskEvent(transfer.EventTypeTaskFinished, root),
			wantContain: "finished with status",
		},
		{
			name:        "parent error",
			evt:         transfer.NewTaskParentErrorEvent(child.Snapshot(), transfer.CauseIO, "disk full"),
			wantContain: "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.publisher.reset()
			h := NewNotificationHandler(f.publisher, f.metrics, f.logger, f.tracer)

			var acked bool
			err := h.HandleEvent(context.Background(), envelope(tt.evt), func(err error) { acked = err == nil })
			require.NoError(t, err)
			assert.True(t, acked)

			notes := f.publisher.notifications()
			require.Len(t, notes, 1)
			assert.Equal(t, tt.evt.Kind, notes[0].Source)
			assert.Equal(t, tt.evt.Task.ID, notes[0].Task.ID)
			assert.Contains(t, notes[0].Message, tt.wantContain)
		})
	}
}

func TestNotificationHandler_PublishFailureNacks(t *testing.T) {
	f := newHandlerFixture(t)
	f.publisher.err = errors.New("bus down")
	h := NewNotificationHandler(f.publisher, f.metrics, f.logger, f.tracer)

	root := seedRoot(t, f.repo, "file:///data/in", "file:///data/out")

	var ackErr error
	err := h.HandleEvent(context.Background(),
		envelope(transfer.NewTaskEvent(transfer.EventTypeTaskFinished, root)),
		func(err error) { ackErr = err })

	require.Error(t, err)
	assert.ErrorIs(t, ackErr, f.publisher.err)
	assert.Equal(t, []events.EventType{transfer.EventTypeTaskFinished, transfer.EventTypeTaskParentError}, h.SupportedEvents())
}
