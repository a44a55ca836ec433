package transfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

func TestInterruptSyncHandler_ArmsAndClears(t *testing.T) {
	cache := NewInterruptCache()
	h := NewInterruptSyncHandler(cache, logger.Noop(), testTracer())
	root := transfer.NewRootTask("tenant-1", "alice", "file:///src", "file:///dst")

	require.NoError(t, h.HandleEvent(context.Background(),
		envelope(transfer.NewTaskEvent(transfer.EventTypeTaskPauseSync, root)), noopAck))
	kind, ok := cache.Lookup(root.ID())
	require.True(t, ok)
	assert.Equal(t, InterruptPause, kind)

	require.NoError(t, h.HandleEvent(context.Background(),
		envelope(transfer.NewTaskEvent(transfer.EventTypeTaskPauseCompleted, root)), noopAck))
	assert.Zero(t, cache.Len())
}

func TestInterruptSyncHandler_PoisonPayloadIsLoggedAndAcked(t *testing.T) {
	var buf bytes.Buffer
	cache := NewInterruptCache()
	h := NewInterruptSyncHandler(cache, logger.New(&buf, logger.LevelDebug, "transferd-test", nil), testTracer())

	var acked []error
	err := h.HandleEvent(context.Background(),
		events.EventEnvelope{Type: transfer.EventTypeTaskCancelSync, Payload: "not a task"},
		func(err error) { acked = append(acked, err) })

	require.NoError(t, err)
	assert.Equal(t, []error{nil}, acked)
	assert.Zero(t, cache.Len())
	assert.Contains(t, buf.String(), "Dropping event with unexpected payload")
	assert.Contains(t, buf.String(), transfer.EventTypeTaskCancelSync.String())
}
