package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

func TestProgressHandler_HandleEvent(t *testing.T) {
	tests := []struct {
		name      string
		status    transfer.TaskStatus
		wantBytes int64
	}{
		{name: "running copy records progress", status: transfer.TaskStatusTransferring, wantBytes: 300},
		{name: "late report on retrying task is ignored", status: transfer.TaskStatusRetrying},
		{name: "late report on cancelled task is ignored", status: transfer.TaskStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			h := NewProgressHandler(f.repo, f.publisher, f.cache, f.metrics, f.logger, f.tracer)

			leaf := seedLeaf(t, f)
			leaf = setStatus(t, f.repo, leaf, tt.status)

			snap := leaf.Snapshot()
			snap.BytesTransferred = 300
			snap.TotalSize = 1000
			require.NoError(t, h.HandleEvent(context.Background(),
				envelope(transfer.NewSnapshotEvent(transfer.EventTypeTaskUpdated, snap)), noopAck))

			stored := getTask(t, f.repo, leaf.ID())
			assert.Equal(t, tt.status, stored.Status())
			assert.Equal(t, tt.wantBytes, stored.BytesTransferred())
		})
	}
}
