package sqlite

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/storage"
	"github.com/ahrav/transfer-armada/internal/infra/storage/transfer/storetest"
)

func TestTaskStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) transfer.TaskRepository {
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		store, err := Open(dsn, storage.NoOpTracer())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
