package results

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "results"),
	}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_PersistAndGet(t *testing.T) {
	store := openTestStore(t)

	fields := map[string]any{
		"task_id":          "task_1",
		"status":           "completed",
		"worker_id":        "worker-1",
		"found_count":      3,
		"downloaded_count": 3,
		"retry_count":      1,
		"artifacts":        []string{"a.pdf", "b.pdf"},
	}
	require.NoError(t, store.Persist(context.Background(), "PO-1", fields))

	record, err := store.Get("PO-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)
	assert.Equal(t, "worker-1", record.WorkerID)
	assert.Equal(t, 3, record.FoundCount)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, record.Artifacts)
	assert.False(t, record.UpdatedAt.IsZero())
}

func TestStore_UpsertOverwritesPreviousOutcome(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Persist(context.Background(), "PO-1", map[string]any{"status": "failed", "error": "page error"}))
	require.NoError(t, store.Persist(context.Background(), "PO-1", map[string]any{"status": "completed"}))

	record, err := store.Get("PO-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_GetUnknownKey(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get("PO-missing")
	assert.Error(t, err)
}

func TestStore_List(t *testing.T) {
	store := openTestStore(t)

	for _, key := range []string{"PO-1", "PO-2", "PO-3"} {
		require.NoError(t, store.Persist(context.Background(), key, map[string]any{"status": "completed"}))
	}

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
