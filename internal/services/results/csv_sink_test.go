package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func taskFields(status string, retries int) map[string]any {
	return map[string]any{
		"status":           status,
		"worker_id":        "worker-1",
		"retry_count":      retries,
		"found_count":      2,
		"downloaded_count": 2,
		"error":            "",
	}
}

func TestCSVSink_WritesHeaderAndRows(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir(), common.GetLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Persist(context.Background(), "PO-1", taskFields("completed", 0)))
	require.NoError(t, sink.Persist(context.Background(), "PO-2", taskFields("failed", 2)))
	require.NoError(t, sink.Close())

	rows := readRows(t, sink.Path())
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "PO-1", rows[1][0])
	assert.Equal(t, "completed", rows[1][1])
	assert.Equal(t, "PO-2", rows[2][0])
	assert.Equal(t, "2", rows[2][3])
}

func TestCSVSink_ConcurrentWritersNeverInterleave(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir(), common.GetLogger())
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("PO-%d-%d", w, i)
				require.NoError(t, sink.Persist(context.Background(), key, taskFields("completed", 0)))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	rows := readRows(t, sink.Path())
	require.Len(t, rows, writers*perWriter+1)

	// Every row parses with the full column set; interleaved writes would
	// corrupt the csv structure
	for _, row := range rows {
		assert.Len(t, row, len(csvHeader))
	}
}

func TestCSVSink_CloseIsIdempotentAndStopsWrites(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir(), common.GetLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Error(t, sink.Persist(context.Background(), "PO-1", taskFields("completed", 0)))
}

func TestCSVSink_UniqueFilePerRun(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCSVSink(dir, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
