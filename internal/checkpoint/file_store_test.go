package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

func newFileStore(t *testing.T, path string) *FileStore {
	t.Helper()
	store, err := NewFileStore(path, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStore_MissingFileLoadsEmpty(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "checkpoint.json"))

	cursor, err := store.Load(context.Background(), "schedd@host")
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestFileStore_CorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := newFileStore(t, path)
	cursor, err := store.Load(context.Background(), "schedd@host")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	// The store stays usable and replaces the corrupt file
	require.NoError(t, store.Update(context.Background(), "schedd@host", models.Cursor{"GlobalJobId": "a#1"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schedd@host":{"GlobalJobId":"a#1"}}`, string(data))
}

func TestFileStore_UpdateMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")

	store, err := NewFileStore(path, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, "Generic", models.Cursor{"GlobalJobId": "x#1", "RecordTime": float64(100)}))
	require.NoError(t, store.Update(ctx, "Generic", models.Cursor{"GlobalJobId": "x#2"}))
	require.NoError(t, store.Close())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	reopened := newFileStore(t, path)
	cursor, err := reopened.Load(ctx, "Generic")
	require.NoError(t, err)
	assert.Equal(t, "x#2", cursor.String("GlobalJobId"))
	assert.Equal(t, float64(100), cursor["RecordTime"])
}

func TestFileStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := newFileStore(t, path)

	const workers = 16
	const updates = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("schedd-%d", w)
			for i := 1; i <= updates; i++ {
				assert.NoError(t, store.Update(ctx, key, models.Cursor{"GlobalJobId": fmt.Sprintf("%d#%02d", w, i)}))
			}
		}(w)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, workers)
	for w := 0; w < workers; w++ {
		assert.Equal(t, fmt.Sprintf("%d#%02d", w, updates), onDisk[fmt.Sprintf("schedd-%d", w)]["GlobalJobId"])
	}
}

func TestFileStore_CursorNeverRegressesAcrossChunks(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, filepath.Join(t.TempDir(), "checkpoint.json"))

	previous := ""
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Update(ctx, "k", models.Cursor{"GlobalJobId": fmt.Sprintf("job#%03d", i*4)}))

		cursor, err := store.Load(ctx, "k")
		require.NoError(t, err)
		current := cursor.String("GlobalJobId")
		assert.Greater(t, current, previous)
		previous = current
	}
}

func TestFileStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, store.Update(ctx, "k", models.Cursor{"GlobalJobId": "a"}))

	cursor, err := store.Load(ctx, "k")
	require.NoError(t, err)
	cursor["GlobalJobId"] = "mutated"

	again, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", again.String("GlobalJobId"))
}

func TestFileStore_ClosedStoreRejectsOperations(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Load(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	err = store.Update(context.Background(), "k", models.Cursor{"GlobalJobId": "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_EmptyPartialIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := newFileStore(t, path)

	require.NoError(t, store.Update(context.Background(), "k", nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_CancelledUpdateIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := newFileStore(t, path)
	require.NoError(t, store.Update(context.Background(), "schedd-a", models.Cursor{"GlobalJobId": "a#4"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Repeated to cover both sides of the send select
	for i := 0; i < 50; i++ {
		err := store.Update(ctx, "schedd-a", models.Cursor{"GlobalJobId": "a#2"})
		assert.ErrorIs(t, err, context.Canceled)
	}

	cursor, err := store.Load(context.Background(), "schedd-a")
	require.NoError(t, err)
	assert.Equal(t, "a#4", cursor.String("GlobalJobId"))
}
