package content

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestComputeCID(t *testing.T) {
	id1, err := ComputeCID([]byte("model weights"))
	require.NoError(t, err)
	id2, err := ComputeCID([]byte("model weights"))
	require.NoError(t, err)
	id3, err := ComputeCID([]byte("other weights"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Contains(t, id1, "baf")
}

func TestVerify(t *testing.T) {
	data := []byte("input tensor")
	id, err := ComputeCID(data)
	require.NoError(t, err)

	assert.True(t, Verify(data, id))
	assert.False(t, Verify([]byte("tampered tensor"), id))
	assert.False(t, Verify(data, "not-a-cid"))
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)

	data := []byte("block payload")
	id, err := store.Put(data)
	require.NoError(t, err)

	assert.True(t, store.Has(id))

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	path, err := store.Path(id)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Re-storing the same bytes yields the same identifier
	again, err := store.Put(data)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("bafymissing")
	assert.ErrorIs(t, err, ErrBlockNotFound)

	_, err = store.Path("bafymissing")
	assert.ErrorIs(t, err, ErrBlockNotFound)

	assert.False(t, store.Has("bafymissing"))
}

func TestPinUnpin(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Put([]byte("pinned block"))
	require.NoError(t, err)

	assert.False(t, store.IsPinned(id))
	require.NoError(t, store.Pin(id))
	assert.True(t, store.IsPinned(id))

	require.NoError(t, store.Unpin(id))
	assert.False(t, store.IsPinned(id))

	// Unpinning twice is harmless
	assert.NoError(t, store.Unpin(id))

	// Pinning a missing block fails
	assert.ErrorIs(t, store.Pin("bafymissing"), ErrBlockNotFound)
}

func TestListAndSize(t *testing.T) {
	store := newTestStore(t)

	id1, err := store.Put([]byte("one"))
	require.NoError(t, err)
	id2, err := store.Put([]byte("three"))
	require.NoError(t, err)

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, ids)

	size, err := store.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestGC(t *testing.T) {
	store := newTestStore(t)

	oldID, err := store.Put([]byte("expired block"))
	require.NoError(t, err)
	pinnedID, err := store.Put([]byte("pinned old block"))
	require.NoError(t, err)
	require.NoError(t, store.Pin(pinnedID))
	freshID, err := store.Put([]byte("fresh block"))
	require.NoError(t, err)

	// Age the first two blocks past the retention window
	past := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{oldID, pinnedID} {
		path, err := store.Path(id)
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(path, past, past))
	}

	removed, err := store.GC(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.False(t, store.Has(oldID), "expired unpinned block should be collected")
	assert.True(t, store.Has(pinnedID), "pinned block must survive")
	assert.True(t, store.Has(freshID), "fresh block must survive")
}
