package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
)

func TestFetchLocalHit(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newTestStore(t)
	bus := events.NewBus(logger)
	defer bus.Close()

	fetcher := NewFetcher(nil, nil, store,
		config.ContentConfig{MaxProviders: 3, ChunkTimeout: time.Second}, bus, logger)

	payload := []byte("locally held block")
	id, err := store.Put(payload)
	require.NoError(t, err)

	sub := bus.Subscribe(events.ContentFetched)
	defer sub.Close()

	result := fetcher.Fetch(context.Background(), data.FetchRequest{CID: id, Verify: true})

	require.True(t, result.Success)
	assert.Equal(t, id, result.CID)
	assert.NotEmpty(t, result.LocalPath)
	assert.Empty(t, result.Error)

	select {
	case ev := <-sub.C():
		ce, ok := ev.(events.ContentEvent)
		require.True(t, ok)
		assert.Equal(t, id, ce.CID)
		require.NotNil(t, ce.Result)
		assert.True(t, ce.Result.Success)
	case <-time.After(time.Second):
		t.Fatal("cache hits must publish a fetched event")
	}

	// A second fetch of the same block stays local too
	again := fetcher.Fetch(context.Background(), data.FetchRequest{CID: id})
	assert.True(t, again.Success)
	assert.Equal(t, result.LocalPath, again.LocalPath)

	t.Run("Destination", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "exported", "model.bin")
		res := fetcher.Fetch(context.Background(), data.FetchRequest{CID: id, Destination: dest})
		require.True(t, res.Success)

		exported, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, payload, exported)
	})
}

func TestFetchReportsFailureInResult(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newTestStore(t)
	bus := events.NewBus(logger)
	defer bus.Close()

	// No routing table and no host connections: resolution yields no
	// providers and the fetch fails in-band
	fetcher := NewFetcher(nil, nil, store,
		config.ContentConfig{MaxProviders: 3, ChunkTimeout: time.Second}, bus, logger)

	sub := bus.Subscribe(events.ContentFailed)
	defer sub.Close()

	result := fetcher.Fetch(context.Background(), data.FetchRequest{CID: "bafymissing"})

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, "bafymissing", result.CID)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.ContentFailed, ev.EventType())
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}
}
