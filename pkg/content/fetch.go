package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
)

const (
	// ProtocolID is the block exchange stream protocol
	ProtocolID = protocol.ID("/p2p-compute/blocks/1.0.0")

	fetchChunkSize = 1 << 20
	maxBlockSize   = 8 << 30
	provideTimeout = 30 * time.Second
)

// blockRequest asks a remote peer for one block by identifier
type blockRequest struct {
	CID string `json:"cid"`
}

// blockResponse precedes the raw block bytes on the stream
type blockResponse struct {
	Found bool   `json:"found"`
	Size  int64  `json:"size"`
	Error string `json:"error,omitempty"`
}

// Fetcher retrieves blocks from the network: local store first, then
// providers resolved through the routing table. Concurrent fetches of the
// same identifier are coalesced onto a single download.
type Fetcher struct {
	host    host.Host
	routing *dht.IpfsDHT
	store   *Store
	cfg     config.ContentConfig
	bus     *events.Bus
	logger  *zap.Logger

	inflight map[string][]chan *data.FetchResult
	mu       sync.Mutex
}

// NewFetcher creates a fetcher backed by the given store and routing
// table. A nil routing table limits fetches to already connected peers.
func NewFetcher(h host.Host, routing *dht.IpfsDHT, store *Store, cfg config.ContentConfig, bus *events.Bus, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		host:     h,
		routing:  routing,
		store:    store,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		inflight: make(map[string][]chan *data.FetchResult),
	}
}

// Serve registers the block exchange handler so other peers can pull
// blocks from the local store
func (f *Fetcher) Serve() {
	f.host.SetStreamHandler(ProtocolID, f.handleStream)
}

// Store exposes the backing block store
func (f *Fetcher) Store() *Store {
	return f.store
}

// Fetch retrieves a block described by the request. The outcome, success
// or failure, is reported in the result rather than an error; the only
// error paths are context cancellation surfaced inside the result.
func (f *Fetcher) Fetch(ctx context.Context, req data.FetchRequest) *data.FetchResult {
	start := time.Now()

	if req.MaxProviders <= 0 {
		req.MaxProviders = f.cfg.MaxProviders
	}
	if req.ChunkTimeout <= 0 {
		req.ChunkTimeout = f.cfg.ChunkTimeout
	}

	if path, err := f.store.Path(req.CID); err == nil {
		if err := f.exportTo(req, path); err != nil {
			f.bus.Publish(events.ContentEvent{
				Type: events.ContentFailed,
				CID:  req.CID,
			})
			return &data.FetchResult{
				CID:     req.CID,
				Elapsed: time.Since(start),
				Error:   err.Error(),
			}
		}
		result := &data.FetchResult{
			CID:       req.CID,
			Success:   true,
			Elapsed:   time.Since(start),
			LocalPath: path,
		}
		// Cache hits report the same terminal event as network fetches
		f.bus.Publish(events.ContentEvent{
			Type:   events.ContentFetched,
			CID:    req.CID,
			Result: result,
		})
		return result
	}

	// Coalesce with an in-flight download of the same block
	f.mu.Lock()
	if waiters, ok := f.inflight[req.CID]; ok {
		ch := make(chan *data.FetchResult, 1)
		f.inflight[req.CID] = append(waiters, ch)
		f.mu.Unlock()

		select {
		case res := <-ch:
			return res
		case <-ctx.Done():
			return &data.FetchResult{
				CID:     req.CID,
				Elapsed: time.Since(start),
				Error:   ctx.Err().Error(),
			}
		}
	}
	f.inflight[req.CID] = nil
	f.mu.Unlock()

	result := f.fetch(ctx, req, start)

	f.mu.Lock()
	waiters := f.inflight[req.CID]
	delete(f.inflight, req.CID)
	f.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
	}
	return result
}

func (f *Fetcher) fetch(ctx context.Context, req data.FetchRequest, start time.Time) *data.FetchResult {
	fail := func(msg string) *data.FetchResult {
		f.bus.Publish(events.ContentEvent{
			Type: events.ContentFailed,
			CID:  req.CID,
		})
		return &data.FetchResult{
			CID:     req.CID,
			Elapsed: time.Since(start),
			Error:   msg,
		}
	}

	f.bus.Publish(events.ContentEvent{
		Type: events.ContentFetching,
		CID:  req.CID,
		Progress: &data.FetchProgress{
			CID:       req.CID,
			Stage:     data.FetchStageResolving,
			UpdatedAt: time.Now(),
		},
	})

	providers, err := f.findProviders(ctx, req.CID, req.MaxProviders)
	if err != nil {
		return fail(fmt.Sprintf("resolving providers: %v", err))
	}
	if len(providers) == 0 {
		return fail("no providers found")
	}

	var lastErr error
	for _, provider := range providers {
		if ctx.Err() != nil {
			return fail(ctx.Err().Error())
		}

		block, err := f.fetchFromPeer(ctx, provider, req)
		if err != nil {
			lastErr = err
			f.logger.Debug("Provider fetch failed",
				zap.String("cid", req.CID),
				zap.String("provider", provider.String()),
				zap.Error(err))
			continue
		}

		if req.Verify {
			f.publishProgress(req.CID, data.FetchStageVerifying, int64(len(block)), int64(len(block)))
			if !Verify(block, req.CID) {
				lastErr = fmt.Errorf("block from %s failed verification", provider)
				continue
			}
		}

		if _, err := f.store.Put(block); err != nil {
			return fail(fmt.Sprintf("storing block: %v", err))
		}
		path, err := f.store.Path(req.CID)
		if err != nil {
			return fail(fmt.Sprintf("locating stored block: %v", err))
		}
		if err := f.exportTo(req, path); err != nil {
			return fail(err.Error())
		}

		go f.Provide(req.CID)

		result := &data.FetchResult{
			CID:          req.CID,
			Success:      true,
			BytesFetched: int64(len(block)),
			Elapsed:      time.Since(start),
			LocalPath:    path,
		}
		f.bus.Publish(events.ContentEvent{
			Type:   events.ContentFetched,
			CID:    req.CID,
			Result: result,
		})
		return result
	}

	return fail(fmt.Sprintf("all %d providers failed, last: %v", len(providers), lastErr))
}

// exportTo copies the cached block to the request's destination path,
// when one is set
func (f *Fetcher) exportTo(req data.FetchRequest, path string) error {
	if req.Destination == "" {
		return nil
	}
	block, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading cached block: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	if err := os.WriteFile(req.Destination, block, 0o644); err != nil {
		return fmt.Errorf("writing destination: %w", err)
	}
	return nil
}

// findProviders resolves up to limit providers for a block, preferring
// the routing table and falling back to currently connected peers
func (f *Fetcher) findProviders(ctx context.Context, id string, limit int) ([]peer.ID, error) {
	if f.routing == nil {
		if f.host == nil {
			return nil, nil
		}
		peers := f.host.Network().Peers()
		if len(peers) > limit {
			peers = peers[:limit]
		}
		return peers, nil
	}

	decoded, err := cid.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("invalid content identifier: %w", err)
	}

	providers := make([]peer.ID, 0, limit)
	for info := range f.routing.FindProvidersAsync(ctx, decoded, limit) {
		if info.ID == f.host.ID() || info.ID == "" {
			continue
		}
		if len(info.Addrs) > 0 {
			f.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
		}
		providers = append(providers, info.ID)
	}
	return providers, nil
}

// fetchFromPeer pulls one block over a fresh exchange stream. The read
// deadline advances per chunk, so a stalled provider is abandoned without
// bounding the total transfer time.
func (f *Fetcher) fetchFromPeer(ctx context.Context, provider peer.ID, req data.FetchRequest) ([]byte, error) {
	stream, err := f.host.NewStream(ctx, provider, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(blockRequest{CID: req.CID}); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	decoder := json.NewDecoder(stream)
	stream.SetReadDeadline(time.Now().Add(req.ChunkTimeout))

	var resp blockResponse
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	if !resp.Found {
		return nil, fmt.Errorf("provider does not hold block: %s", resp.Error)
	}
	if resp.Size <= 0 || resp.Size > maxBlockSize {
		return nil, fmt.Errorf("implausible block size %d", resp.Size)
	}

	// The decoder may have buffered the start of the block body
	reader := io.MultiReader(decoder.Buffered(), stream)

	block := make([]byte, resp.Size)
	var fetched int64
	for fetched < resp.Size {
		chunk := resp.Size - fetched
		if chunk > fetchChunkSize {
			chunk = fetchChunkSize
		}

		stream.SetReadDeadline(time.Now().Add(req.ChunkTimeout))
		n, err := io.ReadFull(reader, block[fetched:fetched+chunk])
		fetched += int64(n)
		if err != nil {
			return nil, fmt.Errorf("reading block after %d bytes: %w", fetched, err)
		}

		f.publishProgress(req.CID, data.FetchStageDownloading, fetched, resp.Size)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return block, nil
}

// Provide advertises a locally held block on the routing table
func (f *Fetcher) Provide(id string) {
	if f.routing == nil {
		return
	}
	decoded, err := cid.Decode(id)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), provideTimeout)
	defer cancel()

	if err := f.routing.Provide(ctx, decoded, true); err != nil {
		f.logger.Debug("Provider advertisement failed",
			zap.String("cid", id),
			zap.Error(err))
	}
}

func (f *Fetcher) publishProgress(id string, stage data.FetchStage, fetched, total int64) {
	f.bus.Publish(events.ContentEvent{
		Type: events.ContentProgress,
		CID:  id,
		Progress: &data.FetchProgress{
			CID:          id,
			Stage:        stage,
			BytesFetched: fetched,
			TotalBytes:   total,
			UpdatedAt:    time.Now(),
		},
	})
}

// handleStream serves one block request from the local store
func (f *Fetcher) handleStream(stream network.Stream) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(f.cfg.ChunkTimeout))

	var req blockRequest
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		f.logger.Debug("Malformed block request",
			zap.String("peer", stream.Conn().RemotePeer().String()),
			zap.Error(err))
		return
	}

	encoder := json.NewEncoder(stream)

	block, err := f.store.Get(req.CID)
	if err != nil {
		encoder.Encode(blockResponse{Found: false, Error: "not held"})
		return
	}

	if err := encoder.Encode(blockResponse{Found: true, Size: int64(len(block))}); err != nil {
		return
	}
	if _, err := stream.Write(block); err != nil {
		f.logger.Debug("Block send failed",
			zap.String("cid", req.CID),
			zap.String("peer", stream.Conn().RemotePeer().String()),
			zap.Error(err))
	}
}
