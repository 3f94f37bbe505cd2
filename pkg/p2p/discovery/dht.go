package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"p2p_compute/pkg/events"
)

const (
	dhtAdvertiseInterval = 10 * time.Minute
	dhtFindInterval      = 1 * time.Minute
	dhtLookupTimeout     = 30 * time.Second
	dhtProviderLimit     = 20
)

// DHTDiscovery advertises membership rendezvous keys on the Kademlia
// routing table and walks them for new peers
type DHTDiscovery struct {
	host   host.Host
	dht    *dht.IpfsDHT
	bus    *events.Bus
	logger *zap.Logger
	topics []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDHTDiscovery wraps an existing routing table with rendezvous
// advertisement for the given discovery topics
func NewDHTDiscovery(h host.Host, kadDHT *dht.IpfsDHT, topics []string, bus *events.Bus, logger *zap.Logger) *DHTDiscovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &DHTDiscovery{
		host:   h,
		dht:    kadDHT,
		bus:    bus,
		logger: logger,
		topics: topics,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins advertising and searching the rendezvous keys
func (d *DHTDiscovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true

	for _, topic := range d.topics {
		key, err := rendezvousKey(topic)
		if err != nil {
			d.logger.Warn("Skipping invalid rendezvous topic",
				zap.String("topic", topic),
				zap.Error(err))
			continue
		}

		d.wg.Add(2)
		go d.advertiseLoop(topic, key)
		go d.findLoop(topic, key)
	}

	d.logger.Info("DHT discovery started",
		zap.Strings("topics", d.topics))
	return nil
}

// Stop halts advertisement and lookup loops
func (d *DHTDiscovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	d.running = false
	return nil
}

// rendezvousKey maps a topic name onto a content key the routing table
// can hold provider records for
func rendezvousKey(topic string) (cid.Cid, error) {
	hash, err := mh.Sum([]byte(topic), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

func (d *DHTDiscovery) advertiseLoop(topic string, key cid.Cid) {
	defer d.wg.Done()

	ticker := time.NewTicker(dhtAdvertiseInterval)
	defer ticker.Stop()

	for {
		d.advertise(topic, key)
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *DHTDiscovery) advertise(topic string, key cid.Cid) {
	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	if err := d.dht.Provide(ctx, key, true); err != nil {
		d.logger.Debug("Rendezvous advertisement failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (d *DHTDiscovery) findLoop(topic string, key cid.Cid) {
	defer d.wg.Done()

	ticker := time.NewTicker(dhtFindInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.findPeers(topic, key)
		}
	}
}

func (d *DHTDiscovery) findPeers(topic string, key cid.Cid) {
	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	for info := range d.dht.FindProvidersAsync(ctx, key, dhtProviderLimit) {
		if info.ID == d.host.ID() || info.ID == "" {
			continue
		}
		d.handleFound(topic, info)
	}
}

func (d *DHTDiscovery) handleFound(topic string, info peer.AddrInfo) {
	d.bus.Publish(events.PeerEvent{
		Type:   events.PeerDiscovered,
		PeerID: info.ID.String(),
	})

	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	if err := d.host.Connect(ctx, info); err != nil {
		d.logger.Debug("Failed to connect to rendezvous peer",
			zap.String("topic", topic),
			zap.String("peer", info.ID.String()),
			zap.Error(err))
	}
}
