package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"

	"p2p_compute/pkg/events"
)

const (
	mdnsCleanupInterval = 1 * time.Minute
	mdnsStaleTimeout    = 10 * time.Minute
	serviceTag          = "_p2p-compute._udp"
)

// MDNSDiscovery handles local network peer discovery using mDNS
type MDNSDiscovery struct {
	host    host.Host
	bus     *events.Bus
	logger  *zap.Logger
	service mdns.Service

	localPeers map[peer.ID]time.Time
	peerCh     chan peer.AddrInfo
	mu         sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewMDNSDiscovery creates a new mDNS discovery service
func NewMDNSDiscovery(h host.Host, bus *events.Bus, logger *zap.Logger) *MDNSDiscovery {
	ctx, cancel := context.WithCancel(context.Background())

	return &MDNSDiscovery{
		host:       h,
		bus:        bus,
		logger:     logger,
		localPeers: make(map[peer.ID]time.Time),
		peerCh:     make(chan peer.AddrInfo, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins local peer discovery
func (m *MDNSDiscovery) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.service = mdns.NewMdnsService(m.host, serviceTag, m)
	if err := m.service.Start(); err != nil {
		return err
	}

	go m.discoveryLoop()

	m.running = true
	m.logger.Info("mDNS discovery started",
		zap.String("service_tag", serviceTag))
	return nil
}

// Stop halts local peer discovery
func (m *MDNSDiscovery) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.service != nil {
		m.service.Close()
	}

	m.cancel()
	m.running = false
	m.logger.Info("mDNS discovery stopped")
	return nil
}

// HandlePeerFound implements the mdns.Notifee interface
func (m *MDNSDiscovery) HandlePeerFound(peerInfo peer.AddrInfo) {
	if peerInfo.ID == m.host.ID() {
		return
	}

	m.mu.Lock()
	_, known := m.localPeers[peerInfo.ID]
	m.localPeers[peerInfo.ID] = time.Now()
	m.mu.Unlock()

	if !known {
		m.bus.Publish(events.PeerEvent{
			Type:   events.PeerDiscovered,
			PeerID: peerInfo.ID.String(),
		})
	}

	select {
	case m.peerCh <- peerInfo:
	default:
		m.logger.Debug("Peer channel full, skipping peer",
			zap.String("peer", peerInfo.ID.String()))
	}
}

func (m *MDNSDiscovery) discoveryLoop() {
	ticker := time.NewTicker(mdnsCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupStalePeers()
		case found := <-m.peerCh:
			go m.connectToPeer(found)
		}
	}
}

func (m *MDNSDiscovery) cleanupStalePeers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, lastSeen := range m.localPeers {
		if now.Sub(lastSeen) > mdnsStaleTimeout {
			delete(m.localPeers, id)
			m.logger.Debug("Removed stale local peer",
				zap.String("peer", id.String()))
		}
	}
}

func (m *MDNSDiscovery) connectToPeer(peerInfo peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	if err := m.host.Connect(ctx, peerInfo); err != nil {
		m.logger.Debug("Failed to connect to discovered peer",
			zap.String("peer", peerInfo.ID.String()),
			zap.Error(err))
		return
	}

	m.logger.Debug("Connected to discovered peer",
		zap.String("peer", peerInfo.ID.String()))
}

// GetLocalPeers returns all currently known local peers
func (m *MDNSDiscovery) GetLocalPeers() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]peer.ID, 0, len(m.localPeers))
	for id := range m.localPeers {
		peers = append(peers, id)
	}
	return peers
}

// IsConnected checks if a specific local peer is connected
func (m *MDNSDiscovery) IsConnected(id peer.ID) bool {
	m.mu.RLock()
	_, exists := m.localPeers[id]
	m.mu.RUnlock()
	return exists && m.host.Network().Connectedness(id) == network.Connected
}
