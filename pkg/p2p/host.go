package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	libp2pwebrtc "github.com/libp2p/go-libp2p/p2p/transport/webrtc"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
)

const (
	// Topic names
	HeartbeatTopic  = "compute-heartbeats"
	JobTopic        = "compute-jobs"
	ValidationTopic = "compute-validation"
	DiscoveryTopic  = "compute-discovery"

	connectionTimeout = 30 * time.Second
	connMgrGrace      = time.Minute
)

// Handler processes one decoded envelope delivered on a topic
type Handler func(ctx context.Context, from peer.ID, env *Envelope)

// Host manages the P2P overlay: transports, pub/sub topics and the
// connection table
type Host struct {
	cfg    *config.Config
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	handlers    map[MessageType]Handler
	connections map[peer.ID]*data.ConnectionInfo

	bus    *events.Bus
	logger *zap.Logger

	shutdown chan struct{}
	mu       sync.RWMutex
}

// NewHost creates the libp2p host from transport configuration and joins
// the protocol topics
func NewHost(ctx context.Context, cfg *config.Config, priv libp2pCrypto.PrivKey, bus *events.Bus, logger *zap.Logger) (*Host, error) {
	opts, err := buildOptions(cfg, priv)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	hst := &Host{
		cfg:         cfg,
		host:        h,
		pubsub:      ps,
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]*pubsub.Subscription),
		handlers:    make(map[MessageType]Handler),
		connections: make(map[peer.ID]*data.ConnectionInfo),
		bus:         bus,
		logger:      logger,
		shutdown:    make(chan struct{}),
	}

	if cfg.Discovery.EnableDht {
		kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("creating DHT: %w", err)
		}
		hst.dht = kadDHT
	}

	if err := hst.initializeTopics(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("initializing topics: %w", err)
	}

	hst.watchConnections()

	return hst, nil
}

func buildOptions(cfg *config.Config, priv libp2pCrypto.PrivKey) ([]libp2p.Option, error) {
	listenAddrs := cfg.Transport.ListenAddrs
	if len(listenAddrs) == 0 {
		if cfg.Transport.EnableTCP {
			listenAddrs = append(listenAddrs,
				fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Transport.Port))
		}
		if cfg.Transport.EnableWebSocket {
			listenAddrs = append(listenAddrs,
				fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", cfg.Transport.Port+1))
		}
		if cfg.Transport.EnableWebRTC {
			listenAddrs = append(listenAddrs,
				fmt.Sprintf("/ip4/0.0.0.0/udp/%d/webrtc-direct", cfg.Transport.Port))
		}
	}

	cm, err := connmgr.NewConnManager(
		cfg.Discovery.MinPeers,
		cfg.Discovery.MaxPeers,
		connmgr.WithGracePeriod(connMgrGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.EnableNATService(),
	}

	if cfg.Transport.EnableTCP {
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport))
	}
	if cfg.Transport.EnableWebSocket {
		opts = append(opts, libp2p.Transport(websocket.New))
	}
	if cfg.Transport.EnableWebRTC {
		opts = append(opts, libp2p.Transport(libp2pwebrtc.New))
	}
	if cfg.Transport.EnableRelayClient {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Transport.EnableRelayServer {
		opts = append(opts, libp2p.EnableRelayService())
	}
	if cfg.Transport.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	if cfg.Transport.EnableUpnp {
		opts = append(opts, libp2p.NATPortMap())
	}
	if len(cfg.Transport.AnnounceAddrs) > 0 {
		announce := make([]multiaddr.Multiaddr, 0, len(cfg.Transport.AnnounceAddrs))
		for _, addr := range cfg.Transport.AnnounceAddrs {
			ma, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid announce address %s: %w", addr, err)
			}
			announce = append(announce, ma)
		}
		opts = append(opts, libp2p.AddrsFactory(func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return announce
		}))
	}

	return opts, nil
}

// Start begins topic processing and bootstraps the DHT
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("Starting P2P host",
		zap.String("peerID", h.host.ID().String()),
		zap.Any("listenAddrs", h.host.Addrs()))

	if h.dht != nil {
		if err := h.dht.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrapping DHT: %w", err)
		}
	}

	for name, sub := range h.subs {
		go h.handleTopicMessages(ctx, name, sub)
	}

	return nil
}

// Stop gracefully shuts down the host
func (h *Host) Stop() error {
	h.logger.Info("Stopping P2P host")

	close(h.shutdown)

	for _, sub := range h.subs {
		sub.Cancel()
	}
	for _, topic := range h.topics {
		topic.Close()
	}

	if h.dht != nil {
		if err := h.dht.Close(); err != nil {
			h.logger.Warn("Closing DHT", zap.Error(err))
		}
	}

	if err := h.host.Close(); err != nil {
		return fmt.Errorf("closing libp2p host: %w", err)
	}

	h.logger.Info("P2P host stopped")
	return nil
}

// ID returns the local peer id
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// Libp2pHost exposes the underlying host for stream protocols
func (h *Host) Libp2pHost() host.Host {
	return h.host
}

// DHT returns the content/peer routing table, nil when disabled
func (h *Host) DHT() *dht.IpfsDHT {
	return h.dht
}

// Handle registers the handler for a message type. Registration happens
// during wiring, before Start.
func (h *Host) Handle(msgType MessageType, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// Publish sends an envelope on a topic
func (h *Host) Publish(ctx context.Context, topicName string, env *Envelope) error {
	h.mu.RLock()
	topic, ok := h.topics[topicName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("topic %s not initialized", topicName)
	}

	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}
	return nil
}

// Connect dials a peer; failure surfaces to the caller
func (h *Host) Connect(ctx context.Context, peerInfo peer.AddrInfo) error {
	if h.host.Network().Connectedness(peerInfo.ID) == network.Connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := h.host.Connect(ctx, peerInfo); err != nil {
		return fmt.Errorf("connecting to peer %s: %w", peerInfo.ID, err)
	}
	return nil
}

// Disconnect closes all connections to a peer
func (h *Host) Disconnect(peerID peer.ID) error {
	if err := h.host.Network().ClosePeer(peerID); err != nil {
		return fmt.Errorf("closing connection to peer %s: %w", peerID, err)
	}
	return nil
}

// Connections returns a snapshot of live connections
func (h *Host) Connections() []data.ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]data.ConnectionInfo, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, *c)
	}
	return conns
}

// ConnectedPeerCount returns the number of peers with live connections
func (h *Host) ConnectedPeerCount() int {
	return len(h.host.Network().Peers())
}

// AverageLatency reports the mean EWMA latency across connected peers
func (h *Host) AverageLatency() time.Duration {
	peers := h.host.Network().Peers()
	var total time.Duration
	var count int
	for _, p := range peers {
		if latency := h.host.Peerstore().LatencyEWMA(p); latency > 0 {
			total += latency
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Private methods

func (h *Host) initializeTopics(ctx context.Context) error {
	names := []string{HeartbeatTopic, JobTopic, ValidationTopic, DiscoveryTopic}

	for _, name := range names {
		topic, err := h.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("joining topic %s: %w", name, err)
		}
		h.topics[name] = topic

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", name, err)
		}
		h.subs[name] = sub
	}

	return nil
}

func (h *Host) handleTopicMessages(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			select {
			case <-h.shutdown:
			case <-ctx.Done():
			default:
				h.logger.Warn("Topic subscription closed",
					zap.String("topic", topicName),
					zap.Error(err))
			}
			return
		}

		// Skip our own messages
		if msg.ReceivedFrom == h.host.ID() {
			continue
		}

		env := &Envelope{}
		if err := env.Unmarshal(msg.Data); err != nil {
			h.logger.Debug("Dropping malformed message",
				zap.String("topic", topicName),
				zap.Error(err))
			continue
		}

		h.dispatch(ctx, msg.ReceivedFrom, env)
	}
}

func (h *Host) dispatch(ctx context.Context, from peer.ID, env *Envelope) {
	h.mu.RLock()
	handler, ok := h.handlers[env.Type]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug("No handler for message type",
			zap.String("type", string(env.Type)))
		return
	}

	// A handler failure must never take down the event loop.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked",
				zap.String("type", string(env.Type)),
				zap.Any("panic", r))
		}
	}()

	handler(ctx, from, env)
}

// watchConnections tracks connection open/close through a network notifiee
func (h *Host) watchConnections() {
	h.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			remote := conn.RemotePeer()

			h.mu.Lock()
			h.connections[remote] = &data.ConnectionInfo{
				Peer:        remote.String(),
				Direction:   conn.Stat().Direction.String(),
				Established: time.Now(),
			}
			h.mu.Unlock()

			h.bus.Publish(events.PeerEvent{
				Type:   events.PeerConnected,
				PeerID: remote.String(),
			})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			remote := conn.RemotePeer()

			h.mu.Lock()
			delete(h.connections, remote)
			h.mu.Unlock()

			h.bus.Publish(events.PeerEvent{
				Type:   events.PeerDisconnected,
				PeerID: remote.String(),
			})
		},
	})
}
