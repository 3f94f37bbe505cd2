package heartbeat

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/identity"
	"p2p_compute/pkg/jobs"
	"p2p_compute/pkg/p2p"
	"p2p_compute/pkg/peer"
)

// Transport is the slice of the overlay the heartbeat loop needs
type Transport interface {
	Publish(ctx context.Context, topic string, env *p2p.Envelope) error
	Handle(msgType p2p.MessageType, handler p2p.Handler)
	ConnectedPeerCount() int
	AverageLatency() time.Duration
}

// Service emits this node's signed liveness beacon and folds verified
// remote beacons into the peer directory. Sequence numbers are strictly
// monotonic per sender; receivers use them to discard replays.
type Service struct {
	cfg       config.HeartbeatConfig
	host      Transport
	ident     *identity.Identity
	directory *peer.Directory
	manager   *jobs.Manager
	bus       *events.Bus
	logger    *zap.Logger

	base     data.PeerCapabilities
	sequence atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewService creates the heartbeat loop. The base capabilities describe
// static capacity (formats, validator role, limits); dynamic resource
// fields are refreshed on every beat.
func NewService(cfg config.HeartbeatConfig, host Transport, ident *identity.Identity,
	directory *peer.Directory, manager *jobs.Manager, base data.PeerCapabilities,
	bus *events.Bus, logger *zap.Logger) *Service {

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		host:      host,
		ident:     ident,
		directory: directory,
		manager:   manager,
		bus:       bus,
		logger:    logger,
		base:      base,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterHandlers subscribes the service to heartbeat traffic
func (s *Service) RegisterHandlers() {
	s.host.Handle(p2p.MsgHeartbeat, s.handleHeartbeat)
	s.host.Handle(p2p.MsgAnnounce, s.handleAnnounce)
}

// Start begins the periodic beacon
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.announce()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("Heartbeat service started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("signed", s.cfg.SignTelemetry))
	return nil
}

// Stop halts the beacon
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	return nil
}

// Sequence returns the last emitted sequence number
func (s *Service) Sequence() uint64 {
	return s.sequence.Load()
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.beat()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) beat() {
	hb, err := s.Build()
	if err != nil {
		s.logger.Warn("Building heartbeat failed", zap.Error(err))
		return
	}

	env, err := p2p.NewEnvelope(p2p.MsgHeartbeat, hb.PeerID, hb)
	if err != nil {
		s.logger.Warn("Encoding heartbeat failed", zap.Error(err))
		return
	}
	if err := s.host.Publish(s.ctx, p2p.HeartbeatTopic, env); err != nil {
		s.logger.Debug("Heartbeat publish failed", zap.Error(err))
	}
}

// announce introduces this node on the discovery topic so peers learn
// its identity and capabilities before the first heartbeat lands
func (s *Service) announce() {
	self := data.PeerInfo{
		ID:            s.ident.PeerID().String(),
		WalletAddress: s.ident.WalletAddress(),
		PublicKey:     identity.EncodeKey(s.ident.PublicKey()),
		Capabilities:  s.collectCapabilities(),
		Status:        data.PeerStatusOnline,
	}

	env, err := p2p.NewEnvelope(p2p.MsgAnnounce, self.ID, p2p.Announce{Peer: self})
	if err != nil {
		s.logger.Warn("Encoding announce failed", zap.Error(err))
		return
	}
	if err := s.host.Publish(s.ctx, p2p.DiscoveryTopic, env); err != nil {
		s.logger.Debug("Announce publish failed", zap.Error(err))
	}
}

// Build assembles and, when configured, signs the next heartbeat
func (s *Service) Build() (*data.Heartbeat, error) {
	active := s.manager.ActiveCount()
	queued := s.manager.QueuedCount()

	status := data.PeerStatusIdle
	if active > 0 {
		status = data.PeerStatusOnline
	}
	if queued > 0 {
		// Jobs waiting on a slot means the node is saturated
		status = data.PeerStatusBusy
	}

	hb := &data.Heartbeat{
		PeerID:       s.ident.PeerID().String(),
		Sequence:     s.sequence.Add(1),
		Status:       status,
		Capabilities: s.collectCapabilities(),
		ActiveJobs:   active,
		QueuedJobs:   queued,
		JobStats:     s.manager.Stats(),
		System:       collectSystemMetrics(),
		Network: data.NetworkMetrics{
			Connections:  s.host.ConnectedPeerCount(),
			AvgLatencyMs: s.host.AverageLatency().Milliseconds(),
		},
		SentAt: time.Now().UTC(),
	}

	if s.cfg.SignTelemetry {
		hb.PublicKey = identity.EncodeKey(s.ident.PublicKey())
		payload, err := hb.SigningBytes()
		if err != nil {
			return nil, err
		}
		hb.Signature = s.ident.Sign(payload)
	}

	return hb, nil
}

// collectCapabilities refreshes the dynamic resource fields on the
// static capability baseline
func (s *Service) collectCapabilities() data.PeerCapabilities {
	caps := s.base
	caps.CPUCores = runtime.NumCPU()

	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err == nil {
		unit := int64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		caps.MemoryTotal = int64(info.Totalram) * unit
		caps.MemoryAvailable = int64(info.Freeram) * unit
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(".", &stat); err == nil {
		caps.DiskTotal = int64(stat.Blocks) * stat.Bsize
		caps.DiskAvailable = int64(stat.Bavail) * stat.Bsize
	}

	return caps
}

func collectSystemMetrics() data.SystemMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	metrics := data.SystemMetrics{
		MemoryUsed: int64(mem.Alloc),
		Goroutines: runtime.NumGoroutine(),
	}

	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err == nil {
		unit := int64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		metrics.MemoryTotal = int64(info.Totalram) * unit
	}
	return metrics
}

// handleHeartbeat verifies and applies a remote beacon. A signature that
// fails against the pinned key for the sender, or against the carried
// key on first contact, drops the beacon and debits the sender.
func (s *Service) handleHeartbeat(ctx context.Context, from libp2pPeer.ID, env *p2p.Envelope) {
	var hb data.Heartbeat
	if err := env.Decode(&hb); err != nil {
		s.logger.Debug("Dropping malformed heartbeat", zap.Error(err))
		return
	}
	if hb.PeerID == "" || hb.PeerID == s.ident.PeerID().String() {
		return
	}

	if len(hb.Signature) > 0 {
		if !s.verify(&hb) {
			s.logger.Warn("Dropping heartbeat with bad signature",
				zap.String("peer", hb.PeerID))
			s.directory.RecordInvalidSignature(hb.PeerID)
			return
		}
	} else if _, pinned := s.directory.PinnedKey(hb.PeerID); pinned {
		// A peer with a pinned key has signed before and cannot
		// downgrade to unsigned beacons
		s.logger.Warn("Dropping unsigned heartbeat from signing peer",
			zap.String("peer", hb.PeerID))
		return
	}

	if !s.directory.ApplyHeartbeat(&hb) {
		return
	}

	s.bus.Publish(events.HeartbeatEvent{Heartbeat: &hb})
}

// handleAnnounce records a peer's self-introduction
func (s *Service) handleAnnounce(ctx context.Context, from libp2pPeer.ID, env *p2p.Envelope) {
	var msg p2p.Announce
	if err := env.Decode(&msg); err != nil {
		s.logger.Debug("Dropping malformed announce", zap.Error(err))
		return
	}
	if msg.Peer.ID == "" || msg.Peer.ID == s.ident.PeerID().String() {
		return
	}
	s.directory.ApplyAnnounce(&msg.Peer)
}

// verify checks the beacon signature. The pinned key wins over the
// carried one, so a peer cannot rotate keys by carrying a new one.
func (s *Service) verify(hb *data.Heartbeat) bool {
	var key ed25519.PublicKey
	if pinned, ok := s.directory.PinnedKey(hb.PeerID); ok {
		key = pinned
	} else if hb.PublicKey != "" {
		carried, err := identity.DecodeKey(hb.PublicKey)
		if err != nil {
			return false
		}
		key = carried
	} else {
		return false
	}

	// The carried key must match what we verify against
	if hb.PublicKey != "" {
		carried, err := identity.DecodeKey(hb.PublicKey)
		if err != nil || !bytes.Equal(carried, key) {
			return false
		}
	}

	payload, err := hb.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(payload, hb.Signature, key)
}
