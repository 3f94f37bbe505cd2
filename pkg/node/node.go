package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/content"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/database"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/heartbeat"
	"p2p_compute/pkg/identity"
	"p2p_compute/pkg/inference"
	"p2p_compute/pkg/jobs"
	"p2p_compute/pkg/maintenance"
	"p2p_compute/pkg/p2p"
	"p2p_compute/pkg/p2p/discovery"
	"p2p_compute/pkg/peer"
	"p2p_compute/pkg/validation"
)

// Status is a point-in-time snapshot of the running node
type Status struct {
	PeerID            string        `json:"peer_id"`
	Environment       string        `json:"environment"`
	Addresses         []string      `json:"addresses"`
	Uptime            time.Duration `json:"uptime"`
	Peers             int           `json:"peers"`
	PeersOnline       int           `json:"peers_online"`
	Connections       int           `json:"connections"`
	ActiveJobs        int           `json:"active_jobs"`
	QueuedJobs        int           `json:"queued_jobs"`
	JobStats          data.JobStats `json:"job_stats"`
	StoreBytes        int64         `json:"store_bytes"`
	HeartbeatSequence uint64        `json:"heartbeat_sequence"`
}

// Node assembles and runs every subsystem. Startup order follows the
// dependency chain: identity, storage, transport, then the services
// that ride on them. Shutdown unwinds in reverse.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus

	ident     *identity.Identity
	db        *database.Service
	store     *content.Store
	fetcher   *content.Fetcher
	host      *p2p.Host
	mdns      *discovery.MDNSDiscovery
	bootstrap *discovery.Bootstrapper
	dhtDisc   *discovery.DHTDiscovery
	directory *peer.Directory
	engine    inference.Engine
	manager   *jobs.Manager
	validator *validation.Validator
	consensus *validation.Consensus
	heartbeat *heartbeat.Service
	scheduler *maintenance.Scheduler

	peerSub      *events.Subscription
	consensusSub *events.Subscription

	startedAt time.Time
	running   bool
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// New creates an unstarted node
func New(cfg *config.Config, logger *zap.Logger) *Node {
	return &Node{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewBus(logger),
	}
}

// Start brings up every subsystem
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("node already running")
	}

	n.logger.Info("Starting node",
		zap.String("environment", n.cfg.Environment),
		zap.String("data_dir", n.cfg.Node.DataDir))

	if err := n.startIdentity(); err != nil {
		return err
	}
	if err := n.startDatabase(ctx); err != nil {
		return err
	}
	if err := n.startContent(); err != nil {
		n.teardown()
		return err
	}
	if err := n.startTransport(ctx); err != nil {
		n.teardown()
		return err
	}
	n.startServices()
	if err := n.startBackground(ctx); err != nil {
		n.teardown()
		return err
	}

	n.startedAt = time.Now()
	n.running = true

	n.logger.Info("Node started",
		zap.String("peer_id", n.ident.PeerID().String()))
	return nil
}

// Stop shuts every subsystem down in reverse order
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.logger.Info("Stopping node")

	n.teardown()
	n.running = false
	n.wg.Wait()

	n.logger.Info("Node stopped")
	return nil
}

// Identity returns the node identity
func (n *Node) Identity() *identity.Identity {
	return n.ident
}

// Jobs returns the job manager for API callers
func (n *Node) Jobs() *jobs.Manager {
	return n.manager
}

// Directory returns the peer directory
func (n *Node) Directory() *peer.Directory {
	return n.directory
}

// Events returns the node's event bus
func (n *Node) Events() *events.Bus {
	return n.bus
}

// Status reports a snapshot of the node
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := Status{
		Environment: n.cfg.Environment,
	}
	if !n.running {
		return status
	}

	addrs := n.host.Libp2pHost().Addrs()
	status.Addresses = make([]string, 0, len(addrs))
	for _, a := range addrs {
		status.Addresses = append(status.Addresses, a.String())
	}

	size, _ := n.store.Size()

	status.PeerID = n.ident.PeerID().String()
	status.Uptime = time.Since(n.startedAt)
	status.Peers = n.directory.Count()
	status.PeersOnline = n.directory.CountByStatus(data.PeerStatusOnline)
	status.Connections = n.host.ConnectedPeerCount()
	status.ActiveJobs = n.manager.ActiveCount()
	status.QueuedJobs = n.manager.QueuedCount()
	status.JobStats = n.manager.Stats()
	status.StoreBytes = size
	status.HeartbeatSequence = n.heartbeat.Sequence()
	return status
}

// Startup stages

func (n *Node) startIdentity() error {
	ident, err := identity.LoadOrCreate(
		n.cfg.Node.DataDir,
		n.cfg.Node.KeyPassphrase,
		n.cfg.Node.WalletAddress,
		n.logger)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	n.ident = ident
	return nil
}

func (n *Node) startDatabase(ctx context.Context) error {
	n.db = database.NewService(n.cfg.Database, n.logger)
	if err := n.db.Start(ctx, n.cfg.Node.DataDir); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}
	return nil
}

func (n *Node) startContent() error {
	store, err := content.NewStore(
		filepath.Join(n.cfg.Node.DataDir, n.cfg.Content.CacheDir), n.logger)
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	n.store = store
	return nil
}

func (n *Node) startTransport(ctx context.Context) error {
	priv, err := n.ident.Libp2pKey()
	if err != nil {
		return err
	}

	host, err := p2p.NewHost(ctx, n.cfg, priv, n.bus, n.logger)
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	n.host = host

	n.fetcher = content.NewFetcher(
		host.Libp2pHost(), host.DHT(), n.store, n.cfg.Content, n.bus, n.logger)
	n.fetcher.Serve()
	return nil
}

// startServices builds the domain services and wires their handlers.
// Handler registration must finish before the host starts reading
// topics.
func (n *Node) startServices() {
	n.directory = peer.NewDirectory(n.db.Repository(), n.bus, n.logger)

	if n.cfg.Execution.EnginePath != "" {
		engine, err := inference.NewExecEngine(n.cfg.Execution, n.logger)
		if err != nil {
			n.logger.Warn("Execution engine unavailable, running broadcast-only",
				zap.Error(err))
		} else {
			n.engine = engine
		}
	}

	n.manager = jobs.NewManager(
		n.cfg.Execution, n.host, n.ident, n.store, n.fetcher, n.engine,
		n.db.Repository(), n.bus, n.logger)

	n.validator = validation.NewValidator(
		n.cfg.Validation, n.host, n.ident, n.fetcher, n.engine, n.manager,
		n.db.Repository(), n.bus, n.logger)
	n.consensus = validation.NewConsensus(n.manager, n.bus, n.logger)

	n.manager.SetResultHook(n.onResult)

	base := data.PeerCapabilities{
		Validator: n.cfg.Validation.EnableValidator,
		GPUs:      inference.ProbeGPUs(),
	}
	n.heartbeat = heartbeat.NewService(
		n.cfg.Heartbeat, n.host, n.ident, n.directory, n.manager, base,
		n.bus, n.logger)

	n.scheduler = maintenance.NewScheduler(
		n.cfg.Content, n.store, n.directory, n.manager, n.logger)

	n.manager.RegisterHandlers()
	n.validator.RegisterHandlers()
	n.heartbeat.RegisterHandlers()
	n.watchEvents()
}

func (n *Node) startBackground(ctx context.Context) error {
	if err := n.host.Start(ctx); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}

	if len(n.cfg.Discovery.BootstrapPeers) > 0 {
		bootstrap, err := discovery.NewBootstrapper(
			n.host.Libp2pHost(), n.cfg.Discovery, n.logger)
		if err != nil {
			return fmt.Errorf("configuring bootstrap peers: %w", err)
		}
		n.bootstrap = bootstrap
		if err := n.bootstrap.Start(); err != nil {
			return fmt.Errorf("starting bootstrap dialer: %w", err)
		}
	}

	if n.cfg.Discovery.EnableMdns {
		n.mdns = discovery.NewMDNSDiscovery(n.host.Libp2pHost(), n.bus, n.logger)
		if err := n.mdns.Start(); err != nil {
			return fmt.Errorf("starting mdns discovery: %w", err)
		}
	}

	if n.cfg.Discovery.EnableDht && n.host.DHT() != nil {
		n.dhtDisc = discovery.NewDHTDiscovery(
			n.host.Libp2pHost(), n.host.DHT(), n.cfg.Discovery.DiscoveryTopics,
			n.bus, n.logger)
		if err := n.dhtDisc.Start(); err != nil {
			return fmt.Errorf("starting dht discovery: %w", err)
		}
	}

	if err := n.heartbeat.Start(); err != nil {
		return fmt.Errorf("starting heartbeat: %w", err)
	}
	if err := n.scheduler.Start(); err != nil {
		return fmt.Errorf("starting maintenance: %w", err)
	}
	return nil
}

// onResult runs after every appended job result: it asks validators to
// re-check the newest result, then lets consensus settle the job. A
// redundancy-1 job with no validators configured settles on its single
// result alone.
func (n *Node) onResult(job *data.InferenceJob) {
	if len(job.Results) > 0 && (len(job.Validators) > 0 || job.Redundancy > 1) {
		latest := job.Results[len(job.Results)-1]
		if _, err := n.validator.Request(context.Background(), job.ID, latest,
			data.ValidationHashVerification); err != nil {
			n.logger.Debug("Validation request failed",
				zap.String("job", job.ID),
				zap.Error(err))
		}
	}

	n.consensus.Evaluate(job)
}

// watchEvents folds bus traffic into the peer directory
func (n *Node) watchEvents() {
	n.peerSub = n.bus.Subscribe(
		events.PeerDiscovered, events.PeerConnected, events.PeerDisconnected)
	n.consensusSub = n.bus.Subscribe(
		events.ConsensusReached, events.ConsensusFailed)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		for ev := range n.peerSub.C() {
			pe, ok := ev.(events.PeerEvent)
			if !ok {
				continue
			}
			switch pe.Type {
			case events.PeerDiscovered:
				n.directory.MarkDiscovered(pe.PeerID)
			case events.PeerConnected:
				n.directory.MarkConnected(pe.PeerID)
			case events.PeerDisconnected:
				n.directory.MarkOffline(pe.PeerID)
			}
		}
	}()

	go func() {
		defer n.wg.Done()
		for ev := range n.consensusSub.C() {
			ce, ok := ev.(events.ConsensusEvent)
			if !ok || ce.Result == nil {
				continue
			}
			for _, id := range ce.Result.Agreeing {
				n.directory.RecordJobCompleted(id)
			}
			for _, id := range ce.Result.Disputing {
				n.directory.RecordValidation(id, false)
			}
		}
	}()
}

// teardown unwinds whatever has been brought up so far, in reverse
// startup order. Safe to call on a partially started node.
func (n *Node) teardown() {
	if n.scheduler != nil {
		n.scheduler.Stop()
	}
	if n.heartbeat != nil {
		n.heartbeat.Stop()
	}
	if n.manager != nil {
		n.manager.Stop()
	}
	if n.dhtDisc != nil {
		n.dhtDisc.Stop()
	}
	if n.mdns != nil {
		n.mdns.Stop()
	}
	if n.bootstrap != nil {
		n.bootstrap.Stop()
	}
	if n.host != nil {
		if err := n.host.Stop(); err != nil {
			n.logger.Warn("Stopping host", zap.Error(err))
		}
	}
	if n.db != nil {
		if err := n.db.Stop(); err != nil {
			n.logger.Warn("Stopping database", zap.Error(err))
		}
	}
	if n.peerSub != nil {
		n.peerSub.Close()
	}
	if n.consensusSub != nil {
		n.consensusSub.Close()
	}
	n.bus.Close()
}
