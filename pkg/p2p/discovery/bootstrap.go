package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
)

const (
	bootstrapRetryInterval = 30 * time.Second
	bootstrapDialTimeout   = 20 * time.Second
)

// Bootstrapper dials the configured bootstrap peers and redials them
// whenever the connection count falls below the configured minimum
type Bootstrapper struct {
	host      host.Host
	cfg       config.DiscoveryConfig
	logger    *zap.Logger
	addrInfos []peer.AddrInfo

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewBootstrapper parses the configured bootstrap addresses. Malformed
// addresses fail construction so misconfiguration surfaces at startup.
func NewBootstrapper(h host.Host, cfg config.DiscoveryConfig, logger *zap.Logger) (*Bootstrapper, error) {
	infos := make([]peer.AddrInfo, 0, len(cfg.BootstrapPeers))
	for _, addr := range cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bootstrapper{
		host:      h,
		cfg:       cfg,
		logger:    logger,
		addrInfos: infos,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start dials the bootstrap set and keeps redialing in the background
func (b *Bootstrapper) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	b.running = true

	b.connectAll()

	b.wg.Add(1)
	go b.maintainLoop()

	b.logger.Info("Bootstrap dialer started",
		zap.Int("bootstrap_peers", len(b.addrInfos)),
		zap.Int("min_peers", b.cfg.MinPeers))
	return nil
}

// Stop halts the redial loop
func (b *Bootstrapper) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	b.running = false
	return nil
}

func (b *Bootstrapper) maintainLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(bootstrapRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if len(b.host.Network().Peers()) < b.cfg.MinPeers {
				b.connectAll()
			}
		}
	}
}

func (b *Bootstrapper) connectAll() {
	var wg sync.WaitGroup
	for _, info := range b.addrInfos {
		if b.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}

		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(b.ctx, bootstrapDialTimeout)
			defer cancel()

			if err := b.host.Connect(ctx, info); err != nil {
				b.logger.Debug("Bootstrap dial failed",
					zap.String("peer", info.ID.String()),
					zap.Error(err))
				return
			}
			b.logger.Info("Connected to bootstrap peer",
				zap.String("peer", info.ID.String()))
		}(info)
	}
	wg.Wait()
}
