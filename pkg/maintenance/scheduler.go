package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/content"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/jobs"
	"p2p_compute/pkg/peer"
)

const staleAfter = 5 * time.Minute

// Scheduler runs periodic housekeeping: garbage collecting unpinned
// blocks, marking silent peers offline and logging a throughput rollup
type Scheduler struct {
	cron      *cron.Cron
	store     *content.Store
	directory *peer.Directory
	manager   *jobs.Manager
	retention time.Duration
	logger    *zap.Logger
}

// NewScheduler creates the housekeeping scheduler
func NewScheduler(cfg config.ContentConfig, store *content.Store, directory *peer.Directory,
	manager *jobs.Manager, logger *zap.Logger) *Scheduler {

	return &Scheduler{
		cron:      cron.New(),
		store:     store,
		directory: directory,
		manager:   manager,
		retention: cfg.GCRetention,
		logger:    logger,
	}
}

// Start schedules the housekeeping jobs
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 1h", s.collectGarbage); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.sweepStalePeers); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", s.logRollup); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Maintenance scheduler stopped")
}

func (s *Scheduler) collectGarbage() {
	removed, err := s.store.GC(s.retention)
	if err != nil {
		s.logger.Warn("Block garbage collection failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Collected expired blocks", zap.Int("removed", removed))
	}
}

// sweepStalePeers marks peers silent past the stale window as offline.
// Entries stay in the directory; only the status flips.
func (s *Scheduler) sweepStalePeers() {
	cutoff := time.Now().Add(-staleAfter)
	for _, info := range s.directory.List() {
		if info.Status == data.PeerStatusOffline {
			continue
		}
		if info.LastSeen.Before(cutoff) {
			s.directory.MarkOffline(info.ID)
			s.logger.Debug("Marked silent peer offline",
				zap.String("peer", info.ID),
				zap.Time("last_seen", info.LastSeen))
		}
	}
}

func (s *Scheduler) logRollup() {
	stats := s.manager.Stats()
	size, _ := s.store.Size()

	s.logger.Info("Housekeeping rollup",
		zap.Int("peers", s.directory.Count()),
		zap.Int("peers_online", s.directory.CountByStatus(data.PeerStatusOnline)),
		zap.Int("active_jobs", s.manager.ActiveCount()),
		zap.Int("completed_last_hour", stats.CompletedLastHour),
		zap.Int("failed_last_hour", stats.FailedLastHour),
		zap.Int64("store_bytes", size))
}
