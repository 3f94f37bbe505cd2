package peer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/identity"
)

const persistTimeout = 5 * time.Second

// Directory is the node's view of every peer it has ever seen this
// process lifetime. Entries are created on first contact and only ever
// updated, never removed; a vanished peer is marked offline so its
// history survives.
type Directory struct {
	peers  map[string]*data.PeerInfo
	repo   data.Repository
	bus    *events.Bus
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewDirectory creates a peer directory. The repository is optional;
// when present entries are persisted best-effort on every update.
func NewDirectory(repo data.Repository, bus *events.Bus, logger *zap.Logger) *Directory {
	return &Directory{
		peers:  make(map[string]*data.PeerInfo),
		repo:   repo,
		bus:    bus,
		logger: logger,
	}
}

// Get returns a copy of a peer's entry
func (d *Directory) Get(id string) (*data.PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.peers[id]
	if !ok {
		return nil, false
	}
	clone := *info
	return &clone, true
}

// List returns copies of all known peers
func (d *Directory) List() []data.PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]data.PeerInfo, 0, len(d.peers))
	for _, info := range d.peers {
		out = append(out, *info)
	}
	return out
}

// Count returns the number of known peers
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// CountByStatus returns the number of peers in the given state
func (d *Directory) CountByStatus(status data.PeerStatus) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, info := range d.peers {
		if info.Status == status {
			n++
		}
	}
	return n
}

// MarkDiscovered records first contact with a peer
func (d *Directory) MarkDiscovered(id string) {
	d.mu.Lock()
	info := d.ensure(id)
	info.LastSeen = time.Now()
	clone := *info
	d.mu.Unlock()

	d.persist(&clone)
}

// MarkConnected flags a peer as reachable
func (d *Directory) MarkConnected(id string) {
	d.mu.Lock()
	info := d.ensure(id)
	if info.Status == data.PeerStatusOffline {
		info.Status = data.PeerStatusOnline
	}
	info.LastSeen = time.Now()
	clone := *info
	d.mu.Unlock()

	d.persist(&clone)
}

// MarkOffline flags a peer as unreachable without deleting its history
func (d *Directory) MarkOffline(id string) {
	d.mu.Lock()
	info, ok := d.peers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	info.Status = data.PeerStatusOffline
	clone := *info
	d.mu.Unlock()

	d.persist(&clone)
}

// ApplyHeartbeat folds a verified heartbeat into the directory. A
// sequence number at or below the last applied one is a replay or
// reordering and is discarded.
func (d *Directory) ApplyHeartbeat(hb *data.Heartbeat) bool {
	d.mu.Lock()
	info := d.ensure(hb.PeerID)

	if info.LastSequence > 0 && hb.Sequence <= info.LastSequence {
		d.mu.Unlock()
		d.logger.Debug("Discarding stale heartbeat",
			zap.String("peer", hb.PeerID),
			zap.Uint64("sequence", hb.Sequence),
			zap.Uint64("last_sequence", info.LastSequence))
		return false
	}

	info.Status = hb.Status
	info.Capabilities = hb.Capabilities
	info.ActiveJobs = hb.ActiveJobs
	info.LastSequence = hb.Sequence
	info.LastSeen = time.Now()
	if info.PublicKey == "" && hb.PublicKey != "" {
		// First contact pins the carried key; later heartbeats must
		// verify against it
		info.PublicKey = hb.PublicKey
	}
	clone := *info
	d.mu.Unlock()

	d.bus.Publish(events.PeerEvent{
		Type:   events.PeerUpdated,
		PeerID: hb.PeerID,
		Peer:   &clone,
	})
	d.persist(&clone)
	return true
}

// ApplyAnnounce folds a peer's self-introduction into the directory.
// Announces are unsequenced, so they never overwrite heartbeat state
// beyond identity fields and capabilities.
func (d *Directory) ApplyAnnounce(announced *data.PeerInfo) {
	d.mu.Lock()
	info := d.ensure(announced.ID)
	if info.PublicKey == "" && announced.PublicKey != "" {
		info.PublicKey = announced.PublicKey
	}
	if announced.WalletAddress != "" {
		info.WalletAddress = announced.WalletAddress
	}
	info.Capabilities = announced.Capabilities
	info.LastSeen = time.Now()
	clone := *info
	d.mu.Unlock()

	d.bus.Publish(events.PeerEvent{
		Type:   events.PeerUpdated,
		PeerID: clone.ID,
		Peer:   &clone,
	})
	d.persist(&clone)
}

// PinnedKey returns the public key pinned for a peer, if any
func (d *Directory) PinnedKey(id string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.peers[id]
	if !ok || info.PublicKey == "" {
		return nil, false
	}
	key, err := identity.DecodeKey(info.PublicKey)
	if err != nil {
		return nil, false
	}
	return key, true
}

// RecordJobCompleted credits a peer for a finished job
func (d *Directory) RecordJobCompleted(id string) {
	d.adjust(id, func(info *data.PeerInfo) {
		info.JobsCompleted++
		info.Reputation = adjustReputation(info.Reputation, deltaJobCompleted)
	})
}

// RecordJobFailed debits a peer for a failed job
func (d *Directory) RecordJobFailed(id string) {
	d.adjust(id, func(info *data.PeerInfo) {
		info.Reputation = adjustReputation(info.Reputation, deltaJobFailed)
	})
}

// RecordValidation adjusts standing for a validation verdict on the
// peer's result
func (d *Directory) RecordValidation(id string, agreed bool) {
	delta := deltaValidationAgree
	if !agreed {
		delta = deltaValidationDispute
	}
	d.adjust(id, func(info *data.PeerInfo) {
		info.Reputation = adjustReputation(info.Reputation, delta)
	})
}

// RecordInvalidSignature debits a peer for unverifiable signed material
func (d *Directory) RecordInvalidSignature(id string) {
	d.adjust(id, func(info *data.PeerInfo) {
		info.Reputation = adjustReputation(info.Reputation, deltaInvalidSignature)
	})
}

func (d *Directory) adjust(id string, fn func(*data.PeerInfo)) {
	d.mu.Lock()
	info := d.ensure(id)
	fn(info)
	clone := *info
	d.mu.Unlock()

	d.persist(&clone)
}

// ensure returns the live entry for a peer, creating it at neutral
// standing on first contact. Callers hold the write lock.
func (d *Directory) ensure(id string) *data.PeerInfo {
	info, ok := d.peers[id]
	if !ok {
		info = &data.PeerInfo{
			ID:         id,
			Status:     data.PeerStatusOnline,
			Reputation: InitialReputation,
			FirstSeen:  time.Now(),
		}
		d.peers[id] = info
	}
	return info
}

func (d *Directory) persist(info *data.PeerInfo) {
	if d.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.repo.SavePeer(ctx, info); err != nil {
		d.logger.Debug("Persisting peer failed",
			zap.String("peer", info.ID),
			zap.Error(err))
	}
}
