package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

// ErrBlockNotFound is returned when a block is not held locally
var ErrBlockNotFound = errors.New("block not found")

// Store is a flat-file content-addressed block store. Blocks live under
// <dir>/blocks/<cid>; a pin is a marker file under <dir>/pins/<cid> that
// shields the block from garbage collection.
type Store struct {
	blocksDir string
	pinsDir   string
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewStore opens (creating if needed) the block store rooted at dir
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	blocksDir := filepath.Join(dir, "blocks")
	pinsDir := filepath.Join(dir, "pins")

	for _, d := range []string{blocksDir, pinsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	return &Store{
		blocksDir: blocksDir,
		pinsDir:   pinsDir,
		logger:    logger,
	}, nil
}

// ComputeCID derives the content identifier for a block: CIDv1, raw
// codec, sha2-256
func ComputeCID(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing block: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

// Verify checks that data matches the given content identifier
func Verify(data []byte, id string) bool {
	computed, err := ComputeCID(data)
	if err != nil {
		return false
	}
	want, err := cid.Decode(id)
	if err != nil {
		return false
	}
	got, err := cid.Decode(computed)
	if err != nil {
		return false
	}
	return want.Hash().B58String() == got.Hash().B58String()
}

// Put writes a block and returns its content identifier. Storing the
// same bytes twice is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blockPath(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	// Write-then-rename so readers never observe a partial block
	tmp, err := os.CreateTemp(s.blocksDir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp block: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing block: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing block: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("committing block: %w", err)
	}

	s.logger.Debug("Stored block",
		zap.String("cid", id),
		zap.Int("bytes", len(data)))
	return id, nil
}

// Get reads a block by its content identifier
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("reading block %s: %w", id, err)
	}
	return data, nil
}

// Has reports whether a block is stored locally
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.blockPath(id))
	return err == nil
}

// Path returns the filesystem location of a stored block
func (s *Store) Path(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.blockPath(id)
	if _, err := os.Stat(path); err != nil {
		return "", ErrBlockNotFound
	}
	return path, nil
}

// Pin marks a block as exempt from garbage collection
func (s *Store) Pin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.blockPath(id)); err != nil {
		return ErrBlockNotFound
	}
	return os.WriteFile(s.pinPath(id), nil, 0644)
}

// Unpin removes the garbage collection exemption
func (s *Store) Unpin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pinPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unpinning %s: %w", id, err)
	}
	return nil
}

// IsPinned reports whether a block is pinned
func (s *Store) IsPinned(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.pinPath(id))
	return err == nil
}

// List returns the identifiers of all stored blocks
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Size returns the total bytes held by the store
func (s *Store) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return 0, fmt.Errorf("sizing store: %w", err)
	}

	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// GC removes unpinned blocks older than the retention window and returns
// how many were collected
func (s *Store) GC(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return 0, fmt.Errorf("scanning blocks: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		id := e.Name()
		if _, err := os.Stat(s.pinPath(id)); err == nil {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(s.blockPath(id)); err != nil {
			s.logger.Warn("Failed to collect block",
				zap.String("cid", id),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Garbage collected blocks",
			zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) blockPath(id string) string {
	return filepath.Join(s.blocksDir, id)
}

func (s *Store) pinPath(id string) string {
	return filepath.Join(s.pinsDir, id)
}
