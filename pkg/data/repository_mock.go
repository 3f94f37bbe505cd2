package data

import (
	"context"
	"sync"
)

// MockRepository is an in-memory Repository for tests and
// database-less operation
type MockRepository struct {
	mu          sync.RWMutex
	jobs        map[string]*InferenceJob
	results     map[string][]*JobResult
	peers       map[string]*PeerInfo
	validations map[string][]*ValidationResult
}

var _ Repository = (*MockRepository)(nil)

// NewMockRepository creates an empty in-memory repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		jobs:        make(map[string]*InferenceJob),
		results:     make(map[string][]*JobResult),
		peers:       make(map[string]*PeerInfo),
		validations: make(map[string][]*ValidationResult),
	}
}

func (m *MockRepository) SaveJob(_ context.Context, job *InferenceJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicate
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MockRepository) GetJob(_ context.Context, id string) (*InferenceJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, exists := m.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *MockRepository) ListJobs(_ context.Context, filter JobFilter) ([]*InferenceJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*InferenceJob
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Executor != "" && job.Executor != filter.Executor {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	return jobs, nil
}

func (m *MockRepository) UpdateJob(_ context.Context, job *InferenceJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; !exists {
		return ErrNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MockRepository) SaveResult(_ context.Context, result *JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.results[result.JobID] {
		if existing.Executor == result.Executor {
			return ErrDuplicate
		}
	}
	clone := *result
	m.results[result.JobID] = append(m.results[result.JobID], &clone)
	return nil
}

func (m *MockRepository) GetResultsByJob(_ context.Context, jobID string) ([]*JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*JobResult(nil), m.results[jobID]...), nil
}

func (m *MockRepository) SavePeer(_ context.Context, peer *PeerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *peer
	m.peers[peer.ID] = &clone
	return nil
}

func (m *MockRepository) GetPeer(_ context.Context, id string) (*PeerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, exists := m.peers[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *peer
	return &clone, nil
}

func (m *MockRepository) ListPeers(_ context.Context, filter PeerFilter) ([]*PeerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var peers []*PeerInfo
	for _, peer := range m.peers {
		if filter.Status != "" && peer.Status != filter.Status {
			continue
		}
		if filter.MinReputation != nil && peer.Reputation < *filter.MinReputation {
			continue
		}
		if filter.ValidatorOnly && !peer.Capabilities.Validator {
			continue
		}
		clone := *peer
		peers = append(peers, &clone)
	}
	return peers, nil
}

func (m *MockRepository) UpdatePeer(ctx context.Context, peer *PeerInfo) error {
	return m.SavePeer(ctx, peer)
}

func (m *MockRepository) SaveValidation(_ context.Context, result *ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *result
	m.validations[result.JobID] = append(m.validations[result.JobID], &clone)
	return nil
}

func (m *MockRepository) GetValidationsByJob(_ context.Context, jobID string) ([]*ValidationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ValidationResult(nil), m.validations[jobID]...), nil
}

func (m *MockRepository) Close() {}
