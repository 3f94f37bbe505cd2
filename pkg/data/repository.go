package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrInvalidFilter = errors.New("invalid filter parameters")
)

// Repository defines the interface for metadata persistence
type Repository interface {
	// Job operations
	SaveJob(ctx context.Context, job *InferenceJob) error
	GetJob(ctx context.Context, id string) (*InferenceJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*InferenceJob, error)
	UpdateJob(ctx context.Context, job *InferenceJob) error

	// Result operations
	SaveResult(ctx context.Context, result *JobResult) error
	GetResultsByJob(ctx context.Context, jobID string) ([]*JobResult, error)

	// Peer operations
	SavePeer(ctx context.Context, peer *PeerInfo) error
	GetPeer(ctx context.Context, id string) (*PeerInfo, error)
	ListPeers(ctx context.Context, filter PeerFilter) ([]*PeerInfo, error)
	UpdatePeer(ctx context.Context, peer *PeerInfo) error

	// Validation operations
	SaveValidation(ctx context.Context, result *ValidationResult) error
	GetValidationsByJob(ctx context.Context, jobID string) ([]*ValidationResult, error)

	Close()
}

// JobFilter defines filter parameters for job queries
type JobFilter struct {
	Status   JobStatus
	Executor string
	Type     string
	FromTime *time.Time
	ToTime   *time.Time
	Limit    int
	Offset   int
}

// PeerFilter defines filter parameters for peer queries
type PeerFilter struct {
	MinReputation *float64
	Status        PeerStatus
	ValidatorOnly bool
	Limit         int
	Offset        int
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}

	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	return repo, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveJob persists a job
func (r *PostgresRepository) SaveJob(ctx context.Context, job *InferenceJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}

	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	query := `
		INSERT INTO jobs (id, type, status, executor, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query,
		job.ID, job.Type, string(job.Status), job.Executor, job.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetJob retrieves a job by id
func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*InferenceJob, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}

	job := &InferenceJob{}
	if err := json.Unmarshal(doc, job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs matching the filter
func (r *PostgresRepository) ListJobs(ctx context.Context, filter JobFilter) ([]*InferenceJob, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	args := []interface{}{}
	argn := 0

	if filter.Status != "" {
		argn++
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(filter.Status))
	}
	if filter.Executor != "" {
		argn++
		query += fmt.Sprintf(" AND executor = $%d", argn)
		args = append(args, filter.Executor)
	}
	if filter.Type != "" {
		argn++
		query += fmt.Sprintf(" AND type = $%d", argn)
		args = append(args, filter.Type)
	}
	if filter.FromTime != nil {
		argn++
		query += fmt.Sprintf(" AND created_at >= $%d", argn)
		args = append(args, *filter.FromTime)
	}
	if filter.ToTime != nil {
		argn++
		query += fmt.Sprintf(" AND created_at <= $%d", argn)
		args = append(args, *filter.ToTime)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		argn++
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argn++
		query += fmt.Sprintf(" OFFSET $%d", argn)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*InferenceJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		job := &InferenceJob{}
		if err := json.Unmarshal(doc, job); err != nil {
			return nil, fmt.Errorf("unmarshaling job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob replaces a persisted job
func (r *PostgresRepository) UpdateJob(ctx context.Context, job *InferenceJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	query := `UPDATE jobs SET status = $2, executor = $3, doc = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, job.ID, string(job.Status), job.Executor, doc)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveResult persists an executor's job result and receipt
func (r *PostgresRepository) SaveResult(ctx context.Context, result *JobResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	query := `
		INSERT INTO job_results (job_id, executor, output_hash, completed_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, executor) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query,
		result.JobID, result.Executor, result.OutputHash, result.CompletedAt, doc)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetResultsByJob retrieves all results reported for a job
func (r *PostgresRepository) GetResultsByJob(ctx context.Context, jobID string) ([]*JobResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT doc FROM job_results WHERE job_id = $1 ORDER BY completed_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var results []*JobResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		result := &JobResult{}
		if err := json.Unmarshal(doc, result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// SavePeer persists a peer record
func (r *PostgresRepository) SavePeer(ctx context.Context, peer *PeerInfo) error {
	doc, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshaling peer: %w", err)
	}

	query := `
		INSERT INTO peers (id, status, reputation, validator, last_seen, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = $2, reputation = $3, validator = $4, last_seen = $5, doc = $6`

	if _, err := r.pool.Exec(ctx, query,
		peer.ID, string(peer.Status), peer.Reputation,
		peer.Capabilities.Validator, peer.LastSeen, doc); err != nil {
		return fmt.Errorf("upserting peer: %w", err)
	}
	return nil
}

// GetPeer retrieves a peer by id
func (r *PostgresRepository) GetPeer(ctx context.Context, id string) (*PeerInfo, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM peers WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying peer: %w", err)
	}

	peer := &PeerInfo{}
	if err := json.Unmarshal(doc, peer); err != nil {
		return nil, fmt.Errorf("unmarshaling peer: %w", err)
	}
	return peer, nil
}

// ListPeers retrieves peers matching the filter
func (r *PostgresRepository) ListPeers(ctx context.Context, filter PeerFilter) ([]*PeerInfo, error) {
	query := `SELECT doc FROM peers WHERE 1=1`
	args := []interface{}{}
	argn := 0

	if filter.Status != "" {
		argn++
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(filter.Status))
	}
	if filter.MinReputation != nil {
		argn++
		query += fmt.Sprintf(" AND reputation >= $%d", argn)
		args = append(args, *filter.MinReputation)
	}
	if filter.ValidatorOnly {
		query += " AND validator"
	}

	query += " ORDER BY last_seen DESC"
	if filter.Limit > 0 {
		argn++
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argn++
		query += fmt.Sprintf(" OFFSET $%d", argn)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer rows.Close()

	var peers []*PeerInfo
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning peer row: %w", err)
		}
		peer := &PeerInfo{}
		if err := json.Unmarshal(doc, peer); err != nil {
			return nil, fmt.Errorf("unmarshaling peer: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// UpdatePeer replaces a persisted peer record
func (r *PostgresRepository) UpdatePeer(ctx context.Context, peer *PeerInfo) error {
	return r.SavePeer(ctx, peer)
}

// SaveValidation persists a validator verdict
func (r *PostgresRepository) SaveValidation(ctx context.Context, result *ValidationResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling validation: %w", err)
	}

	query := `
		INSERT INTO validations (request_id, job_id, validator, valid, completed_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, validator) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query,
		result.RequestID, result.JobID, result.Validator,
		result.Valid, result.CompletedAt, doc); err != nil {
		return fmt.Errorf("inserting validation: %w", err)
	}
	return nil
}

// GetValidationsByJob retrieves all verdicts recorded for a job
func (r *PostgresRepository) GetValidationsByJob(ctx context.Context, jobID string) ([]*ValidationResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT doc FROM validations WHERE job_id = $1 ORDER BY completed_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying validations: %w", err)
	}
	defer rows.Close()

	var results []*ValidationResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning validation row: %w", err)
		}
		result := &ValidationResult{}
		if err := json.Unmarshal(doc, result); err != nil {
			return nil, fmt.Errorf("unmarshaling validation: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}
