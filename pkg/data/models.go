package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidData      = errors.New("invalid data format")
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrMissingSignature = errors.New("missing required signature")
	ErrAlreadyAssigned  = errors.New("job already assigned to another executor")
)

// JobStatus tracks an inference job through its lifecycle
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusAssigned      JobStatus = "assigned"
	JobStatusFetchingModel JobStatus = "fetching-model"
	JobStatusFetchingInput JobStatus = "fetching-input"
	JobStatusExecuting     JobStatus = "executing"
	JobStatusValidating    JobStatus = "validating"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusDisputed      JobStatus = "disputed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// IsActive reports whether the status belongs to an executor holding the job
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusAssigned, JobStatusFetchingModel, JobStatusFetchingInput,
		JobStatusExecuting, JobStatusValidating:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the job lifecycle
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusDisputed, JobStatusCancelled:
		return true
	}
	return false
}

// PeerStatus represents a peer's advertised availability
type PeerStatus string

const (
	PeerStatusOnline  PeerStatus = "online"
	PeerStatusBusy    PeerStatus = "busy"
	PeerStatusIdle    PeerStatus = "idle"
	PeerStatusOffline PeerStatus = "offline"
)

// GPUDevice describes a single accelerator. Capability probing is a stub
// and currently reports no devices.
type GPUDevice struct {
	Name      string `json:"name"`
	VRAMBytes int64  `json:"vram_bytes"`
}

// PeerCapabilities is a peer's advertised compute capacity, refreshed on
// every heartbeat
type PeerCapabilities struct {
	CPUCores          int         `json:"cpu_cores"`
	MemoryTotal       int64       `json:"memory_total"`
	MemoryAvailable   int64       `json:"memory_available"`
	VRAMTotal         int64       `json:"vram_total"`
	VRAMAvailable     int64       `json:"vram_available"`
	DiskTotal         int64       `json:"disk_total"`
	DiskAvailable     int64       `json:"disk_available"`
	ModelFormats      []string    `json:"model_formats,omitempty"`
	Quantizations     []string    `json:"quantizations,omitempty"`
	MaxModelBytes     int64       `json:"max_model_bytes"`
	BandwidthEstimate int64       `json:"bandwidth_estimate"`
	Validator         bool        `json:"validator"`
	GPUs              []GPUDevice `json:"gpus,omitempty"`
}

// PeerInfo is everything the node knows about a remote peer. Entries are
// created on first discovery or heartbeat and never deleted while the
// process runs.
type PeerInfo struct {
	ID            string           `json:"id"`
	WalletAddress string           `json:"wallet_address,omitempty"`
	PublicKey     string           `json:"public_key,omitempty"`
	Capabilities  PeerCapabilities `json:"capabilities"`
	Status        PeerStatus       `json:"status"`
	Reputation    float64          `json:"reputation"`
	JobsCompleted int              `json:"jobs_completed"`
	ActiveJobs    int              `json:"active_jobs"`
	FirstSeen     time.Time        `json:"first_seen"`
	LastSeen      time.Time        `json:"last_seen"`
	LastSequence  uint64           `json:"last_sequence"`
	BehindNAT     bool             `json:"behind_nat"`
	Relayed       bool             `json:"relayed"`

	// Settlement placeholders; never computed by the core.
	SlashedAmount      float64 `json:"slashed_amount"`
	RewardsDistributed float64 `json:"rewards_distributed"`
}

// ConnectionInfo tracks one live transport connection
type ConnectionInfo struct {
	Peer        string    `json:"peer"`
	Direction   string    `json:"direction"`
	Streams     int       `json:"streams"`
	Established time.Time `json:"established"`
}

// ExecutionMetrics reports resource usage of one inference run
type ExecutionMetrics struct {
	DurationMillis int64 `json:"duration_millis"`
	PeakMemory     int64 `json:"peak_memory"`
	OutputBytes    int64 `json:"output_bytes"`
	ExitCode       int   `json:"exit_code"`
}

// ExecutionReceipt is a signed attestation binding a job, its inputs, its
// output and its executor. Created once per successful execution, immutable.
type ExecutionReceipt struct {
	JobID       string    `json:"job_id"`
	Executor    string    `json:"executor"`
	InputHash   string    `json:"input_hash"`
	OutputHash  string    `json:"output_hash"`
	ModelHash   string    `json:"model_hash"`
	MetricsHash string    `json:"metrics_hash"`
	Nonce       string    `json:"nonce"`
	Timestamp   time.Time `json:"timestamp"`
	PublicKey   string    `json:"public_key,omitempty"`
	Signature   []byte    `json:"signature,omitempty"`
}

// SigningBytes returns the canonical payload the receipt signature covers
func (r *ExecutionReceipt) SigningBytes() ([]byte, error) {
	clone := *r
	clone.Signature = nil
	return json.Marshal(&clone)
}

// JobResult is one executor's reported outcome for a job
type JobResult struct {
	JobID       string           `json:"job_id"`
	Executor    string           `json:"executor"`
	OutputCID   string           `json:"output_cid"`
	OutputHash  string           `json:"output_hash"`
	Metrics     ExecutionMetrics `json:"metrics"`
	Receipt     ExecutionReceipt `json:"receipt"`
	CompletedAt time.Time        `json:"completed_at"`
}

// ConsensusResult is the finalized outcome of a job, created exactly once
// when results first cross the consensus threshold
type ConsensusResult struct {
	JobID       string    `json:"job_id"`
	OutputHash  string    `json:"output_hash"`
	Agreeing    []string  `json:"agreeing"`
	Disputing   []string  `json:"disputing,omitempty"`
	Score       float64   `json:"score"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// InferenceJob is the unit of work distributed across the network
type InferenceJob struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Requester          string           `json:"requester"`
	ModelCID           string           `json:"model_cid"`
	InputCID           string           `json:"input_cid"`
	Redundancy         int              `json:"redundancy"`
	ConsensusThreshold float64          `json:"consensus_threshold"`
	Validators         []string         `json:"validators,omitempty"`
	Status             JobStatus        `json:"status"`
	Executor           string           `json:"executor,omitempty"`
	Results            []JobResult      `json:"results,omitempty"`
	ConsensusResult    *ConsensusResult `json:"consensus_result,omitempty"`
	Error              string           `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// JobParams are the caller-supplied fields of a new job
type JobParams struct {
	Type               string
	ModelCID           string
	InputCID           string
	Redundancy         int
	ConsensusThreshold float64
	Validators         []string
}

// NewInferenceJob creates a new job in pending state with validation
func NewInferenceJob(requester string, params JobParams) (*InferenceJob, error) {
	if params.ModelCID == "" {
		return nil, errors.New("model CID cannot be empty")
	}
	if params.InputCID == "" {
		return nil, errors.New("input CID cannot be empty")
	}
	if params.Redundancy < 1 {
		return nil, errors.New("redundancy must be at least 1")
	}
	if params.ConsensusThreshold <= 0 || params.ConsensusThreshold > 1 {
		return nil, errors.New("consensus threshold must be in (0,1]")
	}

	jobType := params.Type
	if jobType == "" {
		jobType = "inference"
	}

	return &InferenceJob{
		ID:                 uuid.New().String(),
		Type:               jobType,
		Requester:          requester,
		ModelCID:           params.ModelCID,
		InputCID:           params.InputCID,
		Redundancy:         params.Redundancy,
		ConsensusThreshold: params.ConsensusThreshold,
		Validators:         params.Validators,
		Status:             JobStatusPending,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// Validate checks the job invariants
func (j *InferenceJob) Validate() error {
	if j.ID == "" {
		return ErrInvalidID
	}
	if j.ModelCID == "" || j.InputCID == "" {
		return fmt.Errorf("%w: missing content identifiers", ErrInvalidData)
	}
	if j.Redundancy < 1 {
		return fmt.Errorf("%w: redundancy %d", ErrInvalidData, j.Redundancy)
	}
	if j.ConsensusThreshold <= 0 || j.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: threshold %f", ErrInvalidData, j.ConsensusThreshold)
	}
	return nil
}

// HasResultFrom reports whether an executor already contributed a result
func (j *InferenceJob) HasResultFrom(executor string) bool {
	for _, r := range j.Results {
		if r.Executor == executor {
			return true
		}
	}
	return false
}

// Clone returns a deep enough copy for handing outside the owning store
func (j *InferenceJob) Clone() *InferenceJob {
	clone := *j
	clone.Results = append([]JobResult(nil), j.Results...)
	clone.Validators = append([]string(nil), j.Validators...)
	if j.ConsensusResult != nil {
		cr := *j.ConsensusResult
		clone.ConsensusResult = &cr
	}
	return &clone
}

// ValidationType selects the strategy used to re-check a result
type ValidationType string

const (
	ValidationHashVerification ValidationType = "hash-verification"
	ValidationSampling         ValidationType = "sampling"
	ValidationFullReexecution  ValidationType = "full-reexecution"
	ValidationOutputComparison ValidationType = "output-comparison"
)

// ValidationRequest asks a validator to independently re-check a result
type ValidationRequest struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Result    JobResult      `json:"result"`
	Strategy  ValidationType `json:"strategy"`
	Validator string         `json:"validator,omitempty"`
	Stake     float64        `json:"stake"`
	Timeout   time.Duration  `json:"timeout"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewValidationRequest creates a validation request for a reported result
func NewValidationRequest(jobID string, result JobResult, strategy ValidationType, stake float64, timeout time.Duration) *ValidationRequest {
	return &ValidationRequest{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Result:    result,
		Strategy:  strategy,
		Stake:     stake,
		Timeout:   timeout,
		CreatedAt: time.Now().UTC(),
	}
}

// ValidationResult carries a validator's signed verdict
type ValidationResult struct {
	RequestID      string         `json:"request_id"`
	JobID          string         `json:"job_id"`
	Validator      string         `json:"validator"`
	Strategy       ValidationType `json:"strategy"`
	Valid          bool           `json:"valid"`
	Confidence     float64        `json:"confidence"`
	RecomputedHash string         `json:"recomputed_hash,omitempty"`
	PublicKey      string         `json:"public_key,omitempty"`
	Signature      []byte         `json:"signature,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// SigningBytes returns the canonical payload the verdict signature covers
func (v *ValidationResult) SigningBytes() ([]byte, error) {
	clone := *v
	clone.Signature = nil
	return json.Marshal(&clone)
}

// JobStats summarizes recent job throughput for heartbeats
type JobStats struct {
	CompletedLastHour int     `json:"completed_last_hour"`
	FailedLastHour    int     `json:"failed_last_hour"`
	AvgExecutionMs    int64   `json:"avg_execution_ms"`
	SuccessRate       float64 `json:"success_rate"`
}

// SystemMetrics is a point-in-time host resource snapshot
type SystemMetrics struct {
	CPUUtilization float64 `json:"cpu_utilization"`
	MemoryUsed     int64   `json:"memory_used"`
	MemoryTotal    int64   `json:"memory_total"`
	Goroutines     int     `json:"goroutines"`
}

// NetworkMetrics summarizes the overlay from this node's vantage
type NetworkMetrics struct {
	Connections  int   `json:"connections"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// Heartbeat is a periodic signed self-report of liveness and capacity
type Heartbeat struct {
	PeerID       string           `json:"peer_id"`
	Sequence     uint64           `json:"sequence"`
	Status       PeerStatus       `json:"status"`
	Capabilities PeerCapabilities `json:"capabilities"`
	ActiveJobs   int              `json:"active_jobs"`
	QueuedJobs   int              `json:"queued_jobs"`
	JobStats     JobStats         `json:"job_stats"`
	System       SystemMetrics    `json:"system"`
	Network      NetworkMetrics   `json:"network"`
	PublicKey    string           `json:"public_key,omitempty"`
	Signature    []byte           `json:"signature,omitempty"`
	SentAt       time.Time        `json:"sent_at"`
}

// SigningBytes returns the payload the heartbeat signature covers
func (h *Heartbeat) SigningBytes() ([]byte, error) {
	clone := *h
	clone.Signature = nil
	return json.Marshal(&clone)
}

// FetchStage tracks content retrieval progress
type FetchStage string

const (
	FetchStageResolving   FetchStage = "resolving"
	FetchStageDownloading FetchStage = "downloading"
	FetchStageVerifying   FetchStage = "verifying"
	FetchStageCompleted   FetchStage = "completed"
	FetchStageFailed      FetchStage = "failed"
)

// FetchRequest describes a content retrieval by identifier
type FetchRequest struct {
	CID          string        `json:"cid"`
	Priority     int           `json:"priority"`
	MaxProviders int           `json:"max_providers"`
	ChunkTimeout time.Duration `json:"chunk_timeout"`
	Verify       bool          `json:"verify"`
	Destination  string        `json:"destination,omitempty"`
}

// FetchProgress is the mutable state of one retrieval
type FetchProgress struct {
	CID          string     `json:"cid"`
	Stage        FetchStage `json:"stage"`
	BytesFetched int64      `json:"bytes_fetched"`
	TotalBytes   int64      `json:"total_bytes"`
	Chunks       int        `json:"chunks"`
	Errors       []string   `json:"errors,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FetchResult is the terminal outcome of a retrieval. Failures are reported
// here rather than as errors so callers can branch without exception-style
// control flow.
type FetchResult struct {
	CID          string        `json:"cid"`
	Success      bool          `json:"success"`
	BytesFetched int64         `json:"bytes_fetched"`
	Elapsed      time.Duration `json:"elapsed"`
	LocalPath    string        `json:"local_path,omitempty"`
	Error        string        `json:"error,omitempty"`
}
