package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/content"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/identity"
	"p2p_compute/pkg/inference"
	"p2p_compute/pkg/p2p"
)

const persistTimeout = 5 * time.Second

// Transport is the slice of the overlay the manager needs: topic
// publication and handler registration
type Transport interface {
	Publish(ctx context.Context, topic string, env *p2p.Envelope) error
	Handle(msgType p2p.MessageType, handler p2p.Handler)
}

// ResultHook is invoked with a job snapshot after every appended result.
// The consensus evaluator hangs off this hook so result accounting stays
// independent of how outcomes are judged.
type ResultHook func(job *data.InferenceJob)

// outcome is one finished local execution, kept for throughput stats
type outcome struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// Manager owns the job table and drives local execution. Jobs arrive
// either from the local API (Create) or from the network (broadcast
// handler); at most one executor runs a job locally, gated by the
// concurrency limit.
type Manager struct {
	cfg     config.ExecutionConfig
	host    Transport
	ident   *identity.Identity
	store   *content.Store
	fetcher *content.Fetcher
	engine  inference.Engine
	repo    data.Repository
	bus     *events.Bus
	logger  *zap.Logger

	jobs     map[string]*data.InferenceJob
	active   map[string]context.CancelFunc
	queued   int
	sem      chan struct{}
	outcomes []outcome

	resultHook ResultHook

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewManager wires the job table to its collaborators. A nil engine
// makes this node broadcast-only: it tracks jobs but never executes.
func NewManager(cfg config.ExecutionConfig, host Transport, ident *identity.Identity,
	store *content.Store, fetcher *content.Fetcher, engine inference.Engine,
	repo data.Repository, bus *events.Bus, logger *zap.Logger) *Manager {

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		host:    host,
		ident:   ident,
		store:   store,
		fetcher: fetcher,
		engine:  engine,
		repo:    repo,
		bus:     bus,
		logger:  logger,
		jobs:    make(map[string]*data.InferenceJob),
		active:  make(map[string]context.CancelFunc),
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetResultHook installs the per-result callback. Wiring happens before
// handlers are registered.
func (m *Manager) SetResultHook(hook ResultHook) {
	m.resultHook = hook
}

// RegisterHandlers subscribes the manager to job traffic
func (m *Manager) RegisterHandlers() {
	m.host.Handle(p2p.MsgJobBroadcast, m.handleBroadcast)
	m.host.Handle(p2p.MsgJobAssignment, m.handleAssignment)
	m.host.Handle(p2p.MsgJobResult, m.handleResult)
	m.host.Handle(p2p.MsgJobCancel, m.handleCancel)
}

// Stop cancels all local executions and waits for them to wind down
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Create registers a new job originated by this node and broadcasts it
// to the network
func (m *Manager) Create(ctx context.Context, params data.JobParams) (*data.InferenceJob, error) {
	job, err := data.NewInferenceJob(m.ident.PeerID().String(), params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.persistNew(job)

	m.bus.Publish(events.JobEvent{
		Type:  events.JobCreated,
		JobID: job.ID,
		Job:   job.Clone(),
	})

	if err := m.publish(ctx, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: job.Clone()}); err != nil {
		m.logger.Warn("Job broadcast failed",
			zap.String("job", job.ID),
			zap.Error(err))
	}

	m.logger.Info("Created job",
		zap.String("job", job.ID),
		zap.String("model", job.ModelCID),
		zap.Int("redundancy", job.Redundancy))
	return job.Clone(), nil
}

// Accept claims a pending job for local execution. The claim is
// broadcast so other candidates back off; the first claim observed for
// a job wins.
func (m *Manager) Accept(ctx context.Context, jobID string) error {
	if m.engine == nil {
		return errors.New("node has no execution engine configured")
	}

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return data.ErrNotFound
	}
	if job.Status != data.JobStatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: job is %s", data.ErrAlreadyAssigned, job.Status)
	}

	self := m.ident.PeerID().String()
	job.Status = data.JobStatusAssigned
	job.Executor = self
	m.queued++
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:     events.JobAssigned,
		JobID:    jobID,
		Job:      snapshot,
		Progress: progressFor(data.JobStatusAssigned),
	})

	if err := m.publish(ctx, p2p.MsgJobAssignment, p2p.JobAssignment{
		JobID:    jobID,
		Executor: self,
	}); err != nil {
		m.logger.Warn("Assignment broadcast failed",
			zap.String("job", jobID),
			zap.Error(err))
	}

	m.wg.Add(1)
	go m.execute(jobID)
	return nil
}

// Cancel aborts a job. Active local execution is killed; the cancel is
// broadcast so remote holders drop it too. Terminal jobs cannot be
// cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return data.ErrNotFound
	}
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: job already %s", data.ErrInvalidStatus, job.Status)
	}

	job.Status = data.JobStatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	abort := m.active[jobID]
	snapshot := job.Clone()
	m.mu.Unlock()

	if abort != nil {
		abort()
	}

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobCancelled,
		JobID: jobID,
		Job:   snapshot,
	})

	if err := m.publish(ctx, p2p.MsgJobCancel, p2p.JobCancel{JobID: jobID}); err != nil {
		m.logger.Warn("Cancel broadcast failed",
			zap.String("job", jobID),
			zap.Error(err))
	}
	return nil
}

// Get returns a snapshot of a job
func (m *Manager) Get(jobID string) (*data.InferenceJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, data.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs in the given status; an empty
// status returns everything
func (m *Manager) List(status data.JobStatus) []*data.InferenceJob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*data.InferenceJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// ActiveCount returns how many jobs are executing locally
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// QueuedCount returns how many accepted jobs are waiting for a slot
func (m *Manager) QueuedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queued
}

// hasCapacity reports whether another claim fits under the concurrency
// limit. Claims still waiting on a slot count against it, so a saturated
// node does not lock other peers out of jobs it cannot start.
func (m *Manager) hasCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)+m.queued < m.cfg.MaxConcurrentJobs
}

// Stats summarizes local execution throughput over the last hour
func (m *Manager) Stats() data.JobStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	kept := m.outcomes[:0]
	for _, o := range m.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	m.outcomes = kept

	stats := data.JobStats{}
	var totalMs int64
	for _, o := range m.outcomes {
		if o.success {
			stats.CompletedLastHour++
			totalMs += o.duration.Milliseconds()
		} else {
			stats.FailedLastHour++
		}
	}
	total := stats.CompletedLastHour + stats.FailedLastHour
	if stats.CompletedLastHour > 0 {
		stats.AvgExecutionMs = totalMs / int64(stats.CompletedLastHour)
	}
	if total > 0 {
		stats.SuccessRate = float64(stats.CompletedLastHour) / float64(total)
	}
	return stats
}

// Execution pipeline

func (m *Manager) execute(jobID string) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-m.baseCtx.Done():
		m.mu.Lock()
		m.queued--
		m.mu.Unlock()
		return
	}
	defer func() { <-m.sem }()

	ctx, abort := context.WithCancel(m.baseCtx)
	defer abort()

	m.mu.Lock()
	m.queued--
	job, ok := m.jobs[jobID]
	if !ok || job.Status != data.JobStatusAssigned {
		// Cancelled or reassigned while queued
		m.mu.Unlock()
		return
	}
	m.active[jobID] = abort
	now := time.Now().UTC()
	job.StartedAt = &now
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, jobID)
		m.mu.Unlock()
	}()

	start := time.Now()
	result, err := m.runPipeline(ctx, jobID)
	if err != nil {
		m.recordOutcome(false, time.Since(start))
		m.failJob(jobID, err)
		return
	}

	m.recordOutcome(true, time.Since(start))
	m.reportResult(jobID, result)
}

// runPipeline fetches inputs, executes the engine and builds the signed
// result. Cancellation is checked between stages so an aborted job stops
// at the next boundary.
func (m *Manager) runPipeline(ctx context.Context, jobID string) (*data.JobResult, error) {
	job, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	modelPath, err := m.fetchStage(ctx, jobID, data.JobStatusFetchingModel, job.ModelCID)
	if err != nil {
		return nil, err
	}
	m.store.Pin(job.ModelCID)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	inputPath, err := m.fetchStage(ctx, jobID, data.JobStatusFetchingInput, job.InputCID)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.setStatus(jobID, data.JobStatusExecuting)
	output, err := m.engine.Run(ctx, modelPath, inputPath)
	if err != nil {
		return nil, fmt.Errorf("executing job: %w", err)
	}

	outputCID, err := m.store.Put(output.Data)
	if err != nil {
		return nil, fmt.Errorf("storing output: %w", err)
	}
	go m.fetcher.Provide(outputCID)

	result, err := m.buildResult(job, outputCID, output)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) fetchStage(ctx context.Context, jobID string, status data.JobStatus, id string) (string, error) {
	m.setStatus(jobID, status)

	res := m.fetcher.Fetch(ctx, data.FetchRequest{CID: id, Verify: true})
	if !res.Success {
		return "", fmt.Errorf("fetching %s: %s", id, res.Error)
	}
	return res.LocalPath, nil
}

// buildResult hashes the output, signs the execution receipt and
// assembles the result record
func (m *Manager) buildResult(job *data.InferenceJob, outputCID string, output *inference.Output) (*data.JobResult, error) {
	self := m.ident.PeerID().String()
	outputHash := identity.HashData(output.Data)

	metricsDoc := fmt.Sprintf("%d:%d:%d:%d",
		output.Metrics.DurationMillis, output.Metrics.PeakMemory,
		output.Metrics.OutputBytes, output.Metrics.ExitCode)

	receipt := data.ExecutionReceipt{
		JobID:       job.ID,
		Executor:    self,
		InputHash:   job.InputCID,
		OutputHash:  outputHash,
		ModelHash:   job.ModelCID,
		MetricsHash: identity.HashData([]byte(metricsDoc)),
		Nonce:       uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		PublicKey:   identity.EncodeKey(m.ident.PublicKey()),
	}

	payload, err := receipt.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding receipt: %w", err)
	}
	receipt.Signature = m.ident.Sign(payload)

	return &data.JobResult{
		JobID:       job.ID,
		Executor:    self,
		OutputCID:   outputCID,
		OutputHash:  outputHash,
		Metrics:     output.Metrics,
		Receipt:     receipt,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// reportResult appends the local result, moves the job forward and
// broadcasts the result to the network
func (m *Manager) reportResult(jobID string, result *data.JobResult) {
	snapshot, appended := m.appendResult(jobID, result)
	if !appended {
		return
	}

	if err := m.publish(m.baseCtx, p2p.MsgJobResult, p2p.JobResultMessage{Result: *result}); err != nil {
		m.logger.Warn("Result broadcast failed",
			zap.String("job", jobID),
			zap.Error(err))
	}

	m.logger.Info("Reported job result",
		zap.String("job", jobID),
		zap.String("output_hash", result.OutputHash))

	if m.resultHook != nil {
		m.resultHook(snapshot)
	}
}

// appendResult records one executor's result. Results are append-only
// and deduplicated per executor; a job with its first result moves to
// validating until consensus settles it, unless nothing further is
// needed.
func (m *Manager) appendResult(jobID string, result *data.JobResult) (*data.InferenceJob, bool) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, false
	}
	if job.HasResultFrom(result.Executor) {
		m.mu.Unlock()
		m.logger.Debug("Ignoring duplicate result",
			zap.String("job", jobID),
			zap.String("executor", result.Executor))
		return nil, false
	}

	job.Results = append(job.Results, *result)
	job.Status = data.JobStatusValidating
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistResult(result)
	m.persistUpdate(snapshot)

	m.bus.Publish(events.JobEvent{
		Type:     events.JobProgress,
		JobID:    jobID,
		Job:      snapshot,
		Result:   result,
		Progress: progressFor(snapshot.Status),
	})
	return snapshot, true
}

// MarkCompleted finalizes a job after consensus. Idempotent: a job
// already terminal stays untouched.
func (m *Manager) MarkCompleted(jobID string, consensus *data.ConsensusResult) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusCompleted
	job.ConsensusResult = consensus
	now := time.Now().UTC()
	job.CompletedAt = &now
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobCompleted,
		JobID: jobID,
		Job:   snapshot,
	})
}

// MarkDisputed parks a job whose results could not reach consensus
func (m *Manager) MarkDisputed(jobID string, consensus *data.ConsensusResult) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusDisputed
	job.ConsensusResult = consensus
	now := time.Now().UTC()
	job.CompletedAt = &now
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobFailed,
		JobID: jobID,
		Job:   snapshot,
		Error: "no consensus reached",
	})
}

func (m *Manager) failJob(jobID string, cause error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusFailed
	job.Error = cause.Error()
	now := time.Now().UTC()
	job.CompletedAt = &now
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobFailed,
		JobID: jobID,
		Job:   snapshot,
		Error: cause.Error(),
	})

	m.logger.Warn("Job failed",
		zap.String("job", jobID),
		zap.Error(cause))
}

func (m *Manager) setStatus(jobID string, status data.JobStatus) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	job.Status = status
	snapshot := job.Clone()
	m.mu.Unlock()

	eventType := events.JobProgress
	if status == data.JobStatusExecuting {
		eventType = events.JobStarted
	}

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:     eventType,
		JobID:    jobID,
		Job:      snapshot,
		Progress: progressFor(status),
	})
}

// progressFor maps a lifecycle phase to the fraction of the pipeline
// completed once the job enters it
func progressFor(status data.JobStatus) float64 {
	switch status {
	case data.JobStatusAssigned:
		return 0.1
	case data.JobStatusFetchingModel:
		return 0.25
	case data.JobStatusFetchingInput:
		return 0.5
	case data.JobStatusExecuting:
		return 0.75
	case data.JobStatusValidating:
		return 1
	default:
		return 0
	}
}

// Network handlers

func (m *Manager) handleBroadcast(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	var msg p2p.JobBroadcast
	if err := env.Decode(&msg); err != nil || msg.Job == nil {
		m.logger.Debug("Dropping malformed job broadcast", zap.Error(err))
		return
	}
	job := msg.Job
	if err := job.Validate(); err != nil {
		m.logger.Debug("Dropping invalid job broadcast",
			zap.String("job", job.ID),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	if _, known := m.jobs[job.ID]; known {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusPending
	job.Executor = ""
	job.Results = nil
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.persistNew(job)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobCreated,
		JobID: job.ID,
		Job:   job.Clone(),
	})

	if m.cfg.AutoAcceptJobs && m.engine != nil {
		if !m.hasCapacity() {
			m.logger.Debug("Auto-accept skipped, node at capacity",
				zap.String("job", job.ID))
			return
		}
		if err := m.Accept(ctx, job.ID); err != nil {
			m.logger.Debug("Auto-accept declined",
				zap.String("job", job.ID),
				zap.Error(err))
		}
	}
}

// handleAssignment applies the first claim observed for a job. A later
// conflicting claim loses; if this node queued the job locally it backs
// off when it loses.
func (m *Manager) handleAssignment(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	var msg p2p.JobAssignment
	if err := env.Decode(&msg); err != nil || msg.JobID == "" || msg.Executor == "" {
		m.logger.Debug("Dropping malformed assignment", zap.Error(err))
		return
	}

	m.mu.Lock()
	job, ok := m.jobs[msg.JobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if job.Executor != "" {
		// First claim already applied
		m.mu.Unlock()
		return
	}
	if job.Status != data.JobStatusPending {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusAssigned
	job.Executor = msg.Executor
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:     events.JobAssigned,
		JobID:    msg.JobID,
		Job:      snapshot,
		Progress: progressFor(data.JobStatusAssigned),
	})
}

func (m *Manager) handleResult(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	var msg p2p.JobResultMessage
	if err := env.Decode(&msg); err != nil {
		m.logger.Debug("Dropping malformed result", zap.Error(err))
		return
	}
	result := msg.Result
	if result.JobID == "" || result.Executor == "" || result.OutputHash == "" {
		m.logger.Debug("Dropping incomplete result",
			zap.String("job", result.JobID))
		return
	}
	if !verifyReceipt(&result) {
		m.logger.Warn("Dropping result with bad receipt signature",
			zap.String("job", result.JobID),
			zap.String("executor", result.Executor))
		return
	}

	snapshot, appended := m.appendResult(result.JobID, &result)
	if appended && m.resultHook != nil {
		m.resultHook(snapshot)
	}
}

func (m *Manager) handleCancel(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	var msg p2p.JobCancel
	if err := env.Decode(&msg); err != nil || msg.JobID == "" {
		m.logger.Debug("Dropping malformed cancel", zap.Error(err))
		return
	}

	m.mu.Lock()
	job, ok := m.jobs[msg.JobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.Status = data.JobStatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	abort := m.active[msg.JobID]
	snapshot := job.Clone()
	m.mu.Unlock()

	if abort != nil {
		abort()
	}

	m.persistUpdate(snapshot)
	m.bus.Publish(events.JobEvent{
		Type:  events.JobCancelled,
		JobID: msg.JobID,
		Job:   snapshot,
	})
}

// verifyReceipt checks a result's receipt signature against the public
// key it carries. The receipt binds executor, inputs and output, so a
// forged executor id fails here.
func verifyReceipt(result *data.JobResult) bool {
	receipt := result.Receipt
	if receipt.PublicKey == "" || len(receipt.Signature) == 0 {
		return false
	}
	if receipt.Executor != result.Executor || receipt.OutputHash != result.OutputHash {
		return false
	}

	key, err := identity.DecodeKey(receipt.PublicKey)
	if err != nil {
		return false
	}
	payload, err := receipt.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(payload, receipt.Signature, key)
}

// Persistence helpers; storage failures are logged, never fatal to the
// job flow

func (m *Manager) publish(ctx context.Context, msgType p2p.MessageType, payload interface{}) error {
	env, err := p2p.NewEnvelope(msgType, m.ident.PeerID().String(), payload)
	if err != nil {
		return err
	}
	return m.host.Publish(ctx, p2p.JobTopic, env)
}

func (m *Manager) persistNew(job *data.InferenceJob) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.repo.SaveJob(ctx, job); err != nil && !errors.Is(err, data.ErrDuplicate) {
		m.logger.Warn("Persisting job failed",
			zap.String("job", job.ID),
			zap.Error(err))
	}
}

func (m *Manager) persistUpdate(job *data.InferenceJob) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.repo.UpdateJob(ctx, job); err != nil {
		m.logger.Warn("Updating job failed",
			zap.String("job", job.ID),
			zap.Error(err))
	}
}

func (m *Manager) persistResult(result *data.JobResult) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.repo.SaveResult(ctx, result); err != nil && !errors.Is(err, data.ErrDuplicate) {
		m.logger.Warn("Persisting result failed",
			zap.String("job", result.JobID),
			zap.Error(err))
	}
}

func (m *Manager) recordOutcome(success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome{
		at:       time.Now(),
		success:  success,
		duration: duration,
	})
}
