package validation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/content"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/identity"
	"p2p_compute/pkg/inference"
	"p2p_compute/pkg/jobs"
	"p2p_compute/pkg/p2p"
)

const (
	defaultValidationTimeout = 5 * time.Minute
	persistTimeout           = 5 * time.Second

	// sampleSize bounds how much of the output a sampling check reads
	// from each end
	sampleSize = 64 * 1024

	samplingConfidence  = 0.6
	comparisonBaseConf  = 0.5
	fullConfidence      = 1.0
)

// Transport is the slice of the overlay the validator needs
type Transport interface {
	Publish(ctx context.Context, topic string, env *p2p.Envelope) error
	Handle(msgType p2p.MessageType, handler p2p.Handler)
}

// Validator re-checks reported results on request. Each strategy trades
// cost against the confidence it yields; verdicts are signed with the
// node identity before they go on the wire.
type Validator struct {
	cfg     config.ValidationConfig
	host    Transport
	ident   *identity.Identity
	fetcher *content.Fetcher
	engine  inference.Engine
	manager *jobs.Manager
	repo    data.Repository
	bus     *events.Bus
	logger  *zap.Logger

	supported map[data.ValidationType]bool
	sem       chan struct{}
	rotation  atomic.Uint64
}

// NewValidator wires the validation service. The engine may be nil;
// full re-execution requests are then declined.
func NewValidator(cfg config.ValidationConfig, host Transport, ident *identity.Identity,
	fetcher *content.Fetcher, engine inference.Engine, manager *jobs.Manager,
	repo data.Repository, bus *events.Bus, logger *zap.Logger) *Validator {

	supported := make(map[data.ValidationType]bool, len(cfg.SupportedValidationTypes))
	for _, t := range cfg.SupportedValidationTypes {
		supported[data.ValidationType(t)] = true
	}

	return &Validator{
		cfg:       cfg,
		host:      host,
		ident:     ident,
		fetcher:   fetcher,
		engine:    engine,
		manager:   manager,
		repo:      repo,
		bus:       bus,
		logger:    logger,
		supported: supported,
		sem:       make(chan struct{}, cfg.MaxConcurrentValidations),
	}
}

// RegisterHandlers subscribes the validator to validation traffic
func (v *Validator) RegisterHandlers() {
	v.host.Handle(p2p.MsgValidationRequest, v.handleRequest)
	v.host.Handle(p2p.MsgValidationResult, v.handleResult)
}

// Request broadcasts a validation request for a reported result. Any
// node can originate one; only validators act on it. A job that names
// an allow-list of validators gets each request addressed to one of
// them, rotating through the list, and only the addressed validator
// answers.
func (v *Validator) Request(ctx context.Context, jobID string, result data.JobResult, strategy data.ValidationType) (*data.ValidationRequest, error) {
	req := data.NewValidationRequest(jobID, result, strategy, v.cfg.ValidatorStake, defaultValidationTimeout)

	if job, err := v.manager.Get(jobID); err == nil && len(job.Validators) > 0 {
		req.Validator = job.Validators[int((v.rotation.Add(1)-1)%uint64(len(job.Validators)))]
	}

	env, err := p2p.NewEnvelope(p2p.MsgValidationRequest, v.ident.PeerID().String(),
		p2p.ValidationRequestMessage{Request: *req})
	if err != nil {
		return nil, err
	}
	if err := v.host.Publish(ctx, p2p.ValidationTopic, env); err != nil {
		return nil, fmt.Errorf("broadcasting validation request: %w", err)
	}

	v.bus.Publish(events.ValidationEvent{
		Type:    events.ValidationRequested,
		Request: req,
	})
	return req, nil
}

// Validate executes one strategy against a result and returns a signed
// verdict
func (v *Validator) Validate(ctx context.Context, req *data.ValidationRequest) (*data.ValidationResult, error) {
	if !v.supported[req.Strategy] {
		return nil, fmt.Errorf("unsupported validation strategy %s", req.Strategy)
	}

	var (
		valid      bool
		confidence float64
		recomputed string
		err        error
	)

	switch req.Strategy {
	case data.ValidationHashVerification:
		valid, recomputed, err = v.verifyHash(ctx, req)
		confidence = fullConfidence
	case data.ValidationSampling:
		valid, recomputed, err = v.sampleOutput(ctx, req)
		confidence = samplingConfidence
	case data.ValidationFullReexecution:
		valid, recomputed, err = v.reexecute(ctx, req)
		confidence = fullConfidence
	case data.ValidationOutputComparison:
		valid, confidence, err = v.compareOutputs(req)
	default:
		return nil, fmt.Errorf("unknown validation strategy %s", req.Strategy)
	}
	if err != nil {
		return nil, err
	}

	result := &data.ValidationResult{
		RequestID:      req.ID,
		JobID:          req.JobID,
		Validator:      v.ident.PeerID().String(),
		Strategy:       req.Strategy,
		Valid:          valid,
		Confidence:     confidence,
		RecomputedHash: recomputed,
		PublicKey:      identity.EncodeKey(v.ident.PublicKey()),
		CompletedAt:    time.Now().UTC(),
	}

	payload, err := result.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding verdict: %w", err)
	}
	result.Signature = v.ident.Sign(payload)

	return result, nil
}

// Strategies

// verifyHash fetches the claimed output block and recomputes its hash
func (v *Validator) verifyHash(ctx context.Context, req *data.ValidationRequest) (bool, string, error) {
	block, err := v.fetchBlock(ctx, req.Result.OutputCID)
	if err != nil {
		return false, "", err
	}

	recomputed := identity.HashData(block)
	return recomputed == req.Result.OutputHash, recomputed, nil
}

// sampleOutput checks block integrity and hashes a deterministic slice
// of the output instead of the whole payload. Cheaper than a full hash
// for large outputs, with proportionally weaker confidence.
func (v *Validator) sampleOutput(ctx context.Context, req *data.ValidationRequest) (bool, string, error) {
	block, err := v.fetchBlock(ctx, req.Result.OutputCID)
	if err != nil {
		return false, "", err
	}

	// The fetch already verified the block against its identifier, so a
	// successful retrieval means the bytes match the advertised output.
	// Sample hash is reported for cross-validator comparison.
	sample := block
	if len(block) > 2*sampleSize {
		sample = make([]byte, 0, 2*sampleSize)
		sample = append(sample, block[:sampleSize]...)
		sample = append(sample, block[len(block)-sampleSize:]...)
	}

	expectedBytes := int64(len(block)) == req.Result.Metrics.OutputBytes || req.Result.Metrics.OutputBytes == 0
	return expectedBytes, identity.HashData(sample), nil
}

// reexecute reruns the job locally and compares output hashes
func (v *Validator) reexecute(ctx context.Context, req *data.ValidationRequest) (bool, string, error) {
	if v.engine == nil {
		return false, "", errors.New("no execution engine available for re-execution")
	}

	job, err := v.manager.Get(req.JobID)
	if err != nil {
		return false, "", fmt.Errorf("looking up job: %w", err)
	}

	modelRes := v.fetcher.Fetch(ctx, data.FetchRequest{CID: job.ModelCID, Verify: true})
	if !modelRes.Success {
		return false, "", fmt.Errorf("fetching model: %s", modelRes.Error)
	}
	inputRes := v.fetcher.Fetch(ctx, data.FetchRequest{CID: job.InputCID, Verify: true})
	if !inputRes.Success {
		return false, "", fmt.Errorf("fetching input: %s", inputRes.Error)
	}

	output, err := v.engine.Run(ctx, modelRes.LocalPath, inputRes.LocalPath)
	if err != nil {
		return false, "", fmt.Errorf("re-executing job: %w", err)
	}

	recomputed := identity.HashData(output.Data)
	return recomputed == req.Result.OutputHash, recomputed, nil
}

// compareOutputs judges a result against the other results reported for
// the same job. Confidence grows with the number of independent results
// backing the comparison.
func (v *Validator) compareOutputs(req *data.ValidationRequest) (bool, float64, error) {
	job, err := v.manager.Get(req.JobID)
	if err != nil {
		return false, 0, fmt.Errorf("looking up job: %w", err)
	}

	agree, others := 0, 0
	for _, r := range job.Results {
		if r.Executor == req.Result.Executor {
			continue
		}
		others++
		if r.OutputHash == req.Result.OutputHash {
			agree++
		}
	}
	if others == 0 {
		return false, 0, errors.New("no other results to compare against")
	}

	valid := agree*2 >= others
	confidence := comparisonBaseConf + comparisonBaseConf*float64(agree)/float64(others)
	return valid, confidence, nil
}

func (v *Validator) fetchBlock(ctx context.Context, id string) ([]byte, error) {
	res := v.fetcher.Fetch(ctx, data.FetchRequest{CID: id, Verify: true})
	if !res.Success {
		return nil, fmt.Errorf("fetching block %s: %s", id, res.Error)
	}
	block, err := v.fetcher.Store().Get(id)
	if err != nil {
		return nil, err
	}
	return block, nil
}

// Network handlers

func (v *Validator) handleRequest(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	if !v.cfg.EnableValidator {
		return
	}

	var msg p2p.ValidationRequestMessage
	if err := env.Decode(&msg); err != nil {
		v.logger.Debug("Dropping malformed validation request", zap.Error(err))
		return
	}
	req := msg.Request
	if req.ID == "" || req.JobID == "" {
		return
	}
	self := v.ident.PeerID().String()
	if req.Validator != "" && req.Validator != self {
		return
	}
	if req.Result.Executor == self {
		// Never validate our own work
		return
	}
	if !v.supported[req.Strategy] {
		v.logger.Debug("Declining unsupported strategy",
			zap.String("strategy", string(req.Strategy)))
		return
	}

	select {
	case v.sem <- struct{}{}:
	default:
		v.logger.Debug("Validation capacity exhausted, dropping request",
			zap.String("request", req.ID))
		return
	}

	go func() {
		defer func() { <-v.sem }()

		timeout := req.Timeout
		if timeout <= 0 {
			timeout = defaultValidationTimeout
		}
		runCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result, err := v.Validate(runCtx, &req)
		if err != nil {
			v.logger.Warn("Validation failed",
				zap.String("request", req.ID),
				zap.String("job", req.JobID),
				zap.Error(err))
			return
		}

		v.record(result)

		respEnv, err := p2p.NewEnvelope(p2p.MsgValidationResult, self,
			p2p.ValidationResultMessage{Result: *result})
		if err != nil {
			return
		}
		if err := v.host.Publish(runCtx, p2p.ValidationTopic, respEnv); err != nil {
			v.logger.Warn("Verdict broadcast failed",
				zap.String("request", req.ID),
				zap.Error(err))
		}
	}()
}

func (v *Validator) handleResult(ctx context.Context, from peer.ID, env *p2p.Envelope) {
	var msg p2p.ValidationResultMessage
	if err := env.Decode(&msg); err != nil {
		v.logger.Debug("Dropping malformed verdict", zap.Error(err))
		return
	}
	result := msg.Result
	if result.RequestID == "" || result.Validator == "" {
		return
	}
	if !verifyVerdict(&result) {
		v.logger.Warn("Dropping verdict with bad signature",
			zap.String("request", result.RequestID),
			zap.String("validator", result.Validator))
		return
	}

	v.record(&result)
}

// record persists a verdict and publishes it on the event bus
func (v *Validator) record(result *data.ValidationResult) {
	if v.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := v.repo.SaveValidation(ctx, result); err != nil {
			v.logger.Warn("Persisting verdict failed",
				zap.String("request", result.RequestID),
				zap.Error(err))
		}
		cancel()
	}

	v.bus.Publish(events.ValidationEvent{
		Type:   events.ValidationCompleted,
		Result: result,
	})
}

// verifyVerdict checks a verdict signature against its carried key
func verifyVerdict(result *data.ValidationResult) bool {
	if result.PublicKey == "" || len(result.Signature) == 0 {
		return false
	}
	key, err := identity.DecodeKey(result.PublicKey)
	if err != nil {
		return false
	}
	payload, err := result.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(payload, result.Signature, key)
}
