package validation

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/jobs"
)

// Consensus settles jobs by majority agreement on the output hash.
// Evaluation runs after every appended result; a job finalizes exactly
// once, when its full redundancy set has reported.
type Consensus struct {
	manager *jobs.Manager
	bus     *events.Bus
	logger  *zap.Logger
}

// NewConsensus creates the evaluator
func NewConsensus(manager *jobs.Manager, bus *events.Bus, logger *zap.Logger) *Consensus {
	return &Consensus{
		manager: manager,
		bus:     bus,
		logger:  logger,
	}
}

// Evaluate inspects a job snapshot and finalizes it when enough results
// are in. Fewer results than the redundancy target leaves the job
// validating; evaluation of an already terminal job is a no-op, so
// duplicate invocations are harmless.
func (c *Consensus) Evaluate(job *data.InferenceJob) {
	if job == nil || job.Status.IsTerminal() {
		return
	}
	if len(job.Results) < job.Redundancy {
		return
	}

	result := Tally(job.Results)
	result.JobID = job.ID

	if result.Score >= job.ConsensusThreshold {
		c.manager.MarkCompleted(job.ID, result)
		c.bus.Publish(events.ConsensusEvent{
			Type:   events.ConsensusReached,
			JobID:  job.ID,
			Result: result,
		})
		c.logger.Info("Consensus reached",
			zap.String("job", job.ID),
			zap.String("output_hash", result.OutputHash),
			zap.Float64("score", result.Score),
			zap.Int("agreeing", len(result.Agreeing)))
		return
	}

	c.manager.MarkDisputed(job.ID, result)
	c.bus.Publish(events.ConsensusEvent{
		Type:   events.ConsensusFailed,
		JobID:  job.ID,
		Result: result,
	})
	c.logger.Warn("Consensus failed",
		zap.String("job", job.ID),
		zap.Float64("score", result.Score),
		zap.Float64("threshold", job.ConsensusThreshold))
}

// Tally groups results by output hash and picks the majority. A tie in
// group size breaks toward the lexicographically lowest hash so every
// node settles on the same winner.
func Tally(results []data.JobResult) *data.ConsensusResult {
	groups := make(map[string][]string)
	for _, r := range results {
		groups[r.OutputHash] = append(groups[r.OutputHash], r.Executor)
	}

	hashes := make([]string, 0, len(groups))
	for hash := range groups {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	var winner string
	for _, hash := range hashes {
		if winner == "" || len(groups[hash]) > len(groups[winner]) {
			winner = hash
		}
	}

	var disputing []string
	for _, hash := range hashes {
		if hash != winner {
			disputing = append(disputing, groups[hash]...)
		}
	}

	agreeing := append([]string(nil), groups[winner]...)
	sort.Strings(agreeing)
	sort.Strings(disputing)

	return &data.ConsensusResult{
		OutputHash:  winner,
		Agreeing:    agreeing,
		Disputing:   disputing,
		Score:       float64(len(agreeing)) / float64(len(results)),
		FinalizedAt: time.Now().UTC(),
	}
}
