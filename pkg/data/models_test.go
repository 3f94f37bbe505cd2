package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInferenceJob(t *testing.T) {
	params := JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         3,
		ConsensusThreshold: 0.66,
	}

	t.Run("ValidParams", func(t *testing.T) {
		job, err := NewInferenceJob("peer-1", params)
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "inference", job.Type)
		assert.Equal(t, "peer-1", job.Requester)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Empty(t, job.Executor)
		assert.NoError(t, job.Validate())
	})

	t.Run("MissingModel", func(t *testing.T) {
		p := params
		p.ModelCID = ""
		_, err := NewInferenceJob("peer-1", p)
		assert.Error(t, err)
	})

	t.Run("MissingInput", func(t *testing.T) {
		p := params
		p.InputCID = ""
		_, err := NewInferenceJob("peer-1", p)
		assert.Error(t, err)
	})

	t.Run("ZeroRedundancy", func(t *testing.T) {
		p := params
		p.Redundancy = 0
		_, err := NewInferenceJob("peer-1", p)
		assert.Error(t, err)
	})

	t.Run("ThresholdOutOfRange", func(t *testing.T) {
		for _, threshold := range []float64{0, -0.5, 1.1} {
			p := params
			p.ConsensusThreshold = threshold
			_, err := NewInferenceJob("peer-1", p)
			assert.Error(t, err, "threshold %f", threshold)
		}

		p := params
		p.ConsensusThreshold = 1.0
		_, err := NewInferenceJob("peer-1", p)
		assert.NoError(t, err)
	})
}

func TestJobStatus(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusDisputed, JobStatusCancelled}
	active := []JobStatus{JobStatusAssigned, JobStatusFetchingModel, JobStatusFetchingInput, JobStatusExecuting, JobStatusValidating}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
		assert.False(t, s.IsActive(), "%s should not be active", s)
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
		assert.True(t, s.IsActive(), "%s should be active", s)
	}
	assert.False(t, JobStatusPending.IsTerminal())
}

func TestHasResultFrom(t *testing.T) {
	job := &InferenceJob{
		Results: []JobResult{
			{JobID: "j1", Executor: "peer-a", OutputHash: "h1"},
		},
	}

	assert.True(t, job.HasResultFrom("peer-a"))
	assert.False(t, job.HasResultFrom("peer-b"))
}

func TestJobClone(t *testing.T) {
	job := &InferenceJob{
		ID:         "j1",
		Validators: []string{"v1"},
		Results:    []JobResult{{Executor: "peer-a"}},
		ConsensusResult: &ConsensusResult{
			JobID:      "j1",
			OutputHash: "h1",
		},
	}

	clone := job.Clone()
	clone.Validators[0] = "other"
	clone.Results[0].Executor = "other"
	clone.ConsensusResult.OutputHash = "other"

	assert.Equal(t, "v1", job.Validators[0])
	assert.Equal(t, "peer-a", job.Results[0].Executor)
	assert.Equal(t, "h1", job.ConsensusResult.OutputHash)
}

func TestSigningBytesExcludeSignature(t *testing.T) {
	t.Run("Receipt", func(t *testing.T) {
		receipt := &ExecutionReceipt{
			JobID:      "j1",
			Executor:   "peer-a",
			OutputHash: "h1",
			Timestamp:  time.Now().UTC(),
		}

		unsigned, err := receipt.SigningBytes()
		require.NoError(t, err)

		receipt.Signature = []byte("sig")
		signed, err := receipt.SigningBytes()
		require.NoError(t, err)

		assert.Equal(t, unsigned, signed)
	})

	t.Run("Heartbeat", func(t *testing.T) {
		hb := &Heartbeat{PeerID: "peer-a", Sequence: 7}

		unsigned, err := hb.SigningBytes()
		require.NoError(t, err)

		hb.Signature = []byte("sig")
		signed, err := hb.SigningBytes()
		require.NoError(t, err)

		assert.Equal(t, unsigned, signed)
	})

	t.Run("ValidationResult", func(t *testing.T) {
		vr := &ValidationResult{RequestID: "r1", JobID: "j1", Valid: true}

		unsigned, err := vr.SigningBytes()
		require.NoError(t, err)

		vr.Signature = []byte("sig")
		signed, err := vr.SigningBytes()
		require.NoError(t, err)

		assert.Equal(t, unsigned, signed)
	})
}

func TestNewValidationRequest(t *testing.T) {
	result := JobResult{JobID: "j1", Executor: "peer-a", OutputHash: "h1"}
	req := NewValidationRequest("j1", result, ValidationHashVerification, 1.5, time.Minute)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "j1", req.JobID)
	assert.Equal(t, ValidationHashVerification, req.Strategy)
	assert.Equal(t, 1.5, req.Stake)
	assert.Equal(t, time.Minute, req.Timeout)
}
