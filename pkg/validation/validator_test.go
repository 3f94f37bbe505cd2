package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/content"
	"p2p_compute/pkg/data"
	"p2p_compute/pkg/events"
	"p2p_compute/pkg/identity"
	"p2p_compute/pkg/jobs"
	"p2p_compute/pkg/p2p"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []*p2p.Envelope
	handlers  map[p2p.MessageType]p2p.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[p2p.MessageType]p2p.Handler)}
}

func (f *fakeTransport) Publish(_ context.Context, _ string, env *p2p.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func (f *fakeTransport) Handle(msgType p2p.MessageType, handler p2p.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = handler
}

func (f *fakeTransport) sent(msgType p2p.MessageType) []*p2p.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*p2p.Envelope
	for _, env := range f.published {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	validator *Validator
	consensus *Consensus
	manager   *jobs.Manager
	transport *fakeTransport
	ident     *identity.Identity
	store     *content.Store
	bus       *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ident, err := identity.LoadOrCreate(t.TempDir(), "", "", logger)
	require.NoError(t, err)

	store, err := content.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	contentCfg := config.ContentConfig{MaxProviders: 3, ChunkTimeout: time.Second}
	fetcher := content.NewFetcher(nil, nil, store, contentCfg, bus, logger)

	transport := newFakeTransport()
	repo := data.NewMockRepository()

	manager := jobs.NewManager(config.ExecutionConfig{MaxConcurrentJobs: 1}, transport,
		ident, store, fetcher, nil, repo, bus, logger)
	manager.RegisterHandlers()
	t.Cleanup(manager.Stop)

	validationCfg := config.ValidationConfig{
		EnableValidator:          true,
		MaxConcurrentValidations: 2,
		SupportedValidationTypes: []string{"hash-verification", "sampling", "output-comparison"},
	}
	validator := NewValidator(validationCfg, transport, ident, fetcher, nil, manager,
		repo, bus, logger)
	consensus := NewConsensus(manager, bus, logger)

	return &fixture{
		validator: validator,
		consensus: consensus,
		manager:   manager,
		transport: transport,
		ident:     ident,
		store:     store,
		bus:       bus,
	}
}

func (f *fixture) deliverResult(t *testing.T, ident *identity.Identity, jobID string, output []byte) {
	t.Helper()
	executor := ident.PeerID().String()
	outputHash := identity.HashData(output)

	receipt := data.ExecutionReceipt{
		JobID:      jobID,
		Executor:   executor,
		OutputHash: outputHash,
		Timestamp:  time.Now().UTC(),
		PublicKey:  identity.EncodeKey(ident.PublicKey()),
	}
	payload, err := receipt.SigningBytes()
	require.NoError(t, err)
	receipt.Signature = ident.Sign(payload)

	result := data.JobResult{
		JobID:       jobID,
		Executor:    executor,
		OutputHash:  outputHash,
		OutputCID:   "bafyoutput",
		Receipt:     receipt,
		CompletedAt: time.Now().UTC(),
	}

	env, err := p2p.NewEnvelope(p2p.MsgJobResult, executor, p2p.JobResultMessage{Result: result})
	require.NoError(t, err)

	f.transport.mu.Lock()
	handler := f.transport.handlers[p2p.MsgJobResult]
	f.transport.mu.Unlock()
	require.NotNil(t, handler)
	handler(context.Background(), "", env)
}

func remoteIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ident, err := identity.LoadOrCreate(t.TempDir(), "", "", zaptest.NewLogger(t))
	require.NoError(t, err)
	return ident
}

func TestEvaluateReachesConsensus(t *testing.T) {
	f := newFixture(t)
	f.manager.SetResultHook(f.consensus.Evaluate)

	sub := f.bus.Subscribe(events.ConsensusReached, events.ConsensusFailed)
	defer sub.Close()

	job, err := f.manager.Create(context.Background(), data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         3,
		ConsensusThreshold: 0.6,
	})
	require.NoError(t, err)

	agreeing1, agreeing2 := remoteIdentity(t), remoteIdentity(t)
	dissenter := remoteIdentity(t)

	f.deliverResult(t, agreeing1, job.ID, []byte("canonical output"))
	f.deliverResult(t, dissenter, job.ID, []byte("divergent output"))

	// Below redundancy nothing settles
	mid, err := f.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusValidating, mid.Status)

	f.deliverResult(t, agreeing2, job.ID, []byte("canonical output"))

	final, err := f.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusCompleted, final.Status)
	require.NotNil(t, final.ConsensusResult)
	assert.Equal(t, identity.HashData([]byte("canonical output")), final.ConsensusResult.OutputHash)
	assert.InDelta(t, 2.0/3.0, final.ConsensusResult.Score, 1e-9)
	assert.Len(t, final.ConsensusResult.Agreeing, 2)
	assert.Len(t, final.ConsensusResult.Disputing, 1)

	ev := <-sub.C()
	assert.Equal(t, events.ConsensusReached, ev.EventType())
}

func TestEvaluateDisputes(t *testing.T) {
	f := newFixture(t)
	f.manager.SetResultHook(f.consensus.Evaluate)

	sub := f.bus.Subscribe(events.ConsensusReached, events.ConsensusFailed)
	defer sub.Close()

	job, err := f.manager.Create(context.Background(), data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         3,
		ConsensusThreshold: 0.9,
	})
	require.NoError(t, err)

	for _, output := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		f.deliverResult(t, remoteIdentity(t), job.ID, output)
	}

	final, err := f.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusDisputed, final.Status)
	require.NotNil(t, final.ConsensusResult)
	assert.InDelta(t, 1.0/3.0, final.ConsensusResult.Score, 1e-9)

	ev := <-sub.C()
	assert.Equal(t, events.ConsensusFailed, ev.EventType())

	t.Run("LateResultCannotReopen", func(t *testing.T) {
		f.deliverResult(t, remoteIdentity(t), job.ID, []byte("one"))
		got, _ := f.manager.Get(job.ID)
		assert.Equal(t, data.JobStatusDisputed, got.Status)
		assert.Len(t, got.Results, 3)
	})
}

func TestValidateHashVerification(t *testing.T) {
	f := newFixture(t)

	output := []byte("validated output")
	outputCID, err := f.store.Put(output)
	require.NoError(t, err)

	makeRequest := func(hash string) *data.ValidationRequest {
		return data.NewValidationRequest("j1", data.JobResult{
			JobID:      "j1",
			Executor:   "remote-peer",
			OutputCID:  outputCID,
			OutputHash: hash,
		}, data.ValidationHashVerification, 0, time.Minute)
	}

	t.Run("MatchingHash", func(t *testing.T) {
		verdict, err := f.validator.Validate(context.Background(), makeRequest(identity.HashData(output)))
		require.NoError(t, err)

		assert.True(t, verdict.Valid)
		assert.Equal(t, 1.0, verdict.Confidence)
		assert.Equal(t, identity.HashData(output), verdict.RecomputedHash)
	})

	t.Run("MismatchedHash", func(t *testing.T) {
		verdict, err := f.validator.Validate(context.Background(), makeRequest("bogus-hash"))
		require.NoError(t, err)

		assert.False(t, verdict.Valid)
		assert.Equal(t, identity.HashData(output), verdict.RecomputedHash)
	})

	t.Run("VerdictIsSigned", func(t *testing.T) {
		verdict, err := f.validator.Validate(context.Background(), makeRequest(identity.HashData(output)))
		require.NoError(t, err)

		assert.Equal(t, f.ident.PeerID().String(), verdict.Validator)
		assert.True(t, verifyVerdict(verdict))

		verdict.Valid = !verdict.Valid
		assert.False(t, verifyVerdict(verdict), "tampered verdict must not verify")
	})
}

func TestValidateUnsupportedStrategy(t *testing.T) {
	f := newFixture(t)

	req := data.NewValidationRequest("j1", data.JobResult{},
		data.ValidationFullReexecution, 0, time.Minute)
	_, err := f.validator.Validate(context.Background(), req)
	assert.Error(t, err)
}

func TestRequestBroadcasts(t *testing.T) {
	f := newFixture(t)

	sub := f.bus.Subscribe(events.ValidationRequested)
	defer sub.Close()

	result := data.JobResult{JobID: "j1", Executor: "remote-peer", OutputHash: "h1"}
	req, err := f.validator.Request(context.Background(), "j1", result, data.ValidationHashVerification)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)

	published := f.transport.sent(p2p.MsgValidationRequest)
	require.Len(t, published, 1)

	var msg p2p.ValidationRequestMessage
	require.NoError(t, published[0].Decode(&msg))
	assert.Equal(t, req.ID, msg.Request.ID)
	assert.Equal(t, "j1", msg.Request.JobID)

	ev := <-sub.C()
	assert.Equal(t, events.ValidationRequested, ev.EventType())
}

func TestRequestAddressesConfiguredValidator(t *testing.T) {
	f := newFixture(t)

	job, err := f.manager.Create(context.Background(), data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         1,
		ConsensusThreshold: 1.0,
		Validators:         []string{"validator-1", "validator-2"},
	})
	require.NoError(t, err)

	result := data.JobResult{JobID: job.ID, Executor: "remote-peer", OutputHash: "h1"}

	first, err := f.validator.Request(context.Background(), job.ID, result, data.ValidationHashVerification)
	require.NoError(t, err)
	second, err := f.validator.Request(context.Background(), job.ID, result, data.ValidationHashVerification)
	require.NoError(t, err)
	third, err := f.validator.Request(context.Background(), job.ID, result, data.ValidationHashVerification)
	require.NoError(t, err)

	assert.Equal(t, "validator-1", first.Validator)
	assert.Equal(t, "validator-2", second.Validator, "requests rotate through the allow-list")
	assert.Equal(t, "validator-1", third.Validator)

	t.Run("RequestForAnotherValidatorIgnored", func(t *testing.T) {
		f.validator.RegisterHandlers()

		addressed := data.NewValidationRequest(job.ID, result, data.ValidationHashVerification, 0, time.Minute)
		addressed.Validator = "someone-else"
		env, err := p2p.NewEnvelope(p2p.MsgValidationRequest, "remote-peer",
			p2p.ValidationRequestMessage{Request: *addressed})
		require.NoError(t, err)

		f.transport.mu.Lock()
		handler := f.transport.handlers[p2p.MsgValidationRequest]
		f.transport.mu.Unlock()
		require.NotNil(t, handler)
		handler(context.Background(), "", env)

		assert.Empty(t, f.transport.sent(p2p.MsgValidationResult),
			"a validator not named by the request stays silent")
	})
}
