package jobs

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
	"p2p_compute/pkg/inference"
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

type stubEngine struct {
	output []byte
	err    error
}

func (s stubEngine) Run(_ context.Context, _, _ string) (*inference.Output, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &inference.Output{
		Data:    s.output,
		Metrics: data.ExecutionMetrics{DurationMillis: 5, OutputBytes: int64(len(s.output))},
	}, nil
}

type testEnv struct {
	manager   *Manager
	transport *fakeTransport
	ident     *identity.Identity
	store     *content.Store
	repo      *data.MockRepository
	bus       *events.Bus
}

func newTestEnv(t *testing.T, engine inference.Engine) *testEnv {
	return newTestEnvWith(t, config.ExecutionConfig{MaxConcurrentJobs: 2}, engine)
}

func newTestEnvWith(t *testing.T, cfg config.ExecutionConfig, engine inference.Engine) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ident, err := identity.LoadOrCreate(t.TempDir(), "", "", logger)
	require.NoError(t, err)

	store, err := content.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	contentCfg := config.ContentConfig{
		CacheDir:     "content",
		MaxProviders: 3,
		ChunkTimeout: time.Second,
	}
	fetcher := content.NewFetcher(nil, nil, store, contentCfg, events.NewBus(logger), logger)

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	transport := newFakeTransport()
	repo := data.NewMockRepository()

	manager := NewManager(cfg, transport,
		ident, store, fetcher, engine, repo, bus, logger)
	manager.RegisterHandlers()
	t.Cleanup(manager.Stop)

	return &testEnv{
		manager:   manager,
		transport: transport,
		ident:     ident,
		store:     store,
		repo:      repo,
		bus:       bus,
	}
}

func (e *testEnv) storeJobInputs(t *testing.T) data.JobParams {
	t.Helper()
	modelCID, err := e.store.Put([]byte("model weights"))
	require.NoError(t, err)
	inputCID, err := e.store.Put([]byte("input tensor"))
	require.NoError(t, err)

	return data.JobParams{
		ModelCID:           modelCID,
		InputCID:           inputCID,
		Redundancy:         1,
		ConsensusThreshold: 1.0,
	}
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, data.JobStatusPending, job.Status)
	assert.Equal(t, env.ident.PeerID().String(), job.Requester)

	broadcasts := env.transport.sent(p2p.MsgJobBroadcast)
	require.Len(t, broadcasts, 1)

	var msg p2p.JobBroadcast
	require.NoError(t, broadcasts[0].Decode(&msg))
	assert.Equal(t, job.ID, msg.Job.ID)

	saved, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusPending, saved.Status)
}

func TestCreateInvalidParams(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.manager.Create(context.Background(), data.JobParams{
		ModelCID: "bafymodel",
	})
	assert.Error(t, err)
	assert.Empty(t, env.transport.sent(p2p.MsgJobBroadcast))
}

func TestAcceptAndExecute(t *testing.T) {
	output := []byte("inference output")
	env := newTestEnv(t, stubEngine{output: output})
	params := env.storeJobInputs(t)

	results := make(chan *data.InferenceJob, 1)
	env.manager.SetResultHook(func(job *data.InferenceJob) {
		results <- job
	})

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, env.manager.Accept(context.Background(), job.ID))

	assignments := env.transport.sent(p2p.MsgJobAssignment)
	require.Len(t, assignments, 1)

	var snapshot *data.InferenceJob
	select {
	case snapshot = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never produced a result")
	}

	require.Len(t, snapshot.Results, 1)
	result := snapshot.Results[0]
	assert.Equal(t, env.ident.PeerID().String(), result.Executor)
	assert.Equal(t, identity.HashData(output), result.OutputHash)
	assert.True(t, env.store.Has(result.OutputCID), "output must be stored locally")
	assert.True(t, verifyReceipt(&result), "receipt signature must verify")
	assert.Equal(t, data.JobStatusValidating, snapshot.Status)

	broadcasts := env.transport.sent(p2p.MsgJobResult)
	require.Len(t, broadcasts, 1)

	t.Run("ConsensusFinalizes", func(t *testing.T) {
		consensus := &data.ConsensusResult{
			JobID:      job.ID,
			OutputHash: result.OutputHash,
			Agreeing:   []string{result.Executor},
			Score:      1.0,
		}
		env.manager.MarkCompleted(job.ID, consensus)

		final, err := env.manager.Get(job.ID)
		require.NoError(t, err)
		assert.Equal(t, data.JobStatusCompleted, final.Status)
		require.NotNil(t, final.CompletedAt)

		// Finalizing again must not disturb the terminal state
		env.manager.MarkDisputed(job.ID, consensus)
		final, _ = env.manager.Get(job.ID)
		assert.Equal(t, data.JobStatusCompleted, final.Status)
	})

	stats := env.manager.Stats()
	assert.Equal(t, 1, stats.CompletedLastHour)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestExecutionFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, stubEngine{err: assert.AnError})
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, env.manager.Accept(context.Background(), job.ID))

	require.Eventually(t, func() bool {
		got, err := env.manager.Get(job.ID)
		return err == nil && got.Status == data.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := env.manager.Get(job.ID)
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, env.transport.sent(p2p.MsgJobResult), "failures are not broadcast as results")
}

func TestAcceptWithoutEngine(t *testing.T) {
	env := newTestEnv(t, nil)
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	assert.Error(t, env.manager.Accept(context.Background(), job.ID))
}

func TestAcceptTwice(t *testing.T) {
	env := newTestEnv(t, stubEngine{output: []byte("out")})
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, env.manager.Accept(context.Background(), job.ID))
	err = env.manager.Accept(context.Background(), job.ID)
	assert.ErrorIs(t, err, data.ErrAlreadyAssigned)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, env.manager.Cancel(context.Background(), job.ID))

	got, err := env.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusCancelled, got.Status)
	require.Len(t, env.transport.sent(p2p.MsgJobCancel), 1)

	// A terminal job cannot be cancelled again
	assert.ErrorIs(t, env.manager.Cancel(context.Background(), job.ID), data.ErrInvalidStatus)
}

func TestHandleBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	remote, err := data.NewInferenceJob("remote-peer", data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         2,
		ConsensusThreshold: 0.5,
	})
	require.NoError(t, err)

	env.deliver(t, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: remote})

	got, err := env.manager.Get(remote.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusPending, got.Status)

	// A duplicate broadcast is ignored
	env.deliver(t, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: remote})
	assert.Len(t, env.manager.List(data.JobStatusPending), 1)
}

// blockedEngine parks every run until released, keeping its job active
type blockedEngine struct {
	release chan struct{}
}

func (b blockedEngine) Run(ctx context.Context, _, _ string) (*inference.Output, error) {
	select {
	case <-b.release:
		return &inference.Output{Data: []byte("late output")}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAutoAcceptRespectsConcurrencyLimit(t *testing.T) {
	engine := blockedEngine{release: make(chan struct{})}
	defer close(engine.release)

	env := newTestEnvWith(t, config.ExecutionConfig{
		MaxConcurrentJobs: 1,
		AutoAcceptJobs:    true,
	}, engine)
	params := env.storeJobInputs(t)

	for i := 0; i < 3; i++ {
		remote, err := data.NewInferenceJob("remote-peer", params)
		require.NoError(t, err)
		env.deliver(t, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: remote})
	}

	claims := env.transport.sent(p2p.MsgJobAssignment)
	assert.Len(t, claims, 1, "a saturated node must not claim more jobs")
	assert.Len(t, env.manager.List(data.JobStatusPending), 2,
		"jobs beyond capacity stay pending for other peers")
}

func TestProgressFractions(t *testing.T) {
	env := newTestEnv(t, stubEngine{output: []byte("out")})
	params := env.storeJobInputs(t)

	sub := env.bus.Subscribe(events.JobProgress, events.JobStarted)
	defer sub.Close()

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, env.manager.Accept(context.Background(), job.ID))

	fractions := make(map[data.JobStatus]float64)
	deadline := time.After(5 * time.Second)
	for len(fractions) < 4 {
		select {
		case ev := <-sub.C():
			je, ok := ev.(events.JobEvent)
			if !ok || je.Job == nil {
				continue
			}
			fractions[je.Job.Status] = je.Progress
		case <-deadline:
			t.Fatalf("saw progress for only %d phases", len(fractions))
		}
	}

	assert.Equal(t, 0.25, fractions[data.JobStatusFetchingModel])
	assert.Equal(t, 0.5, fractions[data.JobStatusFetchingInput])
	assert.Equal(t, 0.75, fractions[data.JobStatusExecuting])
	assert.Equal(t, 1.0, fractions[data.JobStatusValidating])
}

func TestFirstAssignmentWins(t *testing.T) {
	env := newTestEnv(t, nil)

	remote, err := data.NewInferenceJob("remote-peer", data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         1,
		ConsensusThreshold: 1.0,
	})
	require.NoError(t, err)
	env.deliver(t, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: remote})

	env.deliver(t, p2p.MsgJobAssignment, p2p.JobAssignment{JobID: remote.ID, Executor: "executor-1"})
	env.deliver(t, p2p.MsgJobAssignment, p2p.JobAssignment{JobID: remote.ID, Executor: "executor-2"})

	got, err := env.manager.Get(remote.ID)
	require.NoError(t, err)
	assert.Equal(t, "executor-1", got.Executor, "first observed claim is authoritative")
	assert.Equal(t, data.JobStatusAssigned, got.Status)
}

func TestHandleResult(t *testing.T) {
	env := newTestEnv(t, nil)
	logger := zaptest.NewLogger(t)

	remoteIdent, err := identity.LoadOrCreate(t.TempDir(), "", "", logger)
	require.NoError(t, err)

	remote, err := data.NewInferenceJob("remote-peer", data.JobParams{
		ModelCID:           "bafymodel",
		InputCID:           "bafyinput",
		Redundancy:         2,
		ConsensusThreshold: 0.5,
	})
	require.NoError(t, err)
	env.deliver(t, p2p.MsgJobBroadcast, p2p.JobBroadcast{Job: remote})

	result := signedResult(t, remoteIdent, remote.ID, []byte("remote output"))

	var hooked []*data.InferenceJob
	env.manager.SetResultHook(func(job *data.InferenceJob) {
		hooked = append(hooked, job)
	})

	env.deliver(t, p2p.MsgJobResult, p2p.JobResultMessage{Result: result})

	got, err := env.manager.Get(remote.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	assert.Equal(t, data.JobStatusValidating, got.Status)
	require.Len(t, hooked, 1)

	t.Run("DuplicateExecutorIgnored", func(t *testing.T) {
		env.deliver(t, p2p.MsgJobResult, p2p.JobResultMessage{Result: result})
		got, _ := env.manager.Get(remote.ID)
		assert.Len(t, got.Results, 1)
		assert.Len(t, hooked, 1, "hook must not fire for duplicates")
	})

	t.Run("TamperedSignatureDropped", func(t *testing.T) {
		forged := signedResult(t, remoteIdent, remote.ID, []byte("other output"))
		forged.Executor = "someone-else"
		env.deliver(t, p2p.MsgJobResult, p2p.JobResultMessage{Result: forged})

		got, _ := env.manager.Get(remote.ID)
		assert.Len(t, got.Results, 1)
	})
}

func TestHandleCancelAbortsExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	params := env.storeJobInputs(t)

	job, err := env.manager.Create(context.Background(), params)
	require.NoError(t, err)

	env.deliver(t, p2p.MsgJobCancel, p2p.JobCancel{JobID: job.ID})

	got, err := env.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, data.JobStatusCancelled, got.Status)
}

// deliver routes a payload through the registered handler the way the
// overlay would
func (e *testEnv) deliver(t *testing.T, msgType p2p.MessageType, payload interface{}) {
	t.Helper()
	env, err := p2p.NewEnvelope(msgType, "remote-peer", payload)
	require.NoError(t, err)

	e.transport.mu.Lock()
	handler := e.transport.handlers[msgType]
	e.transport.mu.Unlock()
	require.NotNil(t, handler, "no handler registered for %s", msgType)

	handler(context.Background(), "", env)
}

func signedResult(t *testing.T, ident *identity.Identity, jobID string, output []byte) data.JobResult {
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

	return data.JobResult{
		JobID:       jobID,
		Executor:    executor,
		OutputHash:  outputHash,
		OutputCID:   "bafyoutput",
		Receipt:     receipt,
		CompletedAt: time.Now().UTC(),
	}
}
