package verifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"training-orchestrator/apiconfig"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/store"
	"training-orchestrator/trainclient"
	"training-orchestrator/types"
)

// captureSink records verdicts instead of routing them to a scheduler.
type captureSink struct {
	mu       sync.Mutex
	verdicts map[string]bool
}

func newCaptureSink() *captureSink {
	return &captureSink{verdicts: make(map[string]bool)}
}

func (s *captureSink) QueueMessage(cmd scheduler.Command) error {
	verdict, ok := cmd.(scheduler.VerdictCommand)
	if !ok {
		return errors.New("unexpected command type")
	}
	s.mu.Lock()
	s.verdicts[verdict.UnitID] = verdict.Accepted
	s.mu.Unlock()
	verdict.Response <- nil
	return nil
}

func (s *captureSink) get(unitID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accepted, ok := s.verdicts[unitID]
	return accepted, ok
}

func testVerifierConfig() apiconfig.VerificationConfig {
	return apiconfig.VerificationConfig{
		WorkerCount:       2,
		SampleFraction:    0,
		QuorumSize:        2,
		NumericTolerance:  1e-4,
		MaxRetries:        3,
		RetryBackoffSec:   0,
		RequestTimeoutSec: 5,
	}
}

type verifierEnv struct {
	verif   *Verifier
	reg     *registry.Registry
	store   store.Store
	trainer *trainclient.MockClient
	sink    *captureSink
	jobs    chan scheduler.VerifyJob
}

func newVerifierEnv(t *testing.T, cfg apiconfig.VerificationConfig) *verifierEnv {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.NewRegistry(apiconfig.Defaults().Registry, st)
	trainer := trainclient.NewMockClient()
	sink := newCaptureSink()
	jobs := make(chan scheduler.VerifyJob, 8)
	return &verifierEnv{
		verif:   NewVerifier(cfg, reg, st, trainer, sink, jobs),
		reg:     reg,
		store:   st,
		trainer: trainer,
		sink:    sink,
		jobs:    jobs,
	}
}

func (e *verifierEnv) registerNode(t *testing.T, id string) {
	t.Helper()
	_, err := e.reg.Register(context.Background(), id, "pubkey-"+id, types.Capability{})
	require.NoError(t, err)
}

func referenceJob(nodeID string, metrics types.ArtifactMetrics) scheduler.VerifyJob {
	unit := types.WorkUnit{
		ID:     "unit-ref",
		TaskID: "task-1",
		Type:   types.UnitTypeReference,
		Shard:  types.ShardDescriptor{StepStart: 0, StepEnd: 50},
		State:  types.UnitStateSubmitted,
	}
	return scheduler.VerifyJob{
		Unit: unit,
		Submissions: []types.Submission{{
			ID:         "sub-" + nodeID,
			UnitID:     unit.ID,
			NodeID:     nodeID,
			PayloadRef: "sha256:payload",
			Metrics:    metrics,
			Valid:      true,
		}},
	}
}

func quorumJob(metricsByNode map[string]types.ArtifactMetrics) scheduler.VerifyJob {
	unit := types.WorkUnit{
		ID:     "unit-quo",
		TaskID: "task-1",
		Type:   types.UnitTypeQuorum,
		Shard:  types.ShardDescriptor{StepStart: 0, StepEnd: 50},
		State:  types.UnitStateSubmitted,
	}
	job := scheduler.VerifyJob{Unit: unit}
	for _, nodeID := range []string{"node-a", "node-b", "node-c", "node-d"} {
		m, ok := metricsByNode[nodeID]
		if !ok {
			continue
		}
		job.Submissions = append(job.Submissions, types.Submission{
			ID:      "sub-" + nodeID,
			UnitID:  unit.ID,
			NodeID:  nodeID,
			Metrics: m,
			Valid:   true,
		})
	}
	return job
}

func TestReferenceUnsampledAcceptsAndCredits(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	env.registerNode(t, "node-a")

	job := referenceJob("node-a", types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10})
	result := env.verif.verifyReference(context.Background(), job)

	assert.Equal(t, verifyAccept, result)
	assert.Equal(t, 0, env.trainer.ExecuteShardCalled)

	node, err := env.reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, float64(50), node.VerifiedScore)
	assert.Equal(t, uint64(1), node.VerifiedUnits)
}

func TestReferenceReexecutionMatchAccepts(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.SampleFraction = 1
	env := newVerifierEnv(t, cfg)
	env.registerNode(t, "node-a")

	metrics := types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}
	env.trainer.ExecuteResults["unit-ref"] = &trainclient.ExecuteShardResponse{Metrics: metrics}

	result := env.verif.verifyReference(context.Background(), referenceJob("node-a", metrics))

	assert.Equal(t, verifyAccept, result)
	assert.Equal(t, 1, env.trainer.ExecuteShardCalled)
}

func TestReferenceMismatchRecordsFraud(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.SampleFraction = 1
	env := newVerifierEnv(t, cfg)
	env.registerNode(t, "node-a")

	env.trainer.ExecuteResults["unit-ref"] = &trainclient.ExecuteShardResponse{
		Metrics: types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10},
	}
	submitted := types.ArtifactMetrics{Loss: 0.1, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}

	result := env.verif.verifyReference(context.Background(), referenceJob("node-a", submitted))

	assert.Equal(t, verifyReject, result)
	node, err := env.reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, node.FraudCount)
	assert.Equal(t, float64(0), node.VerifiedScore)
}

func TestReferenceTransientErrorRetries(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.SampleFraction = 1
	env := newVerifierEnv(t, cfg)
	env.registerNode(t, "node-a")

	env.trainer.ExecuteShardError = errors.New("executor unavailable")

	metrics := types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}
	result := env.verif.verifyReference(context.Background(), referenceJob("node-a", metrics))

	assert.Equal(t, verifyFailRetry, result)
}

func TestReferenceWithoutSubmissionsRejects(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())

	job := scheduler.VerifyJob{Unit: types.WorkUnit{ID: "unit-ref", Type: types.UnitTypeReference}}
	assert.Equal(t, verifyReject, env.verif.verifyReference(context.Background(), job))
}

func TestQuorumAgreementCreditsAll(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		env.registerNode(t, id)
	}

	metrics := types.ArtifactMetrics{Loss: 1.5, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10}
	job := quorumJob(map[string]types.ArtifactMetrics{
		"node-a": metrics, "node-b": metrics, "node-c": metrics,
	})

	assert.Equal(t, verifyAccept, env.verif.verifyQuorum(context.Background(), job))

	for _, id := range []string{"node-a", "node-b", "node-c"} {
		node, err := env.reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, float64(50), node.VerifiedScore, id)
	}
}

func TestQuorumOutlierMarkedSuspect(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		env.registerNode(t, id)
	}

	agree := types.ArtifactMetrics{Loss: 1.5, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10}
	outlier := types.ArtifactMetrics{Loss: 9.9, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10}
	job := quorumJob(map[string]types.ArtifactMetrics{
		"node-a": agree, "node-b": agree, "node-c": outlier,
	})

	assert.Equal(t, verifyAccept, env.verif.verifyQuorum(context.Background(), job))

	honest, err := env.reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, float64(50), honest.VerifiedScore)

	suspect, err := env.reg.Get("node-c")
	require.NoError(t, err)
	assert.Equal(t, 1, suspect.SuspectCount)
	assert.Equal(t, float64(0), suspect.VerifiedScore)

	subs, err := env.store.ListSubmissionsByUnit(context.Background(), "unit-quo")
	require.NoError(t, err)
	outcomes := make(map[string]types.VerificationOutcome)
	for _, s := range subs {
		outcomes[s.NodeID] = s.Outcome
	}
	assert.Equal(t, types.OutcomeVerified, outcomes["node-a"])
	assert.Equal(t, types.OutcomeSuspect, outcomes["node-c"])
}

func TestQuorumBelowSizeRejects(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	env.registerNode(t, "node-a")

	job := quorumJob(map[string]types.ArtifactMetrics{
		"node-a": {Loss: 1.5, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10},
	})
	assert.Equal(t, verifyReject, env.verif.verifyQuorum(context.Background(), job))
}

func TestQuorumNoAgreementRejects(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		env.registerNode(t, id)
	}

	job := quorumJob(map[string]types.ArtifactMetrics{
		"node-a": {Loss: 1.0, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10},
		"node-b": {Loss: 2.0, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10},
		"node-c": {Loss: 3.0, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10},
	})
	assert.Equal(t, verifyReject, env.verif.verifyQuorum(context.Background(), job))
}

func TestRunDeliversVerdict(t *testing.T) {
	env := newVerifierEnv(t, testVerifierConfig())
	env.registerNode(t, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.verif.Run(ctx)
		close(done)
	}()

	metrics := types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}
	env.jobs <- referenceJob("node-a", metrics)

	require.Eventually(t, func() bool {
		accepted, ok := env.sink.get("unit-ref")
		return ok && accepted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunRetriesAfterBackoffAndRecovers(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.SampleFraction = 1
	cfg.RetryBackoffSec = 1
	env := newVerifierEnv(t, cfg)
	env.registerNode(t, "node-a")

	env.trainer.ExecuteShardError = errors.New("executor unavailable")
	metrics := types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}
	env.trainer.ExecuteResults["unit-ref"] = &trainclient.ExecuteShardResponse{Metrics: metrics}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.verif.Run(ctx)
		close(done)
	}()

	env.jobs <- referenceJob("node-a", metrics)

	// Let the first attempt fail, then bring the executor back.
	require.Eventually(t, func() bool {
		env.trainer.Mu.Lock()
		defer env.trainer.Mu.Unlock()
		return env.trainer.ExecuteShardCalled >= 1
	}, 2*time.Second, 10*time.Millisecond)
	env.trainer.Mu.Lock()
	env.trainer.ExecuteShardError = nil
	env.trainer.Mu.Unlock()

	require.Eventually(t, func() bool {
		accepted, ok := env.sink.get("unit-ref")
		return ok && accepted
	}, 3*time.Second, 10*time.Millisecond)

	// The redo waits out the backoff rather than hammering the executor.
	env.trainer.Mu.Lock()
	calls := env.trainer.ExecuteShardCalled
	env.trainer.Mu.Unlock()
	assert.LessOrEqual(t, calls, cfg.MaxRetries)

	cancel()
	<-done
}

func TestRunDeferredItemDoesNotBlockFreshWork(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.SampleFraction = 1
	cfg.RetryBackoffSec = 1
	env := newVerifierEnv(t, cfg)
	for _, id := range []string{"node-a", "node-b"} {
		env.registerNode(t, id)
	}

	env.trainer.ExecuteShardError = errors.New("executor unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.verif.Run(ctx)
		close(done)
	}()

	metrics := types.ArtifactMetrics{Loss: 2.5, GradientNorm: 0.3, StepCount: 50, SizeBytes: 10}
	env.jobs <- referenceJob("node-a", metrics)

	agree := types.ArtifactMetrics{Loss: 1.5, GradientNorm: 0.2, StepCount: 50, SizeBytes: 10}
	env.jobs <- quorumJob(map[string]types.ArtifactMetrics{"node-a": agree, "node-b": agree})

	// The quorum unit must settle before the reference unit's backoff
	// elapses; a deferred item may not hold a worker while it waits.
	require.Eventually(t, func() bool {
		accepted, ok := env.sink.get("unit-quo")
		return ok && accepted
	}, 900*time.Millisecond, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMetricsAgreeTolerance(t *testing.T) {
	a := types.ArtifactMetrics{Loss: 1.0, GradientNorm: 0.5, StepCount: 50}

	near := a
	near.Loss = 1.0 + 5e-5
	assert.True(t, metricsAgree(a, near, 1e-4))

	far := a
	far.Loss = 1.1
	assert.False(t, metricsAgree(a, far, 1e-4))

	// Step counts must match exactly.
	steps := a
	steps.StepCount = 51
	assert.False(t, metricsAgree(a, steps, 1e-4))

	// Relative tolerance takes over at large magnitudes.
	bigA := types.ArtifactMetrics{Loss: 1e9, GradientNorm: 0.5, StepCount: 50}
	bigB := bigA
	bigB.Loss = 1e9 + 1e4
	assert.True(t, metricsAgree(bigA, bigB, 1e-4))
}

func TestShouldReexecuteIsDeterministic(t *testing.T) {
	first := shouldReexecute("unit-1", "sha256:abc", 0.5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, shouldReexecute("unit-1", "sha256:abc", 0.5))
	}

	assert.True(t, shouldReexecute("unit-1", "sha256:abc", 1))
	assert.False(t, shouldReexecute("unit-1", "sha256:abc", 0))
}

func TestExecutionSeedIsStable(t *testing.T) {
	assert.Equal(t, executionSeed("unit-1"), executionSeed("unit-1"))
	assert.NotEqual(t, executionSeed("unit-1"), executionSeed("unit-2"))
}
