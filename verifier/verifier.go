// Package verifier checks submitted work semantically. Reference units are
// re-executed on a sampled basis against the training executor; quorum
// units are settled by numeric agreement between replica submissions.
package verifier

import (
	"context"
	"sync"
	"time"

	"training-orchestrator/apiconfig"
	"training-orchestrator/logging"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/store"
	"training-orchestrator/trainclient"
	"training-orchestrator/types"
)

// verifyResult is the outcome of one verification attempt.
type verifyResult int

const (
	verifyAccept        verifyResult = iota // Unit verified
	verifyReject                            // Unit rejected, verdict is final for this attempt
	verifyFailRetry                         // Transient failure, try again later
)

type verifyWork struct {
	job     scheduler.VerifyJob
	attempt int
}

// VerdictSink is where verdicts land; in production it is the scheduler's
// command queue.
type VerdictSink interface {
	QueueMessage(cmd scheduler.Command) error
}

type Verifier struct {
	cfg      apiconfig.VerificationConfig
	registry *registry.Registry
	store    store.Store
	trainer  trainclient.TrainClient
	sink     VerdictSink

	jobs <-chan scheduler.VerifyJob
}

func NewVerifier(
	cfg apiconfig.VerificationConfig,
	reg *registry.Registry,
	st store.Store,
	trainer trainclient.TrainClient,
	sink VerdictSink,
	jobs <-chan scheduler.VerifyJob,
) *Verifier {
	return &Verifier{
		cfg:      cfg,
		registry: reg,
		store:    st,
		trainer:  trainer,
		sink:     sink,
		jobs:     jobs,
	}
}

// Run pumps incoming jobs into a shared work channel and fans them out to
// workers. Transient failures are re-queued on a timer after the backoff
// elapses, so no worker blocks or polls while an item waits.
func (v *Verifier) Run(ctx context.Context) {
	workChan := make(chan verifyWork, cap(v.jobs)*2+16)

	var wg sync.WaitGroup
	for i := 0; i < v.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			v.worker(ctx, workerID, workChan)
		}(i)
	}

	logging.Info("Verifier started", types.Verification,
		"workers", v.cfg.WorkerCount, "sample_fraction", v.cfg.SampleFraction)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logging.Info("Verifier stopped", types.Verification)
			return
		case job := <-v.jobs:
			select {
			case workChan <- verifyWork{job: job}:
			case <-ctx.Done():
			}
		}
	}
}

func (v *Verifier) worker(ctx context.Context, workerID int, workChan chan verifyWork) {
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-workChan:
			result := v.verifyUnit(ctx, work.job)
			switch result {
			case verifyAccept:
				v.deliverVerdict(work.job.Unit.ID, true)
			case verifyReject:
				v.deliverVerdict(work.job.Unit.ID, false)
			case verifyFailRetry:
				if work.attempt < v.cfg.MaxRetries-1 {
					work.attempt++
					v.requeueAfter(ctx, work, workChan, v.cfg.RetryBackoff())
				} else {
					logging.Warn("Verification retries exhausted", types.Verification,
						"unit_id", work.job.Unit.ID, "attempts", work.attempt+1)
					v.deliverVerdict(work.job.Unit.ID, false)
				}
			}
		}
	}
}

// requeueAfter hands a transiently failed item back to the work channel once
// its backoff elapses. The timer fires on its own goroutine, so the worker
// that hit the failure moves straight on to the next item.
func (v *Verifier) requeueAfter(ctx context.Context, work verifyWork, workChan chan<- verifyWork, delay time.Duration) {
	logging.Debug("Verification re-queued", types.Verification,
		"unit_id", work.job.Unit.ID, "attempt", work.attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		select {
		case workChan <- work:
		case <-ctx.Done():
		}
	})
}

func (v *Verifier) deliverVerdict(unitID string, accepted bool) {
	cmd := scheduler.NewVerdictCommand(unitID, accepted)
	if err := v.sink.QueueMessage(cmd); err != nil {
		logging.Error("Failed to deliver verdict", types.Verification,
			"unit_id", unitID, "error", err)
		return
	}
	if err := <-cmd.Response; err != nil {
		logging.Error("Verdict rejected by scheduler", types.Verification,
			"unit_id", unitID, "error", err)
	}
}

// verifyUnit dispatches by unit type.
func (v *Verifier) verifyUnit(ctx context.Context, job scheduler.VerifyJob) verifyResult {
	switch job.Unit.Type {
	case types.UnitTypeReference:
		return v.verifyReference(ctx, job)
	case types.UnitTypeQuorum:
		return v.verifyQuorum(ctx, job)
	default:
		logging.Error("Unknown unit type", types.Verification,
			"unit_id", job.Unit.ID, "type", job.Unit.Type)
		return verifyReject
	}
}
