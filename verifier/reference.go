package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"training-orchestrator/logging"
	"training-orchestrator/scheduler"
	"training-orchestrator/trainclient"
	"training-orchestrator/types"
)

// verifyReference settles a reference unit. Most submissions pass on the
// structural checks alone; a deterministic sample is re-executed against
// the training executor and compared within the numeric tolerance.
func (v *Verifier) verifyReference(ctx context.Context, job scheduler.VerifyJob) verifyResult {
	if len(job.Submissions) == 0 {
		return verifyReject
	}
	sub := job.Submissions[0]

	if !shouldReexecute(job.Unit.ID, sub.PayloadRef, v.cfg.SampleFraction) {
		v.recordOutcome(ctx, sub, types.OutcomeVerified, v.unitValue(job.Unit))
		return verifyAccept
	}

	execCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout())
	defer cancel()

	resp, err := v.trainer.ExecuteShard(execCtx, trainclient.ExecuteShardRequest{
		TaskID: job.Unit.TaskID,
		UnitID: job.Unit.ID,
		Shard:  job.Unit.Shard,
		Seed:   executionSeed(job.Unit.ID),
	})
	if err != nil {
		logging.Warn("Reference re-execution failed", types.Verification,
			"unit_id", job.Unit.ID, "node_id", sub.NodeID, "error", err)
		return verifyFailRetry
	}

	if !metricsAgree(sub.Metrics, resp.Metrics, v.cfg.NumericTolerance) {
		logging.Warn("Reference re-execution mismatch", types.Verification,
			"unit_id", job.Unit.ID, "node_id", sub.NodeID,
			"submitted_loss", sub.Metrics.Loss, "reference_loss", resp.Metrics.Loss)
		v.recordOutcome(ctx, sub, types.OutcomeFailed, 0)
		if err := v.registry.RecordFraud(ctx, sub.NodeID, "reference re-execution mismatch"); err != nil {
			logging.Error("Failed to record fraud", types.Verification,
				"node_id", sub.NodeID, "error", err)
		}
		return verifyReject
	}

	v.recordOutcome(ctx, sub, types.OutcomeVerified, v.unitValue(job.Unit))
	return verifyAccept
}

func (v *Verifier) unitValue(unit types.WorkUnit) float64 {
	// Unit value scales with shard steps so long units count for more.
	return float64(unit.Shard.Steps())
}

// recordOutcome persists the verdict on a submission and feeds the registry.
func (v *Verifier) recordOutcome(ctx context.Context, sub types.Submission, outcome types.VerificationOutcome, value float64) {
	sub.Outcome = outcome
	sub.UnitValue = value
	if err := v.store.PutSubmission(ctx, sub); err != nil {
		logging.Error("Failed to persist submission outcome", types.Verification,
			"submission_id", sub.ID, "error", err)
	}
	if outcome == types.OutcomeVerified {
		if err := v.registry.RecordVerified(ctx, sub.NodeID, value); err != nil {
			logging.Error("Failed to record verified work", types.Verification,
				"node_id", sub.NodeID, "error", err)
		}
	}
}

// metricsAgree compares two artifact metric sets within tolerance. Step
// counts must match exactly.
func metricsAgree(a, b types.ArtifactMetrics, tolerance float64) bool {
	if a.StepCount != b.StepCount {
		return false
	}
	return withinTolerance(a.Loss, b.Loss, tolerance) &&
		withinTolerance(a.GradientNorm, b.GradientNorm, tolerance)
}

func withinTolerance(a, b, tolerance float64) bool {
	diff := math.Abs(a - b)
	if diff <= tolerance {
		return true
	}
	// Relative comparison for large magnitudes.
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= tolerance*scale
}

// shouldReexecute decides deterministically whether a unit is in the
// re-execution sample. Seeding from the unit id and payload ref keeps the
// decision stable across restarts but unpredictable before submission.
func shouldReexecute(unitID, payloadRef string, fraction float64) bool {
	if fraction >= 1 {
		return true
	}
	if fraction <= 0 {
		return false
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", unitID, payloadRef)))
	draw := float64(binary.BigEndian.Uint64(hash[:8])) / float64(math.MaxUint64)
	return draw < fraction
}

// executionSeed derives the deterministic seed the executor replays with.
func executionSeed(unitID string) uint64 {
	hash := sha256.Sum256([]byte(unitID))
	return binary.BigEndian.Uint64(hash[:8])
}
