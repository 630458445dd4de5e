package verifier

import (
	"context"

	"training-orchestrator/logging"
	"training-orchestrator/scheduler"
	"training-orchestrator/types"
)

// verifyQuorum settles a replicated unit by numeric agreement. The largest
// cluster of submissions whose metrics agree within tolerance wins; it must
// reach the configured quorum size. Outliers outside the winning cluster
// are reported as suspects.
func (v *Verifier) verifyQuorum(ctx context.Context, job scheduler.VerifyJob) verifyResult {
	subs := job.Submissions
	if len(subs) < v.cfg.QuorumSize {
		logging.Warn("Quorum unit settled short of quorum", types.Verification,
			"unit_id", job.Unit.ID, "submissions", len(subs), "quorum_size", v.cfg.QuorumSize)
		return verifyReject
	}

	winner := largestAgreeingCluster(subs, v.cfg.NumericTolerance)
	if len(winner) < v.cfg.QuorumSize {
		logging.Warn("No agreeing quorum among submissions", types.Verification,
			"unit_id", job.Unit.ID, "submissions", len(subs), "largest_cluster", len(winner))
		return verifyReject
	}

	inWinner := make(map[string]bool, len(winner))
	for _, idx := range winner {
		inWinner[subs[idx].ID] = true
	}

	value := v.unitValue(job.Unit)
	for _, sub := range subs {
		if inWinner[sub.ID] {
			v.recordOutcome(ctx, sub, types.OutcomeVerified, value)
			continue
		}
		logging.Warn("Submission diverges from quorum", types.Verification,
			"unit_id", job.Unit.ID, "node_id", sub.NodeID,
			"loss", sub.Metrics.Loss)
		v.recordOutcome(ctx, sub, types.OutcomeSuspect, 0)
		if err := v.registry.RecordSuspect(ctx, sub.NodeID); err != nil {
			logging.Error("Failed to record suspect", types.Verification,
				"node_id", sub.NodeID, "error", err)
		}
	}
	return verifyAccept
}

// largestAgreeingCluster returns the indices of the biggest group of
// submissions whose metrics pairwise agree with the group's anchor. Ties go
// to the earliest anchor, which keeps the result deterministic for a given
// submission order.
func largestAgreeingCluster(subs []types.Submission, tolerance float64) []int {
	var best []int
	for anchor := range subs {
		var cluster []int
		for i := range subs {
			if metricsAgree(subs[anchor].Metrics, subs[i].Metrics, tolerance) {
				cluster = append(cluster, i)
			}
		}
		if len(cluster) > len(best) {
			best = cluster
		}
	}
	return best
}
