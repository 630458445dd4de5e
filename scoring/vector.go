package scoring

import (
	"sort"

	"github.com/shopspring/decimal"

	"training-orchestrator/types"
)

// ComputeWeights turns a window's verified submissions into normalized
// per-node weights. Weights sum to 1 within rounding, or the map is empty
// when nothing was verified.
func ComputeWeights(subs []types.Submission) map[string]float64 {
	totals := make(map[string]decimal.Decimal)
	sum := decimal.Zero
	for _, sub := range subs {
		if sub.Outcome != types.OutcomeVerified || sub.UnitValue <= 0 {
			continue
		}
		v := decimal.NewFromFloat(sub.UnitValue)
		totals[sub.NodeID] = totals[sub.NodeID].Add(v)
		sum = sum.Add(v)
	}

	weights := make(map[string]float64, len(totals))
	if sum.IsZero() {
		return weights
	}
	for nodeID, total := range totals {
		weights[nodeID], _ = total.Div(sum).Float64()
	}
	return weights
}

// ActiveNodes lists the nodes with at least one verified submission in the
// window, sorted for stable logging.
func ActiveNodes(subs []types.Submission) []string {
	seen := make(map[string]bool)
	for _, sub := range subs {
		if sub.Outcome == types.OutcomeVerified {
			seen[sub.NodeID] = true
		}
	}
	nodes := make([]string, 0, len(seen))
	for nodeID := range seen {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// WeightsSumValid reports whether weights sum to 1 within tolerance, or are
// empty. Sealed vectors must satisfy this before they leave the scorer.
func WeightsSumValid(weights map[string]float64, tolerance float64) bool {
	if len(weights) == 0 {
		return true
	}
	sum := decimal.Zero
	for _, w := range weights {
		if w < 0 {
			return false
		}
		sum = sum.Add(decimal.NewFromFloat(w))
	}
	diff := sum.Sub(decimal.NewFromInt(1)).Abs()
	return diff.LessThanOrEqual(decimal.NewFromFloat(tolerance))
}
