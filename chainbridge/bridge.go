// Package chainbridge is the narrow seam between the orchestrator and the
// settlement chain. The orchestrator never holds consensus state; it
// submits sealed incentive vectors and reads the registered account set.
package chainbridge

import (
	"context"
	"time"

	"training-orchestrator/types"
)

// ChainBridge is everything the orchestrator needs from the chain.
type ChainBridge interface {
	// SubmitWeights publishes a sealed incentive vector. Failures wrap
	// types.ErrPublishTransient or types.ErrPublishFatal so the caller can
	// decide between retrying and giving up.
	SubmitWeights(ctx context.Context, vector types.IncentiveVector) error

	// RegisteredAccounts returns the node accounts the chain knows about.
	RegisteredAccounts(ctx context.Context) ([]string, error)

	// Height returns the chain's latest block height.
	Height(ctx context.Context) (int64, error)
}

// WeightsTx is the wire form of a submitted vector.
type WeightsTx struct {
	WindowID uint64             `json:"window_id"`
	Weights  map[string]float64 `json:"weights"`
	SealedAt time.Time          `json:"sealed_at"`
}
