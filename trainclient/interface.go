package trainclient

import (
	"context"

	"training-orchestrator/types"
)

// TrainClient talks to a training executor service. The verifier uses it to
// re-execute sampled shards and to fetch metrics for stored artifacts.
type TrainClient interface {
	Health(ctx context.Context) (bool, error)
	ExecuteShard(ctx context.Context, req ExecuteShardRequest) (*ExecuteShardResponse, error)
	ArtifactMetrics(ctx context.Context, payloadRef string) (*types.ArtifactMetrics, error)
}

// ExecuteShardRequest describes one deterministic re-execution.
type ExecuteShardRequest struct {
	TaskID string                `json:"task_id"`
	UnitID string                `json:"unit_id"`
	Shard  types.ShardDescriptor `json:"shard"`
	Seed   uint64                `json:"seed"`
}

// ExecuteShardResponse carries the executor's metrics for the shard.
type ExecuteShardResponse struct {
	Metrics    types.ArtifactMetrics `json:"metrics"`
	PayloadRef string                `json:"payload_ref"`
}

// Ensure Client implements TrainClient.
var _ TrainClient = (*Client)(nil)
