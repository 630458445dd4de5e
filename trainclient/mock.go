package trainclient

import (
	"context"
	"sync"

	"training-orchestrator/types"
)

// MockClient is an in-memory TrainClient for tests.
type MockClient struct {
	Mu sync.Mutex

	Healthy bool

	// ExecuteResults maps unit id to the response returned for it.
	ExecuteResults map[string]*ExecuteShardResponse
	// Metrics maps payload ref to stored artifact metrics.
	Metrics map[string]*types.ArtifactMetrics

	// Error injection
	HealthError          error
	ExecuteShardError    error
	ArtifactMetricsError error

	// Call tracking
	HealthCalled          int
	ExecuteShardCalled    int
	ArtifactMetricsCalled int
}

func NewMockClient() *MockClient {
	return &MockClient{
		Healthy:        true,
		ExecuteResults: make(map[string]*ExecuteShardResponse),
		Metrics:        make(map[string]*types.ArtifactMetrics),
	}
}

var _ TrainClient = (*MockClient)(nil)

func (m *MockClient) Health(ctx context.Context) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.HealthCalled++
	if m.HealthError != nil {
		return false, m.HealthError
	}
	return m.Healthy, nil
}

func (m *MockClient) ExecuteShard(ctx context.Context, req ExecuteShardRequest) (*ExecuteShardResponse, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ExecuteShardCalled++
	if m.ExecuteShardError != nil {
		return nil, m.ExecuteShardError
	}
	if resp, ok := m.ExecuteResults[req.UnitID]; ok {
		return resp, nil
	}
	return &ExecuteShardResponse{
		Metrics: types.ArtifactMetrics{
			Loss:         1.0,
			GradientNorm: 1.0,
			StepCount:    req.Shard.Steps(),
			SizeBytes:    1,
		},
	}, nil
}

func (m *MockClient) ArtifactMetrics(ctx context.Context, payloadRef string) (*types.ArtifactMetrics, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ArtifactMetricsCalled++
	if m.ArtifactMetricsError != nil {
		return nil, m.ArtifactMetricsError
	}
	if metrics, ok := m.Metrics[payloadRef]; ok {
		copied := *metrics
		return &copied, nil
	}
	return nil, types.ErrUnitNotFound
}
