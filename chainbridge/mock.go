package chainbridge

import (
	"context"
	"sync"

	"training-orchestrator/types"
)

// MockBridge is an in-memory ChainBridge for tests.
type MockBridge struct {
	Mu sync.Mutex

	Published   []types.IncentiveVector
	Accounts    []string
	ChainHeight int64

	// Error injection. SubmitErrors is consumed one entry per call, so a
	// test can fail the first N attempts and then succeed.
	SubmitErrors  []error
	AccountsError error
	HeightError   error

	SubmitCalled   int
	AccountsCalled int
	HeightCalled   int
}

var _ ChainBridge = (*MockBridge)(nil)

func NewMockBridge() *MockBridge {
	return &MockBridge{}
}

func (m *MockBridge) SubmitWeights(ctx context.Context, vector types.IncentiveVector) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubmitCalled++
	if len(m.SubmitErrors) > 0 {
		err := m.SubmitErrors[0]
		m.SubmitErrors = m.SubmitErrors[1:]
		if err != nil {
			return err
		}
	}
	m.Published = append(m.Published, vector)
	return nil
}

func (m *MockBridge) RegisteredAccounts(ctx context.Context) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.AccountsCalled++
	if m.AccountsError != nil {
		return nil, m.AccountsError
	}
	return append([]string(nil), m.Accounts...), nil
}

func (m *MockBridge) Height(ctx context.Context) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.HeightCalled++
	if m.HeightError != nil {
		return 0, m.HeightError
	}
	return m.ChainHeight, nil
}
