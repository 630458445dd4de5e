package publisher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"training-orchestrator/apiconfig"
	"training-orchestrator/chainbridge"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

func testPublisherConfig() apiconfig.PublisherConfig {
	return apiconfig.PublisherConfig{
		InitialBackoffSec: 0,
		MaxBackoffSec:     0,
		MaxAttempts:       3,
	}
}

type publisherEnv struct {
	pub    *Publisher
	bridge *chainbridge.MockBridge
	store  store.Store
}

func newPublisherEnv(t *testing.T) *publisherEnv {
	t.Helper()
	st := store.NewMemoryStore()
	bridge := chainbridge.NewMockBridge()
	bridge.Accounts = []string{"node-a", "node-b"}
	return &publisherEnv{
		pub:    NewPublisher(testPublisherConfig(), nil, bridge, st),
		bridge: bridge,
		store:  st,
	}
}

func (e *publisherEnv) putWindow(t *testing.T, id uint64, state types.WindowState) {
	t.Helper()
	require.NoError(t, e.store.PutWindow(context.Background(), types.ScoreWindow{
		ID:    id,
		State: state,
	}))
}

func vectorMsg(t *testing.T, vector types.IncentiveVector) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(vector)
	require.NoError(t, err)
	return &nats.Msg{Data: data}
}

func testVector(windowID uint64) types.IncentiveVector {
	return types.IncentiveVector{
		WindowID: windowID,
		Weights:  map[string]float64{"node-a": 0.6, "node-b": 0.4},
	}
}

func TestPublishMarksWindowPublished(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 1, env.bridge.SubmitCalled)
	require.Len(t, env.bridge.Published, 1)

	window, err := env.store.GetWindow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.WindowStatePublished, window.State)
}

func TestPublishRetriesTransientErrors(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)
	env.bridge.SubmitErrors = []error{
		errors.Wrap(types.ErrPublishTransient, "mempool full"),
		errors.Wrap(types.ErrPublishTransient, "mempool full"),
	}

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 3, env.bridge.SubmitCalled)
	window, err := env.store.GetWindow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.WindowStatePublished, window.State)
}

func TestPublishFatalErrorStopsImmediately(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)
	env.bridge.SubmitErrors = []error{
		errors.Wrap(types.ErrPublishFatal, "tx rejected with code 5"),
	}

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 1, env.bridge.SubmitCalled)
	window, err := env.store.GetWindow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.WindowStatePublishFailed, window.State)
}

func TestPublishExhaustedRetriesFailsWindow(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)
	transient := errors.Wrap(types.ErrPublishTransient, "timeout")
	env.bridge.SubmitErrors = []error{transient, transient, transient}

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 3, env.bridge.SubmitCalled)
	window, err := env.store.GetWindow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.WindowStatePublishFailed, window.State)
}

func TestAlreadyPublishedWindowSkipped(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStatePublished)

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 0, env.bridge.SubmitCalled)
}

func TestMalformedVectorMessageDropped(t *testing.T) {
	env := newPublisherEnv(t)

	env.pub.handleMsg(&nats.Msg{Data: []byte("not json")})

	assert.Equal(t, 0, env.bridge.SubmitCalled)
}

func TestUnregisteredAccountsFilteredOut(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)
	env.bridge.Accounts = []string{"node-a"}

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	require.Len(t, env.bridge.Published, 1)
	published := env.bridge.Published[0]
	assert.InDelta(t, 0.6, published.Weights["node-a"], 1e-9)
	_, hasUnknown := published.Weights["node-b"]
	assert.False(t, hasUnknown)
}

func TestAccountsLookupFailureIsTransient(t *testing.T) {
	env := newPublisherEnv(t)
	env.putWindow(t, 1, types.WindowStateSealed)
	env.bridge.AccountsError = errors.New("rpc unavailable")

	env.pub.handleMsg(vectorMsg(t, testVector(1)))

	assert.Equal(t, 3, env.bridge.AccountsCalled)
	assert.Equal(t, 0, env.bridge.SubmitCalled)
}

func TestRepublishFailedWindow(t *testing.T) {
	env := newPublisherEnv(t)
	ctx := context.Background()
	env.putWindow(t, 1, types.WindowStatePublishFailed)
	require.NoError(t, env.store.PutVector(ctx, testVector(1)))

	require.NoError(t, env.pub.Republish(ctx, 1))

	assert.Equal(t, 1, env.bridge.SubmitCalled)
	window, err := env.store.GetWindow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.WindowStatePublished, window.State)
}

func TestRepublishPublishedWindowIsNoop(t *testing.T) {
	env := newPublisherEnv(t)
	ctx := context.Background()
	env.putWindow(t, 1, types.WindowStatePublished)

	require.NoError(t, env.pub.Republish(ctx, 1))
	assert.Equal(t, 0, env.bridge.SubmitCalled)
}

func TestRepublishOpenWindowRejected(t *testing.T) {
	env := newPublisherEnv(t)
	ctx := context.Background()
	env.putWindow(t, 1, types.WindowStateOpen)

	assert.Error(t, env.pub.Republish(ctx, 1))
	assert.Equal(t, 0, env.bridge.SubmitCalled)
}

func TestRepublishUnknownWindow(t *testing.T) {
	env := newPublisherEnv(t)
	err := env.pub.Republish(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
