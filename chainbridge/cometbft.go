package chainbridge

import (
	"context"
	"encoding/json"
	"fmt"

	rpcclient "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/pkg/errors"

	"training-orchestrator/apiconfig"
	"training-orchestrator/logging"
	"training-orchestrator/types"
)

const registeredAccountsPath = "/registry/accounts"

// CometBridge talks to the settlement chain over its CometBFT RPC endpoint.
type CometBridge struct {
	cfg    apiconfig.ChainNodeConfig
	client *rpcclient.HTTP
}

var _ ChainBridge = (*CometBridge)(nil)

func NewCometBridge(cfg apiconfig.ChainNodeConfig) (*CometBridge, error) {
	client, err := rpcclient.New(cfg.Url, "/websocket")
	if err != nil {
		return nil, errors.Wrapf(err, "create rpc client for %s", cfg.Url)
	}
	return &CometBridge{cfg: cfg, client: client}, nil
}

func (b *CometBridge) SubmitWeights(ctx context.Context, vector types.IncentiveVector) error {
	tx := WeightsTx{
		WindowID: vector.WindowID,
		Weights:  vector.Weights,
		SealedAt: vector.SealedAt,
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrapf(types.ErrPublishFatal, "marshal weights tx: %v", err)
	}

	result, err := b.client.BroadcastTxSync(ctx, payload)
	if err != nil {
		// Connectivity problems are worth retrying; the tx itself may be fine.
		return errors.Wrapf(types.ErrPublishTransient, "broadcast weights for window %d: %v", vector.WindowID, err)
	}
	if result.Code != 0 {
		return errors.Wrapf(types.ErrPublishFatal,
			"weights for window %d rejected with code %d: %s", vector.WindowID, result.Code, result.Log)
	}

	logging.Info("Weights submitted to chain", types.Chain,
		"window_id", vector.WindowID, "tx_hash", fmt.Sprintf("%X", result.Hash), "nodes", len(vector.Weights))
	return nil
}

func (b *CometBridge) RegisteredAccounts(ctx context.Context) ([]string, error) {
	result, err := b.client.ABCIQuery(ctx, registeredAccountsPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "query registered accounts")
	}
	if result.Response.Code != 0 {
		return nil, errors.Errorf("registered accounts query rejected with code %d: %s",
			result.Response.Code, result.Response.Log)
	}

	var accounts []string
	if err := json.Unmarshal(result.Response.Value, &accounts); err != nil {
		return nil, errors.Wrap(err, "unmarshal registered accounts")
	}
	return accounts, nil
}

func (b *CometBridge) Height(ctx context.Context) (int64, error) {
	status, err := b.client.Status(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "query chain status")
	}
	return status.SyncInfo.LatestBlockHeight, nil
}
