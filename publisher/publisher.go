// Package publisher drains sealed incentive vectors from the publish stream
// and submits them to the chain. Publishing is idempotent per window: a
// vector that already made it on-chain is acknowledged and skipped.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"training-orchestrator/apiconfig"
	"training-orchestrator/chainbridge"
	"training-orchestrator/internal/nats/server"
	"training-orchestrator/logging"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

const (
	vectorConsumer = "vector-publish-consumer"
	ackWait        = 5 * time.Minute // must exceed the worst-case retry schedule
)

type Publisher struct {
	cfg    apiconfig.PublisherConfig
	js     nats.JetStreamContext
	bridge chainbridge.ChainBridge
	store  store.Store

	sub *nats.Subscription
}

func NewPublisher(
	cfg apiconfig.PublisherConfig,
	js nats.JetStreamContext,
	bridge chainbridge.ChainBridge,
	st store.Store,
) *Publisher {
	return &Publisher{
		cfg:    cfg,
		js:     js,
		bridge: bridge,
		store:  st,
	}
}

// Start subscribes to the vectors stream with a durable consumer, so
// vectors sealed while the daemon was down are still delivered.
func (p *Publisher) Start() error {
	sub, err := p.js.Subscribe(server.VectorsToPublishStream, p.handleMsg,
		nats.Durable(vectorConsumer),
		nats.ManualAck(),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return errors.Wrap(err, "subscribe to vectors stream")
	}
	p.sub = sub
	logging.Info("Publisher started", types.Chain,
		"max_attempts", p.cfg.MaxAttempts, "max_backoff", p.cfg.MaxBackoff())
	return nil
}

func (p *Publisher) Stop() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}

func (p *Publisher) handleMsg(msg *nats.Msg) {
	if err := msg.InProgress(); err != nil {
		logging.Error("Failed to mark vector msg in progress", types.Messages, "error", err)
	}

	var vector types.IncentiveVector
	if err := json.Unmarshal(msg.Data, &vector); err != nil {
		logging.Error("Failed to unmarshal vector msg", types.Messages, "error", err)
		_ = msg.Term()
		return
	}

	ctx := context.Background()
	window, err := p.store.GetWindow(ctx, vector.WindowID)
	if err != nil {
		logging.Error("Failed to load window for vector", types.Chain,
			"window_id", vector.WindowID, "error", err)
		_ = msg.Nak()
		return
	}
	if window.State == types.WindowStatePublished {
		logging.Info("Window already published, skipping", types.Chain, "window_id", window.ID)
		_ = msg.Ack()
		return
	}

	if err := p.publishWithRetry(ctx, vector, msg); err != nil {
		p.markWindow(ctx, window, types.WindowStatePublishFailed)
		logging.Error("Vector publish failed permanently", types.Chain,
			"window_id", vector.WindowID, "error", err)
		_ = msg.Term()
		return
	}

	p.markWindow(ctx, window, types.WindowStatePublished)
	_ = msg.Ack()
}

// publishWithRetry submits the vector, retrying transient failures with
// bounded exponential backoff up to the attempt ceiling.
func (p *Publisher) publishWithRetry(ctx context.Context, vector types.IncentiveVector, msg *nats.Msg) error {
	backoff := p.cfg.InitialBackoff()
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = p.publishOnce(ctx, vector)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, types.ErrPublishFatal) {
			return lastErr
		}

		logging.Warn("Vector publish attempt failed", types.Chain,
			"window_id", vector.WindowID, "attempt", attempt, "backoff", backoff, "error", lastErr)

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if msg != nil {
			_ = msg.InProgress()
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > p.cfg.MaxBackoff() {
			backoff = p.cfg.MaxBackoff()
		}
	}
	return errors.Wrapf(lastErr, "gave up after %d attempts", p.cfg.MaxAttempts)
}

// publishOnce filters the vector down to accounts the chain knows and
// submits it. Weights for unknown accounts are dropped with a warning; the
// remaining weights keep their values so the on-chain module sees the same
// relative scores.
func (p *Publisher) publishOnce(ctx context.Context, vector types.IncentiveVector) error {
	accounts, err := p.bridge.RegisteredAccounts(ctx)
	if err != nil {
		return errors.Wrapf(types.ErrPublishTransient, "read registered accounts: %v", err)
	}

	known := make(map[string]bool, len(accounts))
	for _, acc := range accounts {
		known[acc] = true
	}
	filtered := make(map[string]float64, len(vector.Weights))
	for nodeID, w := range vector.Weights {
		if !known[nodeID] {
			logging.Warn("Dropping weight for unregistered account", types.Chain,
				"window_id", vector.WindowID, "node_id", nodeID)
			continue
		}
		filtered[nodeID] = w
	}
	vector.Weights = filtered

	return p.bridge.SubmitWeights(ctx, vector)
}

// Republish retries a window whose publish previously failed. Admin tooling
// calls this after the underlying chain problem is fixed.
func (p *Publisher) Republish(ctx context.Context, windowID uint64) error {
	window, err := p.store.GetWindow(ctx, windowID)
	if err != nil {
		return errors.Wrapf(err, "load window %d", windowID)
	}
	if window.State == types.WindowStatePublished {
		return nil
	}
	if window.State != types.WindowStatePublishFailed && window.State != types.WindowStateSealed {
		return errors.Errorf("window %d is %s, nothing to republish", windowID, window.State)
	}

	vector, err := p.store.GetVector(ctx, windowID)
	if err != nil {
		return errors.Wrapf(err, "load vector for window %d", windowID)
	}

	if err := p.publishWithRetry(ctx, vector, nil); err != nil {
		p.markWindow(ctx, window, types.WindowStatePublishFailed)
		return err
	}
	p.markWindow(ctx, window, types.WindowStatePublished)
	return nil
}

func (p *Publisher) markWindow(ctx context.Context, window types.ScoreWindow, state types.WindowState) {
	window.State = state
	if err := p.store.PutWindow(ctx, window); err != nil {
		logging.Error("Failed to persist window state", types.Chain,
			"window_id", window.ID, "state", state, "error", err)
	}
}
