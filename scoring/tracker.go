// Package scoring owns score windows and the incentive vectors sealed from
// them. Windows close on wall-clock boundaries; a grace period lets
// in-flight verification land before the vector is computed.
package scoring

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"training-orchestrator/apiconfig"
	"training-orchestrator/internal/nats/server"
	"training-orchestrator/logging"
	"training-orchestrator/registry"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

const tickInterval = 5 * time.Second

// WindowTracker is the single owner of the current score window. Attribution
// and sealing both go through its mutex, so a submission can never land in a
// window that has already been sealed.
type WindowTracker struct {
	mu sync.Mutex

	cfg      apiconfig.ScoringConfig
	store    store.Store
	registry *registry.Registry
	js       nats.JetStreamContext

	current types.ScoreWindow
	closed  []types.ScoreWindow
	nextID  uint64
	now     func() time.Time
}

func NewWindowTracker(
	cfg apiconfig.ScoringConfig,
	st store.Store,
	reg *registry.Registry,
	js nats.JetStreamContext,
) *WindowTracker {
	return &WindowTracker{
		cfg:      cfg,
		store:    st,
		registry: reg,
		js:       js,
		nextID:   1,
		now:      time.Now,
	}
}

// Restore reloads window state after a restart. Open windows already past
// their close time go straight to the seal queue.
func (t *WindowTracker) Restore(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxID := uint64(0)
	for _, state := range []types.WindowState{
		types.WindowStateOpen, types.WindowStateSealed,
		types.WindowStatePublished, types.WindowStatePublishFailed,
	} {
		windows, err := t.store.ListWindowsByState(ctx, state)
		if err != nil {
			return errors.Wrapf(err, "restore windows in state %s", state)
		}
		for _, w := range windows {
			if w.ID > maxID {
				maxID = w.ID
			}
			if w.State != types.WindowStateOpen {
				continue
			}
			if t.now().Before(w.ClosesAt) && w.ID > t.current.ID {
				t.current = w
			} else {
				t.closed = append(t.closed, w)
			}
		}
	}
	t.nextID = maxID + 1

	if t.current.ID == 0 {
		if err := t.openWindowLocked(ctx); err != nil {
			return err
		}
	}
	logging.Info("Window tracker restored", types.Scoring,
		"current_window", t.current.ID, "pending_seal", len(t.closed))
	return nil
}

func (t *WindowTracker) openWindowLocked(ctx context.Context) error {
	now := t.now()
	w := types.ScoreWindow{
		ID:       t.nextID,
		OpenedAt: now,
		ClosesAt: now.Add(t.cfg.WindowLength()),
		State:    types.WindowStateOpen,
	}
	if err := t.store.PutWindow(ctx, w); err != nil {
		return errors.Wrapf(err, "persist window %d", w.ID)
	}
	t.nextID++
	t.current = w
	logging.Info("Score window opened", types.Scoring,
		"window_id", w.ID, "closes_at", w.ClosesAt)
	return nil
}

// Attribute returns the window a submission accepted at time tm belongs to,
// rolling the current window forward first if tm is past its close.
func (t *WindowTracker) Attribute(tm time.Time) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm.Before(t.current.OpenedAt) {
		return 0, errors.Wrapf(types.ErrWindowSealed,
			"time %s predates window %d", tm.Format(time.RFC3339), t.current.ID)
	}
	if err := t.rollLocked(context.Background(), tm); err != nil {
		return 0, err
	}
	return t.current.ID, nil
}

// CurrentWindow snapshots the open window.
func (t *WindowTracker) CurrentWindow() types.ScoreWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *WindowTracker) rollLocked(ctx context.Context, tm time.Time) error {
	for !tm.Before(t.current.ClosesAt) {
		t.closed = append(t.closed, t.current)
		logging.Info("Score window closed", types.Scoring, "window_id", t.current.ID)
		if err := t.openWindowLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run rolls windows on the clock and seals closed ones after the grace
// period.
func (t *WindowTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logging.Info("Window tracker started", types.Scoring,
		"window_length", t.cfg.WindowLength(), "seal_grace", t.cfg.SealGrace())

	for {
		select {
		case <-ctx.Done():
			logging.Info("Window tracker stopped", types.Scoring)
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *WindowTracker) tick(ctx context.Context) {
	t.mu.Lock()
	if err := t.rollLocked(ctx, t.now()); err != nil {
		logging.Error("Failed to roll score window", types.Scoring, "error", err)
		t.mu.Unlock()
		return
	}

	var due, waiting []types.ScoreWindow
	cutoff := t.now().Add(-t.cfg.SealGrace())
	for _, w := range t.closed {
		if w.ClosesAt.Before(cutoff) || w.ClosesAt.Equal(cutoff) {
			due = append(due, w)
		} else {
			waiting = append(waiting, w)
		}
	}
	t.closed = waiting
	t.mu.Unlock()

	for _, w := range due {
		if err := t.sealWindow(ctx, w); err != nil {
			logging.Error("Failed to seal window, will retry", types.Scoring,
				"window_id", w.ID, "error", err)
			t.mu.Lock()
			t.closed = append(t.closed, w)
			t.mu.Unlock()
		}
	}
}

// sealWindow computes the incentive vector for a closed window, persists
// it, hands it to the publish stream, and applies idle decay. Safe to call
// again after a partial failure; the vector for a window never changes.
func (t *WindowTracker) sealWindow(ctx context.Context, w types.ScoreWindow) error {
	vector, err := t.store.GetVector(ctx, w.ID)
	if errors.Is(err, store.ErrNotFound) {
		subs, listErr := t.store.ListSubmissionsByWindow(ctx, w.ID)
		if listErr != nil {
			return errors.Wrapf(listErr, "list submissions for window %d", w.ID)
		}
		subs = t.withoutBanned(subs)
		weights := ComputeWeights(subs)
		if !WeightsSumValid(weights, t.cfg.WeightTolerance) {
			return errors.Errorf("window %d weights do not sum to 1", w.ID)
		}
		vector = types.IncentiveVector{
			WindowID: w.ID,
			Weights:  weights,
			SealedAt: t.now(),
		}
		if err := t.store.PutVector(ctx, vector); err != nil {
			return errors.Wrapf(err, "persist vector for window %d", w.ID)
		}

		active := make(map[string]bool)
		for _, nodeID := range ActiveNodes(subs) {
			active[nodeID] = true
		}
		t.registry.RecordWindowActivity(ctx, active)
	} else if err != nil {
		return errors.Wrapf(err, "load vector for window %d", w.ID)
	}

	payload, err := json.Marshal(vector)
	if err != nil {
		return errors.Wrapf(err, "marshal vector for window %d", w.ID)
	}
	if _, err := t.js.Publish(server.VectorsToPublishStream, payload); err != nil {
		return errors.Wrapf(err, "enqueue vector for window %d", w.ID)
	}

	w.State = types.WindowStateSealed
	w.SealedAt = t.now()
	if err := t.store.PutWindow(ctx, w); err != nil {
		return errors.Wrapf(err, "persist sealed window %d", w.ID)
	}

	logging.Info("Score window sealed", types.Scoring,
		"window_id", w.ID, "nodes", len(vector.Weights))
	return nil
}

// withoutBanned drops submissions from nodes banned before the window
// sealed. A ban lands retroactively on every window still open.
func (t *WindowTracker) withoutBanned(subs []types.Submission) []types.Submission {
	kept := make([]types.Submission, 0, len(subs))
	for _, sub := range subs {
		status, err := t.registry.Status(sub.NodeID)
		if err == nil && status == types.NodeStatusBanned {
			logging.Warn("Dropping submission from banned node", types.Scoring,
				"node_id", sub.NodeID, "submission_id", sub.ID)
			continue
		}
		kept = append(kept, sub)
	}
	return kept
}
