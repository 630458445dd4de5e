package registry

import (
	"context"
	"time"

	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// RunHeartbeatMonitor sweeps the registry on the heartbeat interval and
// counts a missed beat for every active node whose last-seen has fallen
// behind. Probation follows after the configured consecutive misses.
func (r *Registry) RunHeartbeatMonitor(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info("Heartbeat monitor started", types.Nodes, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Info("Heartbeat monitor stopped", types.Nodes)
			return
		case <-ticker.C:
			r.sweepMissedBeats(ctx)
		}
	}
}

func (r *Registry) sweepMissedBeats(ctx context.Context) {
	now := r.now()
	interval := r.cfg.HeartbeatInterval()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.Status != types.NodeStatusActive && node.Status != types.NodeStatusProbation {
			continue
		}
		// Misses accrue one per elapsed interval since the last beat; a
		// node that answers late resets the count through Heartbeat.
		missed := int(now.Sub(node.LastSeen) / interval)
		if missed <= node.MissedBeats {
			continue
		}
		node.MissedBeats = missed
		if node.Status == types.NodeStatusActive && node.MissedBeats >= r.cfg.MissedBeatsProbation {
			r.transitionLocked(node, types.NodeStatusProbation, "missed heartbeats")
		}
		if err := r.persist(ctx, node); err != nil {
			logging.Error("Failed to persist node during sweep", types.Nodes,
				"node_id", node.ID, "error", err)
		}
	}
}
