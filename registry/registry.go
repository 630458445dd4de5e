// Package registry tracks contributor identities, capability, and liveness.
// It is the single writer of node status transitions; the scheduler and
// scorer read snapshots that may lag heartbeats by a monitor tick, which the
// unit timeout path corrects.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"training-orchestrator/apiconfig"
	"training-orchestrator/logging"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node

	cfg   apiconfig.RegistryConfig
	store store.Store
	now   func() time.Time
}

func NewRegistry(cfg apiconfig.RegistryConfig, st store.Store) *Registry {
	return &Registry{
		nodes: make(map[string]*types.Node),
		cfg:   cfg,
		store: st,
		now:   time.Now,
	}
}

// Restore loads persisted nodes after a restart.
func (r *Registry) Restore(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("restore nodes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range nodes {
		n := nodes[i]
		r.nodes[n.ID] = &n
	}
	logging.Info("Registry restored", types.Nodes, "count", len(nodes))
	return nil
}

// Register creates a node on first contact. Re-registration refreshes the
// capability and public key but never resets counters or a ban.
func (r *Registry) Register(ctx context.Context, nodeID, pubKey string, capability types.Capability) (types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.nodes[nodeID]; ok {
		if existing.Status == types.NodeStatusBanned {
			return *existing, types.ErrNodeBanned
		}
		existing.PubKey = pubKey
		existing.Capability = capability
		existing.LastSeen = now
		if err := r.persist(ctx, existing); err != nil {
			return types.Node{}, err
		}
		logging.Info("Node re-registered", types.Nodes, "node_id", nodeID)
		return *existing, nil
	}

	node := &types.Node{
		ID:              nodeID,
		PubKey:          pubKey,
		Capability:      capability,
		Status:          types.NodeStatusActive,
		RegisteredAt:    now,
		LastSeen:        now,
		StatusChangedAt: now,
	}
	r.nodes[nodeID] = node
	if err := r.persist(ctx, node); err != nil {
		return types.Node{}, err
	}
	logging.Info("Node registered", types.Nodes,
		"node_id", nodeID, "compute_class", capability.ComputeClass)
	return *node, nil
}

// Heartbeat refreshes liveness. A probation node that resumes heartbeating
// is reinstated; a banned node stays banned.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}
	if node.Status == types.NodeStatusBanned {
		return types.ErrNodeBanned
	}

	node.LastSeen = r.now()
	node.MissedBeats = 0
	if node.Status == types.NodeStatusProbation {
		r.transitionLocked(node, types.NodeStatusActive, "heartbeat resumed")
	}
	return r.persist(ctx, node)
}

// MarkFailure records an observed failure (timeout, disconnect). It does not
// change status by itself; the monitor's missed-beat accounting does.
func (r *Registry) MarkFailure(ctx context.Context, nodeID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.MissedBeats++
	logging.Warn("Node failure marked", types.Nodes,
		"node_id", nodeID, "reason", reason, "missed_beats", node.MissedBeats)

	if node.Status == types.NodeStatusActive && node.MissedBeats >= r.cfg.MissedBeatsProbation {
		r.transitionLocked(node, types.NodeStatusProbation, reason)
	}
	return r.persist(ctx, node)
}

// Status returns the node's current status.
func (r *Registry) Status(nodeID string) (types.NodeStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.NodeStatusUnknown, types.ErrNodeNotRegistered
	}
	return node.Status, nil
}

// Get returns a copy of the node record.
func (r *Registry) Get(nodeID string) (types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.Node{}, types.ErrNodeNotRegistered
	}
	return *node, nil
}

// List returns copies of all node records.
func (r *Registry) List() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// ActiveNodes returns copies of nodes eligible for assignment.
func (r *Registry) ActiveNodes() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Node
	for _, n := range r.nodes {
		if n.Status == types.NodeStatusActive {
			out = append(out, *n)
		}
	}
	return out
}

// RecordRejection counts a structural rejection; crossing the threshold
// moves the node to probation.
func (r *Registry) RecordRejection(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.Rejections++
	if node.Status == types.NodeStatusActive && node.Rejections >= r.cfg.RejectionThreshold {
		r.transitionLocked(node, types.NodeStatusProbation, "rejection threshold crossed")
	}
	return r.persist(ctx, node)
}

// RecordSuspect counts a suspect verification outcome. Repeated suspects
// accelerate probation; they never ban on their own.
func (r *Registry) RecordSuspect(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.SuspectCount++
	if node.Status == types.NodeStatusActive && node.SuspectCount >= r.cfg.SuspectThreshold {
		r.transitionLocked(node, types.NodeStatusProbation, "suspect threshold crossed")
	}
	return r.persist(ctx, node)
}

// RecordFraud counts a high-confidence verification failure. Crossing the
// threshold bans the node; bans are irreversible without operator action.
func (r *Registry) RecordFraud(ctx context.Context, nodeID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.FraudCount++
	if node.Status != types.NodeStatusBanned && node.FraudCount >= r.cfg.FraudBanThreshold {
		node.BanReason = reason
		r.transitionLocked(node, types.NodeStatusBanned, reason)
	}
	return r.persist(ctx, node)
}

// RecordVerified credits a verified unit toward the node's cumulative score
// and clears idle-window accounting.
func (r *Registry) RecordVerified(ctx context.Context, nodeID string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.VerifiedScore += value
	node.VerifiedUnits++
	node.IdleWindows = 0
	return r.persist(ctx, node)
}

// RecordWindowActivity applies the scorer's decay feedback: nodes with no
// verified submissions for enough consecutive windows go to probation.
func (r *Registry) RecordWindowActivity(ctx context.Context, activeInWindow map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, node := range r.nodes {
		if node.Status != types.NodeStatusActive {
			continue
		}
		if activeInWindow[id] {
			node.IdleWindows = 0
		} else {
			node.IdleWindows++
			if node.IdleWindows >= r.cfg.IdleWindowsProbation {
				r.transitionLocked(node, types.NodeStatusProbation, "no verified work for consecutive windows")
			}
		}
		if err := r.persist(ctx, node); err != nil {
			logging.Error("Failed to persist node after window feedback", types.Nodes,
				"node_id", id, "error", err)
		}
	}
}

// Unban is the operator override for a ban. It resets the fraud tally so the
// node is not instantly re-banned by its history.
func (r *Registry) Unban(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}
	if node.Status != types.NodeStatusBanned {
		return fmt.Errorf("node %s is not banned", nodeID)
	}

	node.FraudCount = 0
	node.BanReason = ""
	r.transitionLocked(node, types.NodeStatusProbation, "operator unban")
	return r.persist(ctx, node)
}

// Ban is the operator override in the other direction.
func (r *Registry) Ban(ctx context.Context, nodeID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotRegistered
	}

	node.BanReason = reason
	r.transitionLocked(node, types.NodeStatusBanned, reason)
	return r.persist(ctx, node)
}

func (r *Registry) transitionLocked(node *types.Node, to types.NodeStatus, reason string) {
	from := node.Status
	node.Status = to
	node.StatusChangedAt = r.now()
	logging.Info("Node status transition", types.Nodes,
		"node_id", node.ID, "from", from, "to", to, "reason", reason)
}

func (r *Registry) persist(ctx context.Context, node *types.Node) error {
	if err := r.store.PutNode(ctx, *node); err != nil {
		return fmt.Errorf("persist node %s: %w", node.ID, err)
	}
	return nil
}
