// Package scheduler owns the WorkUnit arena. Every state transition flows
// through a single command queue, so racing submissions, timeouts, and
// registry updates resolve deterministically without ambient locking.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"training-orchestrator/apiconfig"
	"training-orchestrator/logging"
	"training-orchestrator/registry"
	"training-orchestrator/store"
	"training-orchestrator/types"
)

// WindowAttributor stamps an accepted submission with the score window it
// lands in. Attribution happens inside the actor loop so the sealing
// barrier and first-valid-wins resolution observe the same order.
type WindowAttributor interface {
	Attribute(t time.Time) (uint64, error)
}

const commandQueueSize = 256

// VerifyJob hands a fully submitted unit to the verifier. Submissions are
// copies; the verifier never touches scheduler state directly.
type VerifyJob struct {
	Unit        types.WorkUnit
	Submissions []types.Submission
}

// Command is one serialized operation against the unit arena.
type Command interface {
	Execute(ctx context.Context, s *Scheduler)
}

type unitEntry struct {
	unit          *types.WorkUnit
	submissions   []types.Submission
	verifyPending bool
}

// Scheduler is the command-queue actor that assigns pending units to
// eligible nodes, returns timed-out work to pending, and forwards submitted
// units to verification.
type Scheduler struct {
	commands chan Command

	cfg      apiconfig.SchedulerConfig
	registry *registry.Registry
	store    store.Store
	windows  WindowAttributor

	units       map[string]*unitEntry
	assignedPer map[string]int // node id -> active assignment count
	verifyQueue chan<- VerifyJob
	now         func() time.Time
}

func NewScheduler(
	cfg apiconfig.SchedulerConfig,
	reg *registry.Registry,
	st store.Store,
	windows WindowAttributor,
	verifyQueue chan<- VerifyJob,
) *Scheduler {
	return &Scheduler{
		commands:    make(chan Command, commandQueueSize),
		cfg:         cfg,
		registry:    reg,
		store:       st,
		windows:     windows,
		units:       make(map[string]*unitEntry),
		assignedPer: make(map[string]int),
		verifyQueue: verifyQueue,
		now:         time.Now,
	}
}

// QueueMessage enqueues a command for the actor loop. Callers receive
// results over the command's response channel.
func (s *Scheduler) QueueMessage(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("scheduler command queue is full")
	}
}

// Run processes commands and runs the deadline sweep until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval())
	defer sweep.Stop()

	logging.Info("Scheduler started", types.Scheduling,
		"max_units_per_node", s.cfg.MaxUnitsPerNode,
		"replica_factor", s.cfg.ReplicaFactor)

	for {
		select {
		case <-ctx.Done():
			logging.Info("Scheduler stopped", types.Scheduling)
			return
		case cmd := <-s.commands:
			cmd.Execute(ctx, s)
		case <-sweep.C:
			s.sweepDeadlines(ctx)
		}
	}
}

// Restore reloads non-terminal units after a restart. Active assignments are
// dropped back to pending; nodes re-request work and the retry count already
// reflects the interrupted attempt.
func (s *Scheduler) Restore(ctx context.Context) error {
	restored := 0
	for _, state := range []types.UnitState{types.UnitStatePending, types.UnitStateAssigned, types.UnitStateSubmitted} {
		units, err := s.store.ListUnitsByState(ctx, state)
		if err != nil {
			return fmt.Errorf("restore units in state %s: %w", state, err)
		}
		for i := range units {
			u := units[i]
			if u.State == types.UnitStateAssigned {
				u.Assignments = nil
				u.State = types.UnitStatePending
				u.UpdatedAt = s.now()
				if err := s.store.PutUnit(ctx, u); err != nil {
					return fmt.Errorf("restore unit %s: %w", u.ID, err)
				}
			}
			subs, err := s.store.ListSubmissionsByUnit(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("restore submissions for unit %s: %w", u.ID, err)
			}
			s.units[u.ID] = &unitEntry{unit: &u, submissions: subs}
			restored++
		}
	}
	logging.Info("Scheduler restored", types.Scheduling, "units", restored)
	return nil
}

// replicaTarget is how many distinct nodes should hold a unit concurrently.
func (s *Scheduler) replicaTarget(unit *types.WorkUnit) int {
	if unit.Type == types.UnitTypeQuorum {
		return s.cfg.ReplicaFactor
	}
	return 1
}

// assignmentDeadline applies bounded exponential backoff to the unit
// deadline as retries accumulate.
func (s *Scheduler) assignmentDeadline(retries int) time.Time {
	d := s.cfg.UnitDeadline()
	for i := 0; i < retries; i++ {
		d *= 2
		if max := time.Duration(s.cfg.DeadlineBackoffMax) * time.Second; d >= max {
			d = max
			break
		}
	}
	return s.now().Add(d)
}

// nodeRank orders nodes for scarce-work admission: fewest active
// assignments first, then higher cumulative verified score, then earliest
// registration.
type nodeRank struct {
	id           string
	assigned     int
	score        float64
	registeredAt time.Time
}

func (s *Scheduler) rankEligibleNodes() []nodeRank {
	nodes := s.registry.ActiveNodes()
	ranks := make([]nodeRank, 0, len(nodes))
	for _, n := range nodes {
		if s.assignedPer[n.ID] >= s.cfg.MaxUnitsPerNode {
			continue
		}
		ranks = append(ranks, nodeRank{
			id:           n.ID,
			assigned:     s.assignedPer[n.ID],
			score:        n.VerifiedScore,
			registeredAt: n.RegisteredAt,
		})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].assigned != ranks[j].assigned {
			return ranks[i].assigned < ranks[j].assigned
		}
		if ranks[i].score != ranks[j].score {
			return ranks[i].score > ranks[j].score
		}
		return ranks[i].registeredAt.Before(ranks[j].registeredAt)
	})
	return ranks
}

// replicasHeld counts the nodes already covering a unit: active assignments
// plus accepted submissions. A submission releases its assignment but still
// fills a replica slot, otherwise every accepted result would reopen the
// unit to an extra node.
func (s *Scheduler) replicasHeld(e *unitEntry) int {
	return len(e.unit.Assignments) + len(e.submissions)
}

// openSlots counts replica slots still unfilled across assignable units.
func (s *Scheduler) openSlots() int {
	slots := 0
	for _, e := range s.units {
		u := e.unit
		if u.State != types.UnitStatePending && u.State != types.UnitStateAssigned {
			continue
		}
		if missing := s.replicaTarget(u) - s.replicasHeld(e); missing > 0 {
			slots += missing
		}
	}
	return slots
}

// admit decides whether nodeID may take work right now. With slots to
// spare everyone eligible is admitted; under scarcity only the top-ranked
// nodes are, which is where load leveling and quality weighting bite.
func (s *Scheduler) admit(nodeID string) bool {
	ranks := s.rankEligibleNodes()
	idx := -1
	for i, r := range ranks {
		if r.id == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	slots := s.openSlots()
	if slots >= len(ranks) {
		return true
	}
	return idx < slots
}

// pickUnitFor selects the unit the requesting node should work on:
// partially assigned quorum units first (finish replica sets before opening
// new ones), then oldest pending work, never a unit the node already holds.
func (s *Scheduler) pickUnitFor(nodeID string) *unitEntry {
	var candidates []*unitEntry
	for _, e := range s.units {
		u := e.unit
		if u.State != types.UnitStatePending && u.State != types.UnitStateAssigned {
			continue
		}
		if s.replicasHeld(e) >= s.replicaTarget(u) {
			continue
		}
		if u.ActiveAssignment(nodeID) != nil {
			continue
		}
		if s.hasSubmissionFrom(e, nodeID) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := len(candidates[i].unit.Assignments), len(candidates[j].unit.Assignments)
		if (ai > 0) != (aj > 0) {
			return ai > 0
		}
		ci, cj := candidates[i].unit.CreatedAt, candidates[j].unit.CreatedAt
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return candidates[i].unit.ID < candidates[j].unit.ID
	})
	return candidates[0]
}

func (s *Scheduler) hasSubmissionFrom(e *unitEntry, nodeID string) bool {
	for _, sub := range e.submissions {
		if sub.NodeID == nodeID {
			return true
		}
	}
	return false
}

// releaseAssignments drops every remaining assignment on the unit and
// returns the freed node slots. Called whenever a unit leaves the assigned
// state so no node's concurrency budget stays pinned to settled work.
func (s *Scheduler) releaseAssignments(unit *types.WorkUnit) {
	for _, a := range unit.Assignments {
		if s.assignedPer[a.NodeID] > 0 {
			s.assignedPer[a.NodeID]--
		}
	}
	unit.Assignments = nil
}

// removeAssignment drops nodeID's assignment from the unit and adjusts the
// per-node count. Reports whether an assignment was actually held.
func (s *Scheduler) removeAssignment(unit *types.WorkUnit, nodeID string) bool {
	for i := range unit.Assignments {
		if unit.Assignments[i].NodeID == nodeID {
			unit.Assignments = append(unit.Assignments[:i], unit.Assignments[i+1:]...)
			if s.assignedPer[nodeID] > 0 {
				s.assignedPer[nodeID]--
			}
			return true
		}
	}
	return false
}

func (s *Scheduler) persistUnit(ctx context.Context, unit *types.WorkUnit) {
	if err := s.store.PutUnit(ctx, *unit); err != nil {
		logging.Error("Failed to persist unit", types.Scheduling,
			"unit_id", unit.ID, "error", err)
	}
}

// maybeStartVerification moves a unit to submitted and forwards it once its
// submission set is complete: one valid submission for reference units, the
// full replica set (or all that will ever come) for quorum units.
func (s *Scheduler) maybeStartVerification(ctx context.Context, e *unitEntry) {
	u := e.unit
	switch u.Type {
	case types.UnitTypeReference:
		if len(e.submissions) == 0 {
			return
		}
	case types.UnitTypeQuorum:
		if len(e.submissions) < s.cfg.ReplicaFactor && len(u.Assignments) > 0 {
			return
		}
	}

	s.releaseAssignments(u)
	u.State = types.UnitStateSubmitted
	u.UpdatedAt = s.now()
	s.persistUnit(ctx, u)
	s.forwardVerification(e)
}

func (s *Scheduler) forwardVerification(e *unitEntry) {
	u := e.unit
	job := VerifyJob{Unit: *u, Submissions: append([]types.Submission(nil), e.submissions...)}
	select {
	case s.verifyQueue <- job:
		e.verifyPending = false
		logging.Debug("Unit forwarded to verification", types.Scheduling,
			"unit_id", u.ID, "submissions", len(e.submissions))
	default:
		e.verifyPending = true
		logging.Warn("Verify queue full, will retry on sweep", types.Scheduling, "unit_id", u.ID)
	}
}

// sweepDeadlines expires overdue assignments. Expired work returns to
// pending and the node is reported to the registry; units past the retry
// ceiling expire exactly once.
func (s *Scheduler) sweepDeadlines(ctx context.Context) {
	now := s.now()
	for _, e := range s.units {
		u := e.unit
		if u.State == types.UnitStateSubmitted && e.verifyPending {
			s.forwardVerification(e)
			continue
		}
		if u.State != types.UnitStateAssigned {
			continue
		}

		var overdue []string
		for _, a := range u.Assignments {
			if now.After(a.Deadline) {
				overdue = append(overdue, a.NodeID)
			}
		}
		if len(overdue) == 0 {
			continue
		}

		for _, nodeID := range overdue {
			s.removeAssignment(u, nodeID)
			if err := s.registry.MarkFailure(ctx, nodeID, "unit deadline exceeded"); err != nil {
				logging.Warn("Failed to mark node failure", types.Scheduling,
					"node_id", nodeID, "error", err)
			}
			logging.Info("Assignment timed out", types.Scheduling,
				"unit_id", u.ID, "node_id", nodeID, "retries", u.Retries)
		}

		u.Retries++
		u.UpdatedAt = now

		if len(u.Assignments) == 0 {
			if len(e.submissions) > 0 && u.Type == types.UnitTypeQuorum {
				// Partial replica set is all we will get; let the verifier
				// judge what arrived.
				s.maybeStartVerification(ctx, e)
				continue
			}
			if u.Retries > s.cfg.MaxRetries {
				u.State = types.UnitStateExpired
				logging.Warn("Unit expired after retry ceiling", types.Scheduling,
					"unit_id", u.ID, "retries", u.Retries)
			} else {
				u.State = types.UnitStatePending
			}
		}
		s.persistUnit(ctx, u)
	}
}
