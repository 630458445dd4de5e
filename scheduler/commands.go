package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// AddUnitsCommand registers freshly partitioned units in the arena.
type AddUnitsCommand struct {
	Units    []types.WorkUnit
	Response chan error
}

func NewAddUnitsCommand(units []types.WorkUnit) AddUnitsCommand {
	return AddUnitsCommand{Units: units, Response: make(chan error, 1)}
}

func (c AddUnitsCommand) Execute(ctx context.Context, s *Scheduler) {
	for i := range c.Units {
		u := c.Units[i]
		if _, exists := s.units[u.ID]; exists {
			continue
		}
		if err := s.store.PutUnit(ctx, u); err != nil {
			c.Response <- errors.Wrapf(err, "persist unit %s", u.ID)
			return
		}
		s.units[u.ID] = &unitEntry{unit: &u}
	}
	logging.Info("Units added to arena", types.Scheduling, "count", len(c.Units))
	c.Response <- nil
}

// RequestWorkResponse carries the unit granted to a requesting node, or nil
// when no assignable work exists for it right now.
type RequestWorkResponse struct {
	Unit *types.WorkUnit
	Err  error
}

// RequestWorkCommand grants at most one unit to an eligible node.
type RequestWorkCommand struct {
	NodeID   string
	Response chan RequestWorkResponse
}

func NewRequestWorkCommand(nodeID string) RequestWorkCommand {
	return RequestWorkCommand{NodeID: nodeID, Response: make(chan RequestWorkResponse, 1)}
}

func (c RequestWorkCommand) Execute(ctx context.Context, s *Scheduler) {
	status, err := s.registry.Status(c.NodeID)
	if err != nil {
		c.Response <- RequestWorkResponse{Err: err}
		return
	}
	switch status {
	case types.NodeStatusBanned:
		c.Response <- RequestWorkResponse{Err: types.ErrNodeBanned}
		return
	case types.NodeStatusActive:
	default:
		c.Response <- RequestWorkResponse{Err: errors.Wrapf(types.ErrNoEligibleNodes, "node %s is %s", c.NodeID, status)}
		return
	}

	if !s.admit(c.NodeID) {
		c.Response <- RequestWorkResponse{}
		return
	}
	e := s.pickUnitFor(c.NodeID)
	if e == nil {
		c.Response <- RequestWorkResponse{}
		return
	}

	u := e.unit
	u.Assignments = append(u.Assignments, types.Assignment{
		NodeID:     c.NodeID,
		AssignedAt: s.now(),
		Deadline:   s.assignmentDeadline(u.Retries),
	})
	u.State = types.UnitStateAssigned
	u.UpdatedAt = s.now()
	s.assignedPer[c.NodeID]++
	s.persistUnit(ctx, u)

	logging.Info("Unit assigned", types.Scheduling,
		"unit_id", u.ID, "node_id", c.NodeID,
		"replicas", len(u.Assignments), "retries", u.Retries)

	granted := *u
	c.Response <- RequestWorkResponse{Unit: &granted}
}

// SubmitResultCommand records a node's submission for a unit it holds.
// The first valid submission per node wins; racing duplicates and
// submissions without an active assignment are rejected.
type SubmitResultCommand struct {
	Submission types.Submission
	Response   chan error
}

func NewSubmitResultCommand(sub types.Submission) SubmitResultCommand {
	return SubmitResultCommand{Submission: sub, Response: make(chan error, 1)}
}

func (c SubmitResultCommand) Execute(ctx context.Context, s *Scheduler) {
	sub := c.Submission
	e, ok := s.units[sub.UnitID]
	if !ok {
		c.Response <- types.ErrUnitNotFound
		return
	}
	u := e.unit
	if u.IsTerminal() || u.State == types.UnitStateSubmitted {
		c.Response <- types.ErrAlreadySubmitted
		return
	}
	if s.hasSubmissionFrom(e, sub.NodeID) {
		c.Response <- types.ErrAlreadySubmitted
		return
	}
	if u.ActiveAssignment(sub.NodeID) == nil {
		c.Response <- errors.Wrapf(types.ErrInvalidSubmission, "node %s holds no active assignment for unit %s", sub.NodeID, sub.UnitID)
		return
	}

	now := s.now()
	windowID, err := s.windows.Attribute(now)
	if err != nil {
		c.Response <- err
		return
	}
	sub.WindowID = windowID
	sub.SubmittedAt = now
	sub.Valid = true

	if err := s.store.PutSubmission(ctx, sub); err != nil {
		c.Response <- errors.Wrapf(err, "persist submission %s", sub.ID)
		return
	}

	e.submissions = append(e.submissions, sub)
	s.removeAssignment(u, sub.NodeID)
	u.UpdatedAt = now
	s.persistUnit(ctx, u)

	logging.Info("Submission accepted", types.Scheduling,
		"unit_id", u.ID, "node_id", sub.NodeID, "window_id", windowID,
		"submissions", len(e.submissions))

	s.maybeStartVerification(ctx, e)
	c.Response <- nil
}

// VerdictCommand applies the verifier's decision for a unit. Accepted units
// become verified; rejected units shed their submissions and retry until
// the ceiling, then fail.
type VerdictCommand struct {
	UnitID   string
	Accepted bool
	Response chan error
}

func NewVerdictCommand(unitID string, accepted bool) VerdictCommand {
	return VerdictCommand{UnitID: unitID, Accepted: accepted, Response: make(chan error, 1)}
}

func (c VerdictCommand) Execute(ctx context.Context, s *Scheduler) {
	e, ok := s.units[c.UnitID]
	if !ok {
		c.Response <- types.ErrUnitNotFound
		return
	}
	u := e.unit
	if u.State != types.UnitStateSubmitted {
		c.Response <- errors.Wrapf(types.ErrInvalidSubmission, "verdict for unit %s in state %s", u.ID, u.State)
		return
	}

	now := s.now()
	u.UpdatedAt = now
	if c.Accepted {
		u.State = types.UnitStateVerified
	} else {
		u.Retries++
		e.submissions = nil
		if u.Retries > s.cfg.MaxRetries {
			u.State = types.UnitStateFailed
			logging.Warn("Unit failed after retry ceiling", types.Scheduling,
				"unit_id", u.ID, "retries", u.Retries)
		} else {
			u.State = types.UnitStatePending
		}
	}
	s.persistUnit(ctx, u)

	logging.Info("Verification verdict applied", types.Scheduling,
		"unit_id", u.ID, "accepted", c.Accepted, "state", u.State)
	c.Response <- nil
}

// ReleaseNodeCommand strips a node's active assignments, returning the
// affected units to pending. Used when a node is banned or reported down.
type ReleaseNodeCommand struct {
	NodeID   string
	Reason   string
	Response chan int
}

func NewReleaseNodeCommand(nodeID, reason string) ReleaseNodeCommand {
	return ReleaseNodeCommand{NodeID: nodeID, Reason: reason, Response: make(chan int, 1)}
}

func (c ReleaseNodeCommand) Execute(ctx context.Context, s *Scheduler) {
	released := 0
	for _, e := range s.units {
		u := e.unit
		if u.State != types.UnitStateAssigned {
			continue
		}
		if !s.removeAssignment(u, c.NodeID) {
			continue
		}
		released++
		u.Retries++
		u.UpdatedAt = s.now()
		if len(u.Assignments) == 0 {
			if u.Retries > s.cfg.MaxRetries {
				u.State = types.UnitStateExpired
			} else {
				u.State = types.UnitStatePending
			}
		}
		s.persistUnit(ctx, u)
	}
	if released > 0 {
		logging.Info("Released node assignments", types.Scheduling,
			"node_id", c.NodeID, "released", released, "reason", c.Reason)
	}
	c.Response <- released
}

// UnitStatusResponse is a point-in-time copy of a unit and its accepted
// submissions.
type UnitStatusResponse struct {
	Unit        *types.WorkUnit
	Submissions []types.Submission
	Err         error
}

// GetUnitCommand snapshots one unit.
type GetUnitCommand struct {
	UnitID   string
	Response chan UnitStatusResponse
}

func NewGetUnitCommand(unitID string) GetUnitCommand {
	return GetUnitCommand{UnitID: unitID, Response: make(chan UnitStatusResponse, 1)}
}

func (c GetUnitCommand) Execute(ctx context.Context, s *Scheduler) {
	e, ok := s.units[c.UnitID]
	if !ok {
		c.Response <- UnitStatusResponse{Err: types.ErrUnitNotFound}
		return
	}
	u := *e.unit
	c.Response <- UnitStatusResponse{
		Unit:        &u,
		Submissions: append([]types.Submission(nil), e.submissions...),
	}
}

// ArenaStats counts units by state for the status endpoint.
type ArenaStats struct {
	ByState     map[types.UnitState]int
	Assignments int
}

type GetStatsCommand struct {
	Response chan ArenaStats
}

func NewGetStatsCommand() GetStatsCommand {
	return GetStatsCommand{Response: make(chan ArenaStats, 1)}
}

func (c GetStatsCommand) Execute(ctx context.Context, s *Scheduler) {
	stats := ArenaStats{ByState: make(map[types.UnitState]int)}
	for _, e := range s.units {
		stats.ByState[e.unit.State]++
		stats.Assignments += len(e.unit.Assignments)
	}
	c.Response <- stats
}

// SweepNowCommand forces an immediate deadline sweep. The periodic ticker
// does this on its own; tests and admin tooling use this to make timing
// deterministic.
type SweepNowCommand struct {
	Response chan struct{}
}

func NewSweepNowCommand() SweepNowCommand {
	return SweepNowCommand{Response: make(chan struct{}, 1)}
}

func (c SweepNowCommand) Execute(ctx context.Context, s *Scheduler) {
	s.sweepDeadlines(ctx)
	c.Response <- struct{}{}
}
