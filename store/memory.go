package store

import (
	"context"
	"sort"
	"sync"

	"training-orchestrator/types"
)

// MemoryStore keeps everything in maps. Used in tests and single-process
// experiments; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]types.Node
	units       map[string]types.WorkUnit
	submissions map[string]types.Submission
	windows     map[uint64]types.ScoreWindow
	vectors     map[uint64]types.IncentiveVector
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]types.Node),
		units:       make(map[string]types.WorkUnit),
		submissions: make(map[string]types.Submission),
		windows:     make(map[uint64]types.ScoreWindow),
		vectors:     make(map[uint64]types.IncentiveVector),
	}
}

func (s *MemoryStore) PutNode(_ context.Context, node types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return types.Node{}, ErrNotFound
	}
	return node, nil
}

func (s *MemoryStore) ListNodes(_ context.Context) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *MemoryStore) PutUnit(_ context.Context, unit types.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.ID] = unit
	return nil
}

func (s *MemoryStore) GetUnit(_ context.Context, id string) (types.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.units[id]
	if !ok {
		return types.WorkUnit{}, ErrNotFound
	}
	return unit, nil
}

func (s *MemoryStore) ListUnitsByState(_ context.Context, state types.UnitState) ([]types.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var units []types.WorkUnit
	for _, u := range s.units {
		if u.State == state {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (s *MemoryStore) ListUnitsByTask(_ context.Context, taskID string) ([]types.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var units []types.WorkUnit
	for _, u := range s.units {
		if u.TaskID == taskID {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (s *MemoryStore) PutSubmission(_ context.Context, sub types.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (types.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return types.Submission{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) ListSubmissionsByUnit(_ context.Context, unitID string) ([]types.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []types.Submission
	for _, sub := range s.submissions {
		if sub.UnitID == unitID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubmittedAt.Before(subs[j].SubmittedAt) })
	return subs, nil
}

func (s *MemoryStore) ListSubmissionsByWindow(_ context.Context, windowID uint64) ([]types.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []types.Submission
	for _, sub := range s.submissions {
		if sub.WindowID == windowID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubmittedAt.Before(subs[j].SubmittedAt) })
	return subs, nil
}

func (s *MemoryStore) PutWindow(_ context.Context, window types.ScoreWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[window.ID] = window
	return nil
}

func (s *MemoryStore) GetWindow(_ context.Context, id uint64) (types.ScoreWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[id]
	if !ok {
		return types.ScoreWindow{}, ErrNotFound
	}
	return w, nil
}

func (s *MemoryStore) ListWindowsByState(_ context.Context, state types.WindowState) ([]types.ScoreWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var windows []types.ScoreWindow
	for _, w := range s.windows {
		if w.State == state {
			windows = append(windows, w)
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].ID < windows[j].ID })
	return windows, nil
}

func (s *MemoryStore) PutVector(_ context.Context, vector types.IncentiveVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[vector.WindowID] = vector
	return nil
}

func (s *MemoryStore) GetVector(_ context.Context, windowID uint64) (types.IncentiveVector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[windowID]
	if !ok {
		return types.IncentiveVector{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
