// Package store persists the orchestrator's records as JSON documents keyed
// by id. The daemon only needs read-your-writes consistency per record, so
// every backend is a plain table of (id, doc) rows plus the two columns the
// list queries filter on.
package store

import (
	"context"
	"errors"

	"training-orchestrator/types"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	PutNode(ctx context.Context, node types.Node) error
	GetNode(ctx context.Context, id string) (types.Node, error)
	ListNodes(ctx context.Context) ([]types.Node, error)

	PutUnit(ctx context.Context, unit types.WorkUnit) error
	GetUnit(ctx context.Context, id string) (types.WorkUnit, error)
	ListUnitsByState(ctx context.Context, state types.UnitState) ([]types.WorkUnit, error)
	ListUnitsByTask(ctx context.Context, taskID string) ([]types.WorkUnit, error)

	PutSubmission(ctx context.Context, sub types.Submission) error
	GetSubmission(ctx context.Context, id string) (types.Submission, error)
	ListSubmissionsByUnit(ctx context.Context, unitID string) ([]types.Submission, error)
	ListSubmissionsByWindow(ctx context.Context, windowID uint64) ([]types.Submission, error)

	PutWindow(ctx context.Context, window types.ScoreWindow) error
	GetWindow(ctx context.Context, id uint64) (types.ScoreWindow, error)
	ListWindowsByState(ctx context.Context, state types.WindowState) ([]types.ScoreWindow, error)

	PutVector(ctx context.Context, vector types.IncentiveVector) error
	GetVector(ctx context.Context, windowID uint64) (types.IncentiveVector, error)

	Close() error
}
