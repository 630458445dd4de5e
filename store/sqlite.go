package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"training-orchestrator/logging"
	"training-orchestrator/types"

	_ "modernc.org/sqlite"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS work_units (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    state TEXT NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS work_units_state_idx ON work_units (state);
CREATE INDEX IF NOT EXISTS work_units_task_idx ON work_units (task_id);
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    unit_id TEXT NOT NULL,
    window_id INTEGER NOT NULL,
    submitted_at INTEGER NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_unit_idx ON submissions (unit_id);
CREATE INDEX IF NOT EXISTS submissions_window_idx ON submissions (window_id);
CREATE TABLE IF NOT EXISTS score_windows (
    id INTEGER PRIMARY KEY,
    state TEXT NOT NULL,
    doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS incentive_vectors (
    window_id INTEGER PRIMARY KEY,
    doc TEXT NOT NULL
);
`

// SqliteStore is the single-binary backend. One writer at a time is plenty
// for the control plane's record sizes.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logging.Info("SQLite store initialized", types.Storage, "path", path)
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) putDoc(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SqliteStore) getDoc(ctx context.Context, out interface{}, query string, args ...interface{}) error {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan doc: %w", err)
	}
	return json.Unmarshal([]byte(doc), out)
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query docs: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		var item T
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("unmarshal doc: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SqliteStore) PutNode(ctx context.Context, node types.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	return s.putDoc(ctx,
		`INSERT INTO nodes (id, doc) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`, node.ID, string(doc))
}

func (s *SqliteStore) GetNode(ctx context.Context, id string) (types.Node, error) {
	var node types.Node
	err := s.getDoc(ctx, &node, `SELECT doc FROM nodes WHERE id = ?`, id)
	return node, err
}

func (s *SqliteStore) ListNodes(ctx context.Context) ([]types.Node, error) {
	return listDocs[types.Node](ctx, s.db, `SELECT doc FROM nodes ORDER BY id`)
}

func (s *SqliteStore) PutUnit(ctx context.Context, unit types.WorkUnit) error {
	doc, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	return s.putDoc(ctx,
		`INSERT INTO work_units (id, task_id, state, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, doc = excluded.doc`,
		unit.ID, unit.TaskID, string(unit.State), string(doc))
}

func (s *SqliteStore) GetUnit(ctx context.Context, id string) (types.WorkUnit, error) {
	var unit types.WorkUnit
	err := s.getDoc(ctx, &unit, `SELECT doc FROM work_units WHERE id = ?`, id)
	return unit, err
}

func (s *SqliteStore) ListUnitsByState(ctx context.Context, state types.UnitState) ([]types.WorkUnit, error) {
	return listDocs[types.WorkUnit](ctx, s.db,
		`SELECT doc FROM work_units WHERE state = ? ORDER BY id`, string(state))
}

func (s *SqliteStore) ListUnitsByTask(ctx context.Context, taskID string) ([]types.WorkUnit, error) {
	return listDocs[types.WorkUnit](ctx, s.db,
		`SELECT doc FROM work_units WHERE task_id = ? ORDER BY id`, taskID)
}

func (s *SqliteStore) PutSubmission(ctx context.Context, sub types.Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	return s.putDoc(ctx,
		`INSERT INTO submissions (id, unit_id, window_id, submitted_at, doc) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		sub.ID, sub.UnitID, sub.WindowID, sub.SubmittedAt.UnixNano(), string(doc))
}

func (s *SqliteStore) GetSubmission(ctx context.Context, id string) (types.Submission, error) {
	var sub types.Submission
	err := s.getDoc(ctx, &sub, `SELECT doc FROM submissions WHERE id = ?`, id)
	return sub, err
}

func (s *SqliteStore) ListSubmissionsByUnit(ctx context.Context, unitID string) ([]types.Submission, error) {
	return listDocs[types.Submission](ctx, s.db,
		`SELECT doc FROM submissions WHERE unit_id = ? ORDER BY submitted_at`, unitID)
}

func (s *SqliteStore) ListSubmissionsByWindow(ctx context.Context, windowID uint64) ([]types.Submission, error) {
	return listDocs[types.Submission](ctx, s.db,
		`SELECT doc FROM submissions WHERE window_id = ? ORDER BY submitted_at`, windowID)
}

func (s *SqliteStore) PutWindow(ctx context.Context, window types.ScoreWindow) error {
	doc, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	return s.putDoc(ctx,
		`INSERT INTO score_windows (id, state, doc) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, doc = excluded.doc`,
		window.ID, string(window.State), string(doc))
}

func (s *SqliteStore) GetWindow(ctx context.Context, id uint64) (types.ScoreWindow, error) {
	var w types.ScoreWindow
	err := s.getDoc(ctx, &w, `SELECT doc FROM score_windows WHERE id = ?`, id)
	return w, err
}

func (s *SqliteStore) ListWindowsByState(ctx context.Context, state types.WindowState) ([]types.ScoreWindow, error) {
	return listDocs[types.ScoreWindow](ctx, s.db,
		`SELECT doc FROM score_windows WHERE state = ? ORDER BY id`, string(state))
}

func (s *SqliteStore) PutVector(ctx context.Context, vector types.IncentiveVector) error {
	doc, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	return s.putDoc(ctx,
		`INSERT INTO incentive_vectors (window_id, doc) VALUES (?, ?)
		 ON CONFLICT (window_id) DO UPDATE SET doc = excluded.doc`,
		vector.WindowID, string(doc))
}

func (s *SqliteStore) GetVector(ctx context.Context, windowID uint64) (types.IncentiveVector, error) {
	var v types.IncentiveVector
	err := s.getDoc(ctx, &v, `SELECT doc FROM incentive_vectors WHERE window_id = ?`, windowID)
	return v, err
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SqliteStore)(nil)
