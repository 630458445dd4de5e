package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"training-orchestrator/logging"
	"training-orchestrator/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS work_units (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    state TEXT NOT NULL,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS work_units_state_idx ON work_units (state);
CREATE INDEX IF NOT EXISTS work_units_task_idx ON work_units (task_id);
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    unit_id TEXT NOT NULL,
    window_id BIGINT NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_unit_idx ON submissions (unit_id);
CREATE INDEX IF NOT EXISTS submissions_window_idx ON submissions (window_id);
CREATE TABLE IF NOT EXISTS score_windows (
    id BIGINT PRIMARY KEY,
    state TEXT NOT NULL,
    doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS incentive_vectors (
    window_id BIGINT PRIMARY KEY,
    doc JSONB NOT NULL
);
`

// PostgresStore persists records in PostgreSQL. Connection parameters come
// from the standard libpq environment variables (PGHOST, PGPORT, PGDATABASE,
// PGUSER, PGPASSWORD).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logging.Info("PostgreSQL store initialized", types.Storage)
	return s, nil
}

func (s *PostgresStore) PutNode(ctx context.Context, node types.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO nodes (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, node.ID, doc)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (types.Node, error) {
	var node types.Node
	err := scanDoc(s.pool.QueryRow(ctx, `SELECT doc FROM nodes WHERE id = $1`, id), &node)
	return node, err
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]types.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	return collectDocs[types.Node](rows)
}

func (s *PostgresStore) PutUnit(ctx context.Context, unit types.WorkUnit) error {
	doc, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_units (id, task_id, state, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		unit.ID, unit.TaskID, string(unit.State), doc)
	if err != nil {
		return fmt.Errorf("upsert unit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, id string) (types.WorkUnit, error) {
	var unit types.WorkUnit
	err := scanDoc(s.pool.QueryRow(ctx, `SELECT doc FROM work_units WHERE id = $1`, id), &unit)
	return unit, err
}

func (s *PostgresStore) ListUnitsByState(ctx context.Context, state types.UnitState) ([]types.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM work_units WHERE state = $1 ORDER BY id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	return collectDocs[types.WorkUnit](rows)
}

func (s *PostgresStore) ListUnitsByTask(ctx context.Context, taskID string) ([]types.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM work_units WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	return collectDocs[types.WorkUnit](rows)
}

func (s *PostgresStore) PutSubmission(ctx context.Context, sub types.Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO submissions (id, unit_id, window_id, submitted_at, doc) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		sub.ID, sub.UnitID, sub.WindowID, sub.SubmittedAt, doc)
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (types.Submission, error) {
	var sub types.Submission
	err := scanDoc(s.pool.QueryRow(ctx, `SELECT doc FROM submissions WHERE id = $1`, id), &sub)
	return sub, err
}

func (s *PostgresStore) ListSubmissionsByUnit(ctx context.Context, unitID string) ([]types.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM submissions WHERE unit_id = $1 ORDER BY submitted_at`, unitID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	return collectDocs[types.Submission](rows)
}

func (s *PostgresStore) ListSubmissionsByWindow(ctx context.Context, windowID uint64) ([]types.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM submissions WHERE window_id = $1 ORDER BY submitted_at`, windowID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	return collectDocs[types.Submission](rows)
}

func (s *PostgresStore) PutWindow(ctx context.Context, window types.ScoreWindow) error {
	doc, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO score_windows (id, state, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		window.ID, string(window.State), doc)
	if err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, id uint64) (types.ScoreWindow, error) {
	var w types.ScoreWindow
	err := scanDoc(s.pool.QueryRow(ctx, `SELECT doc FROM score_windows WHERE id = $1`, id), &w)
	return w, err
}

func (s *PostgresStore) ListWindowsByState(ctx context.Context, state types.WindowState) ([]types.ScoreWindow, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM score_windows WHERE state = $1 ORDER BY id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	return collectDocs[types.ScoreWindow](rows)
}

func (s *PostgresStore) PutVector(ctx context.Context, vector types.IncentiveVector) error {
	doc, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO incentive_vectors (window_id, doc) VALUES ($1, $2)
		 ON CONFLICT (window_id) DO UPDATE SET doc = EXCLUDED.doc`, vector.WindowID, doc)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVector(ctx context.Context, windowID uint64) (types.IncentiveVector, error) {
	var v types.IncentiveVector
	err := scanDoc(s.pool.QueryRow(ctx, `SELECT doc FROM incentive_vectors WHERE window_id = $1`, windowID), &v)
	return v, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanDoc(row pgx.Row, out interface{}) error {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan doc: %w", err)
	}
	return json.Unmarshal(doc, out)
}

func collectDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("unmarshal doc: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
