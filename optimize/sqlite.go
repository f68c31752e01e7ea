package optimize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteExperiments is the embedded experiment backend. Every method maps a
// backend failure onto ErrUnavailable so callers can soft-fail.
type SQLiteExperiments struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteExperiments opens (creating if needed) the experiment database at
// path. ":memory:" gives an ephemeral database for tests.
func NewSQLiteExperiments(path string) (*SQLiteExperiments, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	table := `
		CREATE TABLE IF NOT EXISTS experiment_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_name TEXT NOT NULL,
			variant_name TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			metrics TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, table); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create experiment_runs table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_exp_name ON experiment_runs(experiment_name)",
		"CREATE INDEX IF NOT EXISTS idx_exp_variant ON experiment_runs(experiment_name, variant_name)",
	} {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}
	return &SQLiteExperiments{db: db}, nil
}

func (s *SQLiteExperiments) LogRun(ctx context.Context, run *ExperimentRun) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrUnavailable
	}
	metrics, err := json.Marshal(orEmpty(run.Metrics))
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_runs
			(experiment_name, variant_name, run_id, workflow_name, node_id, prompt, status, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ExperimentName, run.VariantName, run.RunID, run.WorkflowName,
		run.NodeID, run.Prompt, run.Status, string(metrics),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

func (s *SQLiteExperiments) ListExperiments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT experiment_name FROM experiment_runs ORDER BY experiment_name")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan experiment name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteExperiments) ListRuns(ctx context.Context, experiment string, f Filter) ([]*ExperimentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	query := `
		SELECT id, experiment_name, variant_name, run_id, workflow_name,
		       node_id, prompt, status, metrics, created_at
		FROM experiment_runs WHERE experiment_name = ?`
	args := []any{experiment}
	if f.VariantName != "" {
		query += " AND variant_name = ?"
		args = append(args, f.VariantName)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*ExperimentRun
	for rows.Next() {
		run, err := scanExperimentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteExperiments) GetAggregate(ctx context.Context, experiment, metric string) ([]Aggregate, error) {
	runs, err := s.ListRuns(ctx, experiment, Filter{})
	if err != nil {
		return nil, err
	}
	return aggregate(runs, metric), nil
}

func (s *SQLiteExperiments) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanExperimentRun(rows *sql.Rows) (*ExperimentRun, error) {
	var run ExperimentRun
	var metrics, createdAt string
	if err := rows.Scan(&run.ID, &run.ExperimentName, &run.VariantName, &run.RunID,
		&run.WorkflowName, &run.NodeID, &run.Prompt, &run.Status, &metrics, &createdAt); err != nil {
		return nil, fmt.Errorf("scan experiment run: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = t
	return &run, nil
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
