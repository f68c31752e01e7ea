package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded Store backend: a single-file database with zero
// setup, WAL mode for concurrent reads, and one writer at a time.
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLite opens (creating if needed) the database at path. ":memory:"
// gives an ephemeral database for tests.
func NewSQLite(path string) (*SQLite, error) {
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

	s := &SQLite{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			inputs TEXT NOT NULL DEFAULT '{}',
			outputs TEXT NOT NULL DEFAULT '{}',
			config_snapshot TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			metrics TEXT NOT NULL DEFAULT '{}',
			block_deploy INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)",
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	agentsTable := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			capabilities TEXT NOT NULL DEFAULT '[]',
			registered_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL DEFAULT 60
		)
	`
	if _, err := s.db.ExecContext(ctx, agentsTable); err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}
	return nil
}

func (s *SQLite) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, r *RunRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	inputs, outputs, metrics, err := marshalRunJSON(r)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (run_id, workflow_name, status, started_at, completed_at,
			inputs, outputs, config_snapshot, agent_id, parent_run_id,
			duration_seconds, cost_usd, error, metrics, block_deploy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.RunID, r.WorkflowName, string(r.Status), formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
		inputs, outputs, r.ConfigSnapshot, r.AgentID, r.ParentRunID,
		r.DurationSeconds, r.CostUSD, r.Error, metrics, boolToInt(r.BlockDeploy),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	if err := s.guard(); err != nil {
		return err
	}
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE run_id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if !ValidTransition(RunStatus(current), status) {
		return fmt.Errorf("invalid status transition %s -> %s for run %s", current, status, id)
	}

	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(time.Now().UTC())
	}
	// The WHERE status clause makes the transition check atomic under the
	// single writer connection.
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			completed_at = COALESCE(?, completed_at)
		WHERE run_id = ? AND status = ?
	`, string(status), errMsg, errMsg, completedAt, id, current)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("concurrent status change on run %s", id)
	}
	return nil
}

func (s *SQLite) AppendOutputs(ctx context.Context, id string, partial map[string]any) error {
	if err := s.guard(); err != nil {
		return err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT outputs FROM runs WHERE run_id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run outputs: %w", err)
	}
	outputs := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
			return fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}
	for k, v := range partial {
		outputs[k] = v
	}
	merged, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE runs SET outputs = ? WHERE run_id = ?", string(merged), id); err != nil {
		return fmt.Errorf("failed to append outputs: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateCompletion(ctx context.Context, id string, outputs map[string]any, metrics map[string]float64, duration time.Duration, cost float64) error {
	if err := s.guard(); err != nil {
		return err
	}
	outputsJSON, err := json.Marshal(orEmptyAny(outputs))
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	metricsJSON, err := json.Marshal(orEmptyFloat(metrics))
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET outputs = ?, metrics = ?, duration_seconds = ?, cost_usd = ?
		WHERE run_id = ?
	`, string(outputsJSON), string(metricsJSON), duration.Seconds(), cost, id)
	if err != nil {
		return fmt.Errorf("failed to update completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) MarkBlockDeploy(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE runs SET block_deploy = 1 WHERE run_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark block_deploy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `run_id, workflow_name, status, started_at, completed_at,
	inputs, outputs, config_snapshot, agent_id, parent_run_id,
	duration_seconds, cost_usd, error, metrics, block_deploy`

func (s *SQLite) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLite) ListRuns(ctx context.Context, f Filter) ([]*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Workflow != "" {
		query += " AND workflow_name = ?"
		args = append(args, f.Workflow)
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	query += " ORDER BY started_at DESC, run_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLite) ListRunsByAgent(ctx context.Context, agentID string) ([]*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := "SELECT " + runColumns + " FROM runs WHERE agent_id = ? ORDER BY started_at DESC, run_id DESC"
	return s.queryRuns(ctx, query, agentID)
}

func (s *SQLite) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

func (s *SQLite) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	metadata, err := json.Marshal(orEmptyAny(a.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	capabilities, err := json.Marshal(orEmptyList(a.Capabilities))
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	query := `
		INSERT INTO agents (agent_id, name, url, metadata, capabilities, registered_at, last_heartbeat, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			metadata = excluded.metadata,
			capabilities = excluded.capabilities,
			registered_at = excluded.registered_at,
			last_heartbeat = excluded.last_heartbeat,
			ttl_seconds = excluded.ttl_seconds
	`
	_, err = s.db.ExecContext(ctx, query,
		a.AgentID, a.Name, a.URL, string(metadata), string(capabilities),
		formatTime(a.RegisteredAt), formatTime(a.LastHeartbeat), a.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *SQLite) HeartbeatAgent(ctx context.Context, agentID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?", formatTime(at), agentID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, agentSelect+" WHERE agent_id = ?", agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLite) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, agentSelect+" ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Double-close is a no-op.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

const agentSelect = `SELECT agent_id, name, url, metadata, capabilities,
	registered_at, last_heartbeat, ttl_seconds FROM agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r                        RunRecord
		status                   string
		startedAt                string
		completedAt              sql.NullString
		inputs, outputs, metrics string
		blockDeploy              int
	)
	err := row.Scan(&r.RunID, &r.WorkflowName, &status, &startedAt, &completedAt,
		&inputs, &outputs, &r.ConfigSnapshot, &r.AgentID, &r.ParentRunID,
		&r.DurationSeconds, &r.CostUSD, &r.Error, &metrics, &blockDeploy)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.BlockDeploy = blockDeploy != 0
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		r.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(inputs), &r.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	return &r, nil
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		a                      AgentRecord
		metadata, capabilities string
		registered, heartbeat  string
	)
	err := row.Scan(&a.AgentID, &a.Name, &a.URL, &metadata, &capabilities,
		&registered, &heartbeat, &a.TTLSeconds)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if a.RegisteredAt, err = parseTime(registered); err != nil {
		return nil, fmt.Errorf("failed to parse registered_at: %w", err)
	}
	if a.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
	}
	return &a, nil
}

func marshalRunJSON(r *RunRecord) (inputs, outputs, metrics string, err error) {
	in, err := json.Marshal(orEmptyAny(r.Inputs))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal inputs: %w", err)
	}
	out, err := json.Marshal(orEmptyAny(r.Outputs))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal outputs: %w", err)
	}
	met, err := json.Marshal(orEmptyFloat(r.Metrics))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return string(in), string(out), string(met), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyFloat(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
