package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is the external Store backend for multi-process installs where the
// dashboard, webhook dispatcher, and CLI share one database.
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens a MySQL-backed store. The addr is "user:pass@host:port/db";
// it is rewritten into the driver's DSN form.
func NewMySQL(addr string) (*MySQL, error) {
	dsn, err := mysqlDSN(addr)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQL{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// mysqlDSN converts "user:pass@host:port/db" into the go-sql-driver form
// "user:pass@tcp(host:port)/db".
func mysqlDSN(addr string) (string, error) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return "", fmt.Errorf("invalid mysql address %q (want user:pass@host:port/db)", addr)
	}
	cred, rest := addr[:at], addr[at+1:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return "", fmt.Errorf("invalid mysql address %q: missing database name", addr)
	}
	host, db := rest[:slash], rest[slash+1:]
	if host == "" || db == "" {
		return "", fmt.Errorf("invalid mysql address %q: empty host or database", addr)
	}
	return fmt.Sprintf("%s@tcp(%s)/%s", cred, host, db), nil
}

func (s *MySQL) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(36) NOT NULL PRIMARY KEY,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at VARCHAR(64) NOT NULL,
			completed_at VARCHAR(64),
			inputs MEDIUMTEXT NOT NULL,
			outputs MEDIUMTEXT NOT NULL,
			config_snapshot MEDIUMTEXT NOT NULL,
			agent_id VARCHAR(255) NOT NULL DEFAULT '',
			parent_run_id VARCHAR(36) NOT NULL DEFAULT '',
			duration_seconds DOUBLE NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,
			error TEXT NOT NULL,
			metrics MEDIUMTEXT NOT NULL,
			block_deploy TINYINT NOT NULL DEFAULT 0,
			INDEX idx_runs_workflow (workflow_name),
			INDEX idx_runs_status (status),
			INDEX idx_runs_agent (agent_id),
			INDEX idx_runs_started (started_at)
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	agentsTable := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id VARCHAR(255) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			url VARCHAR(1024) NOT NULL,
			metadata MEDIUMTEXT NOT NULL,
			capabilities MEDIUMTEXT NOT NULL,
			registered_at VARCHAR(64) NOT NULL,
			last_heartbeat VARCHAR(64) NOT NULL,
			ttl_seconds INT NOT NULL DEFAULT 60
		)
	`
	if _, err := s.db.ExecContext(ctx, agentsTable); err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}
	return nil
}

func (s *MySQL) CreateRun(ctx context.Context, r *RunRecord) error {
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

func (s *MySQL) UpdateStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
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

func (s *MySQL) AppendOutputs(ctx context.Context, id string, partial map[string]any) error {
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

func (s *MySQL) UpdateCompletion(ctx context.Context, id string, outputs map[string]any, metrics map[string]float64, duration time.Duration, cost float64) error {
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

func (s *MySQL) MarkBlockDeploy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE runs SET block_deploy = 1 WHERE run_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark block_deploy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *MySQL) ListRuns(ctx context.Context, f Filter) ([]*RunRecord, error) {
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

func (s *MySQL) ListRunsByAgent(ctx context.Context, agentID string) ([]*RunRecord, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE agent_id = ? ORDER BY started_at DESC, run_id DESC"
	return s.queryRuns(ctx, query, agentID)
}

func (s *MySQL) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
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

func (s *MySQL) UpsertAgent(ctx context.Context, a *AgentRecord) error {
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
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			url = VALUES(url),
			metadata = VALUES(metadata),
			capabilities = VALUES(capabilities),
			registered_at = VALUES(registered_at),
			last_heartbeat = VALUES(last_heartbeat),
			ttl_seconds = VALUES(ttl_seconds)
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

func (s *MySQL) HeartbeatAgent(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?", formatTime(at), agentID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+" WHERE agent_id = ?", agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *MySQL) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
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

func (s *MySQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *MySQL) Close() error                   { return s.db.Close() }
