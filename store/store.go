// Package store persists run history and agent registrations. It is the only
// shared mutable state between the dashboard, the webhook dispatcher, the
// orchestrator, and the CLI, so every write is per-call atomic.
//
// Three backends ship: an in-process memory store for tests and ephemeral
// runs, an embedded SQLite file for single-node installs, and an external
// MySQL database for multi-process installs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a run or agent id does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition reports whether from→to is a legal status move. Transitions
// are monotonic except pending→cancelled.
func ValidTransition(from, to RunStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// RunRecord is the persisted history of one workflow run. ConfigSnapshot
// captures the exact declaration bytes so a run can be restarted
// deterministically; the restarted run carries ParentRunID.
type RunRecord struct {
	RunID           string
	WorkflowName    string
	Status          RunStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	Inputs          map[string]any
	Outputs         map[string]any
	ConfigSnapshot  string
	AgentID         string
	ParentRunID     string
	DurationSeconds float64
	CostUSD         float64
	Error           string
	Metrics         map[string]float64
	BlockDeploy     bool
}

// AgentRecord is a registered remote agent. Liveness is derived at read time
// from LastHeartbeat; stale records are reported unavailable, never swept.
type AgentRecord struct {
	AgentID       string
	Name          string
	URL           string
	Metadata      map[string]any
	Capabilities  []string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	TTLSeconds    int
}

// Alive reports whether the agent's heartbeat is within its TTL at the given
// instant.
func (a *AgentRecord) Alive(now time.Time) bool {
	ttl := time.Duration(a.TTLSeconds) * time.Second
	return now.Sub(a.LastHeartbeat) <= ttl
}

// Filter narrows ListRuns. Zero values mean "no constraint".
type Filter struct {
	Status   RunStatus
	Workflow string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Matches reports whether a record satisfies the filter, excluding Limit.
func (f Filter) Matches(r *RunRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Workflow != "" && r.WorkflowName != f.Workflow {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.StartedAt.After(f.Until) {
		return false
	}
	return true
}

// RunStore is the run repository. Lists return newest first.
type RunStore interface {
	CreateRun(ctx context.Context, r *RunRecord) error
	// UpdateStatus moves a run through its lifecycle, enforcing
	// ValidTransition. Terminal statuses set completed_at.
	UpdateStatus(ctx context.Context, id string, status RunStatus, errMsg string) error
	// AppendOutputs merges a partial output map into the run's outputs.
	AppendOutputs(ctx context.Context, id string, partial map[string]any) error
	// UpdateCompletion records the final outputs, metrics, duration, and cost.
	UpdateCompletion(ctx context.Context, id string, outputs map[string]any, metrics map[string]float64, duration time.Duration, cost float64) error
	// MarkBlockDeploy sets the run's block-deploy flag.
	MarkBlockDeploy(ctx context.Context, id string) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, f Filter) ([]*RunRecord, error)
	ListRunsByAgent(ctx context.Context, agentID string) ([]*RunRecord, error)
}

// AgentStore is the agent registry's persistence.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *AgentRecord) error
	// HeartbeatAgent updates last_heartbeat only; it never creates records.
	HeartbeatAgent(ctx context.Context, agentID string, at time.Time) error
	DeleteAgent(ctx context.Context, agentID string) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
}

// Store combines both repositories with lifecycle hooks.
type Store interface {
	RunStore
	AgentStore
	Ping(ctx context.Context) error
	Close() error
}

// DefaultDSN is the embedded database used when nothing is configured.
const DefaultDSN = "sqlite://configurable_agents.db"

// Open builds a Store from a URI: "sqlite://file.db", "mysql://user:pass@
// host:port/db", or "memory://" for the in-process store.
func Open(uri string) (Store, error) {
	if uri == "" {
		uri = DefaultDSN
	}
	switch {
	case uri == "memory://" || uri == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			path = "configurable_agents.db"
		}
		return NewSQLite(path)
	case strings.HasPrefix(uri, "mysql://"):
		return NewMySQL(strings.TrimPrefix(uri, "mysql://"))
	default:
		return nil, fmt.Errorf("unsupported database URI %q (supported: sqlite://, mysql://, memory://)", uri)
	}
}
