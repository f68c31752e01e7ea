// Package agents manages remote workflow agents: a TTL-based registry over
// the agent store, an HTTP client with retry for the agent protocol, an
// orchestrator that unifies remote execution into the local run history, and
// the agent-side server.
package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/agentflow/flowerr"
	"github.com/dshills/agentflow/store"
)

// ErrExists is returned by Register when the agent id is already registered.
var ErrExists = errors.New("agent already registered")

// AgentStatus is an agent record with its liveness derived at read time.
type AgentStatus struct {
	store.AgentRecord
	Alive bool
}

// DefaultTTLSeconds applies when a registration does not set a TTL.
// Heartbeat interval convention is ttl/3.
const DefaultTTLSeconds = 60

// Registry tracks remote agents. Liveness is always computed from
// last_heartbeat at read time; stale records stay queryable as unavailable
// and are never swept.
type Registry struct {
	agents store.AgentStore
	probe  *http.Client
	now    func() time.Time
}

// NewRegistry builds a registry over the given agent store.
func NewRegistry(agents store.AgentStore) *Registry {
	return &Registry{
		agents: agents,
		probe:  &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
}

// WithClock overrides the registry's time source. Tests use this to walk
// liveness across TTL boundaries.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register upserts an agent record, stamping registered_at and
// last_heartbeat. When requireNew is set an existing id is an error (the
// dashboard's 409 path).
func (r *Registry) Register(ctx context.Context, rec *store.AgentRecord, requireNew bool) error {
	if rec.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if rec.URL == "" {
		return fmt.Errorf("agent url is required")
	}
	if requireNew {
		if _, err := r.agents.GetAgent(ctx, rec.AgentID); err == nil {
			return ErrExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if rec.TTLSeconds <= 0 {
		rec.TTLSeconds = DefaultTTLSeconds
	}
	now := r.now().UTC()
	rec.RegisteredAt = now
	rec.LastHeartbeat = now
	return r.agents.UpsertAgent(ctx, rec)
}

// Heartbeat refreshes an agent's last_heartbeat. It never creates records.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.agents.HeartbeatAgent(ctx, agentID, r.now().UTC())
}

// Deregister removes the agent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	return r.agents.DeleteAgent(ctx, agentID)
}

// Get returns one agent with derived liveness.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentStatus, error) {
	rec, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &AgentStatus{AgentRecord: *rec, Alive: rec.Alive(r.now().UTC())}, nil
}

// List returns every agent with liveness derived against a single instant,
// so one response is internally consistent.
func (r *Registry) List(ctx context.Context) ([]*AgentStatus, error) {
	recs, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	out := make([]*AgentStatus, len(recs))
	for i, rec := range recs {
		out[i] = &AgentStatus{AgentRecord: *rec, Alive: rec.Alive(now)}
	}
	return out, nil
}

// HealthProbe issues a best-effort GET {url}/health against a registered
// agent. It never touches last_heartbeat; probing is observation, not
// liveness.
func (r *Registry) HealthProbe(ctx context.Context, agentID string) error {
	rec, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return r.ProbeURL(ctx, rec.URL)
}

// ProbeURL checks an agent URL's health endpoint directly, registered or not.
// Registration uses this to reject unreachable agents up front.
func (r *Registry) ProbeURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		return flowerr.Wrap(flowerr.AgentUnreachable, fmt.Sprintf("agent at %s", url), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return flowerr.New(flowerr.AgentUnreachable,
			fmt.Sprintf("agent at %s health returned %d", url, resp.StatusCode))
	}
	return nil
}
