package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Used by tests and by installs that don't
// need history to survive a restart.
type Memory struct {
	mu     sync.RWMutex
	runs   map[string]*RunRecord
	agents map[string]*AgentRecord
	order  []string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*RunRecord),
		agents: make(map[string]*AgentRecord),
	}
}

func (m *Memory) CreateRun(_ context.Context, r *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.RunID]; exists {
		return fmt.Errorf("run %s already exists", r.RunID)
	}
	m.runs[r.RunID] = cloneRun(r)
	m.order = append(m.order, r.RunID)
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(r.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s for run %s", r.Status, status, id)
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

func (m *Memory) AppendOutputs(_ context.Context, id string, partial map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Outputs == nil {
		r.Outputs = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		r.Outputs[k] = v
	}
	return nil
}

func (m *Memory) UpdateCompletion(_ context.Context, id string, outputs map[string]any, metrics map[string]float64, duration time.Duration, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if outputs != nil {
		r.Outputs = copyAnyMap(outputs)
	}
	if metrics != nil {
		r.Metrics = copyFloatMap(metrics)
	}
	r.DurationSeconds = duration.Seconds()
	r.CostUSD = cost
	return nil
}

func (m *Memory) MarkBlockDeploy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.BlockDeploy = true
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *Memory) ListRuns(_ context.Context, f Filter) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RunRecord, 0, len(m.order))
	// Newest first: reverse insertion order.
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if !f.Matches(r) {
			continue
		}
		out = append(out, cloneRun(r))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListRunsByAgent(_ context.Context, agentID string) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if r.AgentID == agentID {
			out = append(out, cloneRun(r))
		}
	}
	return out, nil
}

func (m *Memory) UpsertAgent(_ context.Context, a *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.AgentID] = cloneAgent(a)
	return nil
}

func (m *Memory) HeartbeatAgent(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeat = at
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.agents, agentID)
	return nil
}

func (m *Memory) GetAgent(_ context.Context, agentID string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func cloneRun(r *RunRecord) *RunRecord {
	out := *r
	out.Inputs = copyAnyMap(r.Inputs)
	out.Outputs = copyAnyMap(r.Outputs)
	out.Metrics = copyFloatMap(r.Metrics)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneAgent(a *AgentRecord) *AgentRecord {
	out := *a
	out.Metadata = copyAnyMap(a.Metadata)
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return &out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
