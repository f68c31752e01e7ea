package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/agentflow/flowerr"
	"github.com/dshills/agentflow/store"
	"github.com/google/uuid"
)

// Orchestrator drives workflow execution on remote agents. Every remote
// execution creates a local RunRecord stamped with the agent id, so local
// and remote history read the same.
type Orchestrator struct {
	registry *Registry
	runs     store.RunStore
	client   *Client
}

// NewOrchestrator wires the registry, the run repository, and the protocol
// client together.
func NewOrchestrator(registry *Registry, runs store.RunStore, client *Client) *Orchestrator {
	if client == nil {
		client = NewClient(nil)
	}
	return &Orchestrator{registry: registry, runs: runs, client: client}
}

// FetchSchema asks the agent for its expected-inputs descriptor.
func (o *Orchestrator) FetchSchema(ctx context.Context, agentID string) (*SchemaDoc, error) {
	rec, err := o.registry.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return o.client.Schema(ctx, rec.URL)
}

// ExecuteOn runs a workflow on the agent and records the outcome locally.
// The returned record reflects the remote result: completed with outputs on
// success, failed with the classified error otherwise.
func (o *Orchestrator) ExecuteOn(ctx context.Context, agentID string, inputs map[string]any) (*store.RunRecord, error) {
	agent, err := o.registry.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	record := &store.RunRecord{
		RunID:        uuid.NewString(),
		WorkflowName: agent.Name,
		Status:       store.StatusPending,
		StartedAt:    time.Now().UTC(),
		Inputs:       inputs,
		Outputs:      map[string]any{},
		AgentID:      agentID,
	}
	if err := o.runs.CreateRun(ctx, record); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := o.runs.UpdateStatus(ctx, record.RunID, store.StatusRunning, ""); err != nil {
		return record, err
	}
	record.Status = store.StatusRunning

	result, runErr := o.client.Run(ctx, agent.URL, inputs)
	if runErr != nil {
		msg := runErr.Error()
		if flowerr.Classify(runErr) == flowerr.AgentUnreachable {
			msg = fmt.Sprintf("AgentUnreachable: %v", runErr)
		}
		if err := o.runs.UpdateStatus(ctx, record.RunID, store.StatusFailed, msg); err == nil {
			record.Status = store.StatusFailed
			record.Error = msg
		}
		return record, runErr
	}

	if result.Outputs != nil {
		record.Outputs = result.Outputs
		if err := o.runs.AppendOutputs(ctx, record.RunID, result.Outputs); err != nil {
			return record, err
		}
	}
	metrics := map[string]float64{
		"duration_seconds": result.DurationSeconds,
		"cost_usd":         result.CostUSD,
	}
	duration := time.Duration(result.DurationSeconds * float64(time.Second))
	if err := o.runs.UpdateCompletion(ctx, record.RunID, record.Outputs, metrics, duration, result.CostUSD); err != nil {
		return record, err
	}

	final := store.StatusCompleted
	errMsg := ""
	if result.Status == string(store.StatusFailed) {
		final = store.StatusFailed
		errMsg = result.Error
		if errMsg == "" {
			errMsg = "remote run failed"
		}
	}
	if err := o.runs.UpdateStatus(ctx, record.RunID, final, errMsg); err != nil {
		return record, err
	}
	record.Status = final
	record.Error = errMsg
	record.DurationSeconds = result.DurationSeconds
	record.CostUSD = result.CostUSD
	record.Metrics = metrics
	return record, nil
}
