package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/agentflow/graph/emit"
	"github.com/dshills/agentflow/llm"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/tool"
	"github.com/dshills/agentflow/workflow"
	"github.com/google/uuid"
)

// ProviderFactory builds an LLM provider for a provider/model pair. The
// default is llm.New; tests inject mocks here.
type ProviderFactory func(provider, model string) (llm.Provider, error)

// Option configures an Engine.
type Option func(*Engine)

// WithRunStore persists run records to the given store. Without it the
// engine runs against an in-process memory store.
func WithRunStore(s store.RunStore) Option {
	return func(e *Engine) { e.runs = s }
}

// WithEmitter adds an event sink.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics records run and node metrics to Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithToolRegistry supplies the tools nodes may reference.
func WithToolRegistry(r *tool.Registry) Option {
	return func(e *Engine) { e.tools = r }
}

// WithProviderFactory overrides how providers are constructed.
func WithProviderFactory(f ProviderFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithCostTracker accumulates per-model usage across this engine's runs.
func WithCostTracker(t *CostTracker) Option {
	return func(e *Engine) { e.costs = t }
}

// Engine executes a compiled Plan: it walks nodes from START to END, merging
// each node's validated outputs into the run state, and records the run
// lifecycle in the run store.
type Engine struct {
	plan    *Plan
	runs    store.RunStore
	emitter emit.Emitter
	metrics *Metrics
	tools   *tool.Registry
	factory ProviderFactory
	costs   *CostTracker
	opts    []Option

	// executors are resolved once at construction so a bad provider fails
	// before any run starts. Tool names stay unresolved until a node
	// executes, so tools may be registered after construction.
	executors map[string]*nodeExecutor
	order     []string
}

// New compiles the declaration and resolves every node's provider up front.
// Tool names are looked up against the registry when the node executes.
func New(decl *workflow.Declaration, opts ...Option) (*Engine, error) {
	plan, err := Build(decl)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		plan:    plan,
		runs:    store.NewMemory(),
		emitter: emit.NewNull(),
		tools:   tool.NewRegistry(),
		factory: llm.New,
		opts:    opts,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.executors = make(map[string]*nodeExecutor, len(plan.Nodes()))
	for _, node := range plan.Nodes() {
		ref := decl.LLMFor(node)
		provider, err := e.factory(ref.Provider, ref.Model)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		e.executors[node.ID] = &nodeExecutor{
			decl:     decl,
			node:     node,
			output:   plan.OutputModel(node.ID),
			provider: provider,
			model:    ref.Model,
			registry: e.tools,
			emitter:  e.emitter,
		}
	}

	if !decl.FeatureConditionalEdges() {
		order, err := plan.LinearOrder()
		if err != nil {
			return nil, err
		}
		e.order = order
	}
	return e, nil
}

// Plan returns the compiled plan.
func (e *Engine) Plan() *Plan { return e.plan }

// Execute runs the workflow with the given inputs and returns the final run
// record. The returned record is also persisted; callers that only need the
// id can use record.RunID.
func (e *Engine) Execute(ctx context.Context, inputs map[string]any) (*store.RunRecord, error) {
	return e.execute(ctx, inputs, "")
}

// Restart re-executes a finished run from its stored configuration snapshot.
// The new run gets a fresh id and carries the original as its parent.
func (e *Engine) Restart(ctx context.Context, runID string) (*store.RunRecord, error) {
	prior, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EngineError{Code: CodeRunNotFound, Message: fmt.Sprintf("run %s not found", runID)}
		}
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, &EngineError{
			Code:    CodeRunActive,
			Message: fmt.Sprintf("run %s is %s; only finished runs can be restarted", runID, prior.Status),
		}
	}
	decl, err := workflow.Parse([]byte(prior.ConfigSnapshot))
	if err != nil {
		return nil, &EngineError{
			Code:    CodeSnapshotInvalid,
			Message: fmt.Sprintf("run %s has an unparseable config snapshot: %v", runID, err),
		}
	}
	// The snapshot may differ from the declaration this engine was built
	// with, so rebuild against the stored bytes.
	replay, err := New(decl, e.opts...)
	if err != nil {
		return nil, &EngineError{
			Code:    CodeSnapshotInvalid,
			Message: fmt.Sprintf("run %s config snapshot no longer builds: %v", runID, err),
		}
	}
	return replay.execute(ctx, prior.Inputs, prior.RunID)
}

func (e *Engine) execute(ctx context.Context, inputs map[string]any, parentRunID string) (*store.RunRecord, error) {
	record, err := e.createRecord(ctx, inputs, parentRunID)
	if err != nil {
		return nil, err
	}
	return record, e.resume(ctx, record, inputs)
}

// Begin creates the run record and returns its id immediately; the run
// continues in the background on the given context. The done channel yields
// the run's final error (nil on success) exactly once.
func (e *Engine) Begin(ctx context.Context, inputs map[string]any, parentRunID string) (string, <-chan error, error) {
	record, err := e.createRecord(ctx, inputs, parentRunID)
	if err != nil {
		return "", nil, err
	}
	done := make(chan error, 1)
	go func() { done <- e.resume(ctx, record, inputs) }()
	return record.RunID, done, nil
}

func (e *Engine) createRecord(ctx context.Context, inputs map[string]any, parentRunID string) (*store.RunRecord, error) {
	decl := e.plan.Decl()
	record := &store.RunRecord{
		RunID:          uuid.NewString(),
		WorkflowName:   decl.Flow.Name,
		Status:         store.StatusPending,
		StartedAt:      time.Now().UTC(),
		Inputs:         inputs,
		Outputs:        map[string]any{},
		ConfigSnapshot: string(decl.Raw),
		ParentRunID:    parentRunID,
	}
	if err := e.runs.CreateRun(ctx, record); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return record, nil
}

func (e *Engine) resume(ctx context.Context, record *store.RunRecord, inputs map[string]any) error {
	decl := e.plan.Decl()
	state, err := e.plan.StateModel().MakeState(inputs)
	if err != nil {
		return e.fail(ctx, record, 0, "", err)
	}

	if err := e.runs.UpdateStatus(ctx, record.RunID, store.StatusRunning, ""); err != nil {
		return err
	}
	record.Status = store.StatusRunning
	e.emitter.Emit(emit.Event{RunID: record.RunID, Msg: emit.MsgRunStart,
		Meta: map[string]any{"workflow": decl.Flow.Name}})
	if e.metrics != nil {
		e.metrics.RunsStarted.Inc()
	}

	totals := NodeMetrics{}
	blockDeploy := false
	current := workflow.StartNode
	maxSteps := len(e.plan.Nodes()) + 1
	if decl.FeatureConditionalEdges() {
		maxSteps = maxStepsConditional(decl)
	}

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, record, step)
		}
		if step > maxSteps {
			return e.fail(ctx, record, step, "", &EngineError{
				Code:    CodeMaxSteps,
				Message: fmt.Sprintf("run exceeded %d steps without reaching END", maxSteps),
			})
		}
		next, err := e.plan.NextNode(current, state)
		if err != nil {
			return e.fail(ctx, record, step, current, err)
		}
		if next == workflow.EndNode {
			break
		}

		x := e.executors[next]
		e.emitter.Emit(emit.Event{RunID: record.RunID, Step: step, NodeID: next, Msg: emit.MsgNodeStart})

		result, err := x.run(ctx, record.RunID, step, state)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, record, step)
			}
			e.emitter.Emit(emit.Event{RunID: record.RunID, Step: step, NodeID: next, Msg: emit.MsgNodeFailed,
				Meta: map[string]any{"error": err.Error()}})
			return e.fail(ctx, record, step, next, err)
		}

		for k, v := range result.delta {
			state[k] = v
			record.Outputs[k] = v
		}
		if err := e.runs.AppendOutputs(ctx, record.RunID, result.delta); err != nil {
			return e.fail(ctx, record, step, next, err)
		}
		if result.blockDeploy && !blockDeploy {
			blockDeploy = true
			if err := e.runs.MarkBlockDeploy(ctx, record.RunID); err != nil {
				return e.fail(ctx, record, step, next, err)
			}
			record.BlockDeploy = true
		}

		totals.InputTokens += result.metrics.InputTokens
		totals.OutputTokens += result.metrics.OutputTokens
		totals.CostUSD += result.metrics.CostUSD
		totals.Duration += result.metrics.Duration
		e.observeNode(decl.Flow.Name, next, result.metrics)
		if e.costs != nil {
			e.costs.Add(x.model, llm.Usage{
				InputTokens:  result.metrics.InputTokens,
				OutputTokens: result.metrics.OutputTokens,
				CostUSD:      result.metrics.CostUSD,
			})
		}

		e.emitter.Emit(emit.Event{RunID: record.RunID, Step: step, NodeID: next, Msg: emit.MsgNodeEnd,
			Meta: map[string]any{
				"input_tokens":  result.metrics.InputTokens,
				"output_tokens": result.metrics.OutputTokens,
				"cost_usd":      result.metrics.CostUSD,
				"duration_ms":   result.metrics.Duration.Milliseconds(),
			}})
		current = next
	}

	metrics := map[string]float64{
		"input_tokens":  float64(totals.InputTokens),
		"output_tokens": float64(totals.OutputTokens),
		"cost_usd":      totals.CostUSD,
		"duration_ms":   float64(totals.Duration.Milliseconds()),
	}
	if err := e.runGates(ctx, record, metrics, &blockDeploy); err != nil {
		return e.fail(ctx, record, 0, "", err)
	}

	duration := time.Since(record.StartedAt)
	if err := e.runs.UpdateCompletion(ctx, record.RunID, record.Outputs, metrics, duration, totals.CostUSD); err != nil {
		return err
	}
	if err := e.runs.UpdateStatus(ctx, record.RunID, store.StatusCompleted, ""); err != nil {
		return err
	}
	record.Status = store.StatusCompleted
	record.DurationSeconds = duration.Seconds()
	record.CostUSD = totals.CostUSD
	record.Metrics = metrics
	record.BlockDeploy = blockDeploy

	e.emitter.Emit(emit.Event{RunID: record.RunID, Msg: emit.MsgRunComplete,
		Meta: map[string]any{"cost_usd": totals.CostUSD, "duration_ms": totals.Duration.Milliseconds()}})
	if e.metrics != nil {
		e.metrics.RunsCompleted.Inc()
	}
	return nil
}

// runGates evaluates the run-level gates (empty node id) against the run's
// aggregate metrics.
func (e *Engine) runGates(ctx context.Context, record *store.RunRecord, metrics map[string]float64, blockDeploy *bool) error {
	for _, g := range e.plan.Decl().GatesFor("") {
		value, ok := metrics[g.Metric]
		if !ok {
			continue
		}
		if g.Holds(value) {
			continue
		}
		switch g.Action {
		case workflow.GateWarn:
			e.emitter.Emit(emit.Event{RunID: record.RunID, Msg: emit.MsgGateWarn,
				Meta: map[string]any{"metric": g.Metric, "threshold": g.Threshold, "value": value}})
		case workflow.GateBlockDeploy:
			if !*blockDeploy {
				*blockDeploy = true
				if err := e.runs.MarkBlockDeploy(ctx, record.RunID); err != nil {
					return err
				}
				record.BlockDeploy = true
			}
			e.emitter.Emit(emit.Event{RunID: record.RunID, Msg: emit.MsgGateBlock,
				Meta: map[string]any{"metric": g.Metric, "threshold": g.Threshold, "value": value}})
		case workflow.GateFail:
			return &EngineError{
				Code: CodeGateFailed,
				Message: fmt.Sprintf("run gate %s %s %v failed with value %v",
					g.Metric, g.Operator, g.Threshold, value),
			}
		}
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, record *store.RunRecord, step int, nodeID string, cause error) error {
	// The record may still be pending when state construction failed.
	if record.Status == store.StatusPending {
		if err := e.runs.UpdateStatus(ctx, record.RunID, store.StatusRunning, ""); err == nil {
			record.Status = store.StatusRunning
		}
	}
	if err := e.runs.UpdateStatus(ctx, record.RunID, store.StatusFailed, cause.Error()); err == nil {
		record.Status = store.StatusFailed
		record.Error = cause.Error()
	}
	e.emitter.Emit(emit.Event{RunID: record.RunID, Step: step, NodeID: nodeID, Msg: emit.MsgRunFailed,
		Meta: map[string]any{"error": cause.Error()}})
	if e.metrics != nil {
		e.metrics.RunsFailed.Inc()
	}
	return cause
}

func (e *Engine) cancel(ctx context.Context, record *store.RunRecord, step int) error {
	// Use a detached context so the cancellation still persists.
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runs.UpdateStatus(bg, record.RunID, store.StatusCancelled, "cancelled"); err == nil {
		record.Status = store.StatusCancelled
		record.Error = "cancelled"
	}
	e.emitter.Emit(emit.Event{RunID: record.RunID, Step: step, Msg: emit.MsgRunCancelled})
	if e.metrics != nil {
		e.metrics.RunsCancelled.Inc()
	}
	return &EngineError{Code: CodeCancelled, Message: fmt.Sprintf("run %s cancelled", record.RunID)}
}

func (e *Engine) observeNode(workflowName, nodeID string, m NodeMetrics) {
	if e.metrics == nil {
		return
	}
	e.metrics.NodeDuration.WithLabelValues(workflowName, nodeID).Observe(m.Duration.Seconds())
	e.metrics.Tokens.WithLabelValues("input").Add(float64(m.InputTokens))
	e.metrics.Tokens.WithLabelValues("output").Add(float64(m.OutputTokens))
	e.metrics.CostUSD.Add(m.CostUSD)
}

// maxStepsConditional bounds conditional graphs: each node may be visited a
// bounded number of times before the run is declared stuck.
func maxStepsConditional(decl *workflow.Declaration) int {
	const revisits = 25
	return len(decl.Nodes)*revisits + 1
}
