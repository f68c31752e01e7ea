package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/agentflow/graph/emit"
	"github.com/dshills/agentflow/llm"
	"github.com/dshills/agentflow/tool"
	"github.com/dshills/agentflow/workflow"
)

// maxToolRounds bounds the invoke → run tools → re-invoke loop so a model
// that keeps requesting tools cannot spin forever.
const maxToolRounds = 3

// NodeMetrics is what one node execution consumed.
type NodeMetrics struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

// nodeRun is the outcome of executing one node.
type nodeRun struct {
	delta       map[string]any
	metrics     NodeMetrics
	blockDeploy bool
}

// nodeExecutor runs a single node: resolve templates and tools, invoke the
// provider with tools bound before the structured type, retry on invalid
// output with a schema hint, validate, and evaluate node gates. Tool names
// resolve against the live registry on every run, so a tool registered after
// engine construction is visible to later runs.
type nodeExecutor struct {
	decl     *workflow.Declaration
	node     *workflow.NodeSpec
	output   *workflow.OutputModel
	provider llm.Provider
	model    string
	registry *tool.Registry
	emitter  emit.Emitter
}

func (x *nodeExecutor) run(ctx context.Context, runID string, step int, state workflow.State) (*nodeRun, error) {
	started := time.Now()
	result := &nodeRun{}

	inputs, err := x.resolveInputs(state)
	if err != nil {
		return nil, &NodeError{Code: CodeTemplate, NodeID: x.node.ID, Message: "resolve inputs", Cause: err}
	}
	prompt, err := workflow.Resolve(x.node.Prompt, inputs, state)
	if err != nil {
		return nil, &NodeError{Code: CodeTemplate, NodeID: x.node.ID, Message: "resolve prompt", Cause: err}
	}
	system := ""
	if x.node.System != "" {
		system, err = workflow.Resolve(x.node.System, inputs, state)
		if err != nil {
			return nil, &NodeError{Code: CodeTemplate, NodeID: x.node.ID, Message: "resolve system", Cause: err}
		}
	}

	tools, err := x.registry.Resolve(x.node.Tools)
	if err != nil {
		return nil, &NodeError{Code: CodeToolMissing, NodeID: x.node.ID, Message: "resolve tools", Cause: err}
	}

	ref := x.decl.LLMFor(x.node)
	req := llm.Request{
		Prompt:      prompt,
		System:      system,
		Temperature: ref.Temperature,
		MaxTokens:   ref.MaxTokens,
		Timeout:     x.callTimeout(ref),
	}
	// Tools bind before the structured type; providers preserve that order
	// on the wire.
	for _, t := range tools {
		req.Tools = append(req.Tools, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	req.StructuredType = x.output.StructuredType()

	delta, err := x.invokeWithRetry(ctx, runID, step, req, tools, &result.metrics)
	if err != nil {
		return nil, err
	}
	result.delta = delta
	result.metrics.Duration = time.Since(started)

	if err := x.evaluateGates(runID, step, result); err != nil {
		return nil, err
	}
	return result, nil
}

// resolveInputs materializes the node's input bindings against the current
// state. Binding values are templates themselves, so a node can rename or
// compose state fields for its prompt.
func (x *nodeExecutor) resolveInputs(state workflow.State) (map[string]any, error) {
	if len(x.node.Inputs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(x.node.Inputs))
	for name, template := range x.node.Inputs {
		resolved, err := workflow.Resolve(template, nil, state)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

// callTimeout resolves the per-call timeout: LLM ref, then node, then
// execution defaults.
func (x *nodeExecutor) callTimeout(ref workflow.LLMRef) time.Duration {
	if d := ref.Timeout(); d > 0 {
		return d
	}
	if d := x.node.Timeout(); d > 0 {
		return d
	}
	if x.decl.Config != nil && x.decl.Config.ExecutionDefaults != nil {
		secs := x.decl.Config.ExecutionDefaults.NodeTimeoutSeconds
		if secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

// invokeWithRetry drives the provider call loop: tool rounds inside each
// attempt, and validation-driven retries across attempts. Usage accumulates
// across every call so metrics reflect what was actually spent.
func (x *nodeExecutor) invokeWithRetry(ctx context.Context, runID string, step int, req llm.Request, tools []tool.Tool, m *NodeMetrics) (map[string]any, error) {
	attempts := 1 + x.decl.RetryFor(x.node)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			x.emitter.Emit(emit.Event{
				RunID: runID, Step: step, NodeID: x.node.ID, Msg: emit.MsgNodeRetry,
				Meta: map[string]any{"attempt": attempt, "error": lastErr.Error()},
			})
		}

		value, err := x.invokeOnce(ctx, req, tools, m)
		if err != nil {
			lastErr = err
			if !x.retryable(err) {
				return nil, x.wrapInvokeError(err)
			}
			if attempt < attempts {
				req = x.withSchemaHint(req)
				continue
			}
			return nil, &NodeError{
				Code:    CodeRetryExhausted,
				NodeID:  x.node.ID,
				Message: fmt.Sprintf("provider error persisted through %d attempt(s)", attempts),
				Cause:   err,
			}
		}

		delta, verr := x.output.Validate(value)
		if verr == nil {
			return delta, nil
		}
		lastErr = verr
		if attempt < attempts {
			// Tell the model exactly what shape was expected.
			req = x.withSchemaHint(req)
			continue
		}
	}
	return nil, &NodeError{
		Code:   CodeRetryExhausted,
		NodeID: x.node.ID,
		Message: fmt.Sprintf("output failed validation after %d attempt(s); expected %s",
			attempts, x.output.SchemaHint()),
		Cause: lastErr,
	}
}

// invokeOnce performs one model call plus any tool rounds it requests, and
// returns the value to validate: the structured value when present,
// otherwise the raw text.
func (x *nodeExecutor) invokeOnce(ctx context.Context, req llm.Request, tools []tool.Tool, m *NodeMetrics) (any, error) {
	current := req
	for round := 0; ; round++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if current.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, current.Timeout)
		}
		resp, err := x.provider.Invoke(callCtx, current)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return nil, err
		}
		m.InputTokens += resp.Usage.InputTokens
		m.OutputTokens += resp.Usage.OutputTokens
		m.CostUSD += resp.Usage.CostUSD

		if len(resp.ToolCalls) == 0 {
			if resp.Value != nil {
				return resp.Value, nil
			}
			return resp.Text, nil
		}
		if round >= maxToolRounds {
			return nil, &NodeError{
				Code: CodeToolFailure, NodeID: x.node.ID,
				Message: fmt.Sprintf("model requested tools beyond %d rounds", maxToolRounds),
			}
		}
		results, err := x.runTools(ctx, resp.ToolCalls, tools)
		if err != nil {
			return nil, err
		}
		current = x.withToolResults(current, results)
	}
}

// runTools executes requested tool calls in order and collects their
// results keyed by tool name.
func (x *nodeExecutor) runTools(ctx context.Context, calls []llm.ToolCall, tools []tool.Tool) ([]map[string]any, error) {
	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	results := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		t, ok := byName[call.Name]
		if !ok {
			return nil, &NodeError{
				Code: CodeToolMissing, NodeID: x.node.ID,
				Message: fmt.Sprintf("model requested unknown tool %q", call.Name),
			}
		}
		out, err := t.Call(ctx, call.Input)
		if err != nil {
			return nil, &NodeError{
				Code: CodeToolFailure, NodeID: x.node.ID,
				Message: fmt.Sprintf("tool %q", call.Name), Cause: err,
			}
		}
		results = append(results, map[string]any{"tool": call.Name, "result": out})
	}
	return results, nil
}

// withToolResults appends tool outputs to the prompt for the follow-up call.
func (x *nodeExecutor) withToolResults(req llm.Request, results []map[string]any) llm.Request {
	rendered, err := json.Marshal(results)
	if err != nil {
		rendered = []byte("[]")
	}
	req.Prompt = req.Prompt + "\n\nTool results:\n" + string(rendered) +
		"\n\nUse these results to produce your final answer."
	return req
}

// withSchemaHint appends the expected output shape to the system prompt for
// a retry after invalid output.
func (x *nodeExecutor) withSchemaHint(req llm.Request) llm.Request {
	hint := "Your previous response did not match the expected output schema. " +
		"Respond with a JSON object matching exactly: " + x.output.SchemaHint()
	if req.System == "" {
		req.System = hint
	} else {
		req.System = req.System + "\n\n" + hint
	}
	return req
}

// retryable reports whether an invoke failure is worth another attempt:
// invalid structured output always is, and transient provider errors are
// when the provider marked them retryable.
func (x *nodeExecutor) retryable(err error) bool {
	if llm.IsKind(err, llm.KindOutputInvalid) {
		return true
	}
	return llm.IsRetryable(err)
}

func (x *nodeExecutor) wrapInvokeError(err error) error {
	var ne *NodeError
	if errors.As(err, &ne) {
		return err
	}
	code := CodeLLM
	if llm.IsKind(err, llm.KindTimeout) {
		code = CodeNodeTimeout
	}
	return &NodeError{Code: code, NodeID: x.node.ID, Message: "provider call failed", Cause: err}
}

// evaluateGates applies the node's gates to its metrics. WARN emits an
// event, FAIL aborts the node, BLOCK_DEPLOY flags the run.
func (x *nodeExecutor) evaluateGates(runID string, step int, result *nodeRun) error {
	gates := x.decl.GatesFor(x.node.ID)
	if len(gates) == 0 {
		return nil
	}
	metrics := map[string]float64{
		"input_tokens":  float64(result.metrics.InputTokens),
		"output_tokens": float64(result.metrics.OutputTokens),
		"cost_usd":      result.metrics.CostUSD,
		"duration_ms":   float64(result.metrics.Duration.Milliseconds()),
	}
	for _, g := range gates {
		value, ok := metrics[g.Metric]
		if !ok {
			continue
		}
		if g.Holds(value) {
			continue
		}
		switch g.Action {
		case workflow.GateWarn:
			x.emitter.Emit(emit.Event{
				RunID: runID, Step: step, NodeID: x.node.ID, Msg: emit.MsgGateWarn,
				Meta: map[string]any{"metric": g.Metric, "threshold": g.Threshold, "value": value},
			})
		case workflow.GateBlockDeploy:
			result.blockDeploy = true
			x.emitter.Emit(emit.Event{
				RunID: runID, Step: step, NodeID: x.node.ID, Msg: emit.MsgGateBlock,
				Meta: map[string]any{"metric": g.Metric, "threshold": g.Threshold, "value": value},
			})
		case workflow.GateFail:
			return &NodeError{
				Code:   CodeGateFailed,
				NodeID: x.node.ID,
				Message: fmt.Sprintf("gate %s %s %v failed with value %v",
					g.Metric, g.Operator, g.Threshold, value),
			}
		}
	}
	return nil
}
