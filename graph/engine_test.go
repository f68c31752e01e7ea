package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/agentflow/llm"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/workflow"
)

func declFrom(t *testing.T, src string) *workflow.Declaration {
	t.Helper()
	decl, err := workflow.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return decl
}

// mockFactory hands the same scripted provider to every node.
func mockFactory(m *llm.Mock) ProviderFactory {
	return func(provider, model string) (llm.Provider, error) { return m, nil }
}

const echoYAML = `
schema_version: "1.0"
flow: {name: echo_flow}
state:
  fields:
    message: {type: str, required: true}
    reply: {type: str}
nodes:
  - id: echo
    prompt: "{message}"
    outputs: [reply]
    output_schema: {reply: str}
edges:
  - {from: START, to: echo}
  - {from: echo, to: END}
`

func TestExecuteEchoFlow(t *testing.T) {
	eng, err := New(declFrom(t, echoYAML))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"message": "hello world"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if record.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", record.Status)
	}
	reply, ok := record.Outputs["reply"].(string)
	if !ok || !strings.Contains(reply, "hello world") {
		t.Errorf("reply = %v, want echo of the input", record.Outputs["reply"])
	}
	if record.RunID == "" {
		t.Error("expected a run id")
	}
}

const pipelineYAML = `
schema_version: "1.0"
flow: {name: pipeline}
state:
  fields:
    topic: {type: str, required: true}
    research: {type: str}
    article: {type: str}
nodes:
  - id: research
    prompt: "Research {topic}"
    outputs: [research]
    output_schema: {research: str}
  - id: write
    prompt: "Write an article from {research}"
    outputs: [article]
    output_schema: {article: str}
edges:
  - {from: START, to: research}
  - {from: research, to: write}
  - {from: write, to: END}
`

func TestExecuteTwoNodePipeline(t *testing.T) {
	mock := llm.NewMock(
		llm.MockResponse{Value: map[string]any{"research": "facts about topic"},
			Usage: llm.Usage{InputTokens: 10, OutputTokens: 20, CostUSD: 0.001}},
		llm.MockResponse{Value: map[string]any{"article": "final article"},
			Usage: llm.Usage{InputTokens: 30, OutputTokens: 40, CostUSD: 0.002}},
	)
	mem := store.NewMemory()
	costs := NewCostTracker()
	eng, err := New(declFrom(t, pipelineYAML),
		WithRunStore(mem),
		WithProviderFactory(mockFactory(mock)),
		WithCostTracker(costs),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	record, err := eng.Execute(context.Background(), map[string]any{"topic": "go generics"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if record.Outputs["article"] != "final article" {
		t.Errorf("article = %v", record.Outputs["article"])
	}
	if record.Outputs["research"] != "facts about topic" {
		t.Errorf("research = %v", record.Outputs["research"])
	}

	// The second node's prompt sees the first node's output.
	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "facts about topic") {
		t.Errorf("second prompt = %q, want the first node's output interpolated", calls[1].Prompt)
	}

	persisted, err := mem.GetRun(context.Background(), record.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if persisted.Status != store.StatusCompleted {
		t.Errorf("persisted status = %s", persisted.Status)
	}
	if persisted.CostUSD != 0.003 {
		t.Errorf("persisted cost = %v, want 0.003", persisted.CostUSD)
	}
	if persisted.Metrics["input_tokens"] != 40 {
		t.Errorf("input_tokens = %v, want 40", persisted.Metrics["input_tokens"])
	}
	if got := costs.Total(); got.Calls != 2 || got.CostUSD != 0.003 {
		t.Errorf("cost tracker total = %+v", got)
	}
}

const retryYAML = `
schema_version: "1.0"
flow: {name: scorer}
state:
  fields:
    text: {type: str, required: true}
    score: {type: int}
nodes:
  - id: score
    prompt: "Score {text}"
    outputs: [score]
    output_schema: {score: int}
    retry: 2
edges:
  - {from: START, to: score}
  - {from: score, to: END}
`

func TestExecuteRetriesInvalidOutputWithSchemaHint(t *testing.T) {
	// First answer is a bare string where an int is required; the retry
	// produces a valid structured value.
	mock := llm.NewMock(
		llm.MockResponse{Text: "85"},
		llm.MockResponse{Value: map[string]any{"score": 85}},
	)
	eng, err := New(declFrom(t, retryYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "an essay"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if record.Outputs["score"] != 85 {
		t.Errorf("score = %v (%T), want 85", record.Outputs["score"], record.Outputs["score"])
	}

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if !strings.Contains(calls[1].System, "did not match the expected output schema") {
		t.Errorf("retry system = %q, want a schema hint", calls[1].System)
	}
	if calls[1].StructuredType == nil {
		t.Error("retry request lost its structured type")
	}
}

func TestExecuteRetryExhaustion(t *testing.T) {
	mock := llm.NewMock(llm.MockResponse{Text: "not a number"})
	eng, err := New(declFrom(t, retryYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "an essay"})
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Code != CodeRetryExhausted {
		t.Fatalf("error = %v, want NodeError RETRY_EXHAUSTED", err)
	}
	if ne.NodeID != "score" {
		t.Errorf("node id = %q", ne.NodeID)
	}
	if mock.CallCount() != 3 {
		t.Errorf("call count = %d, want 3 (1 + retry 2)", mock.CallCount())
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", record.Status)
	}
}

func TestExecuteRetriesTransientProviderErrors(t *testing.T) {
	mock := llm.NewMock(
		llm.MockResponse{Err: &llm.Error{Kind: llm.KindRateLimited, Provider: "mock", Message: "429", Retryable: true}},
		llm.MockResponse{Value: map[string]any{"score": 7}},
	)
	eng, err := New(declFrom(t, retryYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "x"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if record.Outputs["score"] != 7 {
		t.Errorf("score = %v", record.Outputs["score"])
	}
}

func TestExecutePersistentProviderErrorExhaustsRetries(t *testing.T) {
	// Mock repeats its last response, so every attempt is rate limited.
	mock := llm.NewMock(
		llm.MockResponse{Err: &llm.Error{Kind: llm.KindRateLimited, Provider: "mock", Message: "429", Retryable: true}},
	)
	eng, err := New(declFrom(t, retryYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "x"})
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Code != CodeRetryExhausted {
		t.Fatalf("error = %v, want NodeError RETRY_EXHAUSTED", err)
	}
	var pe *llm.Error
	if !errors.As(err, &pe) || pe.Kind != llm.KindRateLimited {
		t.Errorf("cause = %v, want the rate-limit error preserved", ne.Cause)
	}
	if mock.CallCount() != 3 {
		t.Errorf("call count = %d, want 3 (1 + retry 2)", mock.CallCount())
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", record.Status)
	}
}

func TestExecuteFatalProviderErrorDoesNotRetry(t *testing.T) {
	mock := llm.NewMock(
		llm.MockResponse{Err: &llm.Error{Kind: llm.KindAuth, Provider: "mock", Message: "bad key"}},
	)
	eng, err := New(declFrom(t, retryYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = eng.Execute(context.Background(), map[string]any{"text": "x"})
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Code != CodeLLM {
		t.Fatalf("error = %v, want NodeError LLM_CALL", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("call count = %d, want 1", mock.CallCount())
	}
}

func TestExecuteMissingRequiredInput(t *testing.T) {
	eng, err := New(declFrom(t, echoYAML))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected failure for missing required input")
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", record.Status)
	}
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := llm.NewMock(
		llm.MockResponse{Value: map[string]any{"research": "partial"}},
	)
	mem := store.NewMemory()
	eng, err := New(declFrom(t, pipelineYAML),
		WithRunStore(mem),
		WithProviderFactory(func(provider, model string) (llm.Provider, error) {
			return providerFunc(func(c context.Context, req llm.Request) (*llm.Response, error) {
				// Cancel mid-run after the first node completes.
				resp, err := mock.Invoke(c, req)
				cancel()
				return resp, err
			}), nil
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(ctx, map[string]any{"topic": "x"})
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != CodeCancelled {
		t.Fatalf("error = %v, want EngineError CANCELLED", err)
	}
	persisted, err := mem.GetRun(context.Background(), record.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if persisted.Status != store.StatusCancelled {
		t.Errorf("persisted status = %s, want cancelled", persisted.Status)
	}
	// The first node's output was persisted before the cancel.
	if persisted.Outputs["research"] != "partial" {
		t.Errorf("outputs = %v, want partial research kept", persisted.Outputs)
	}
}

type providerFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (providerFunc) Name() string { return "func" }
func (f providerFunc) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

func TestRestart(t *testing.T) {
	mem := store.NewMemory()
	eng, err := New(declFrom(t, echoYAML), WithRunStore(mem))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first, err := eng.Execute(context.Background(), map[string]any{"message": "again"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	second, err := eng.Restart(context.Background(), first.RunID)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if second.RunID == first.RunID {
		t.Error("restart reused the original run id")
	}
	if second.ParentRunID != first.RunID {
		t.Errorf("parent = %q, want %q", second.ParentRunID, first.RunID)
	}
	if second.Status != store.StatusCompleted {
		t.Errorf("status = %s", second.Status)
	}
	reply, _ := second.Outputs["reply"].(string)
	if !strings.Contains(reply, "again") {
		t.Errorf("restarted reply = %q", reply)
	}

	t.Run("unknown run", func(t *testing.T) {
		_, err := eng.Restart(context.Background(), "no-such-run")
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != CodeRunNotFound {
			t.Errorf("error = %v, want RUN_NOT_FOUND", err)
		}
	})

	t.Run("active run", func(t *testing.T) {
		active := &store.RunRecord{
			RunID: "active-1", WorkflowName: "echo_flow",
			Status: store.StatusPending, StartedAt: first.StartedAt,
			ConfigSnapshot: first.ConfigSnapshot,
		}
		if err := mem.CreateRun(context.Background(), active); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		_, err := eng.Restart(context.Background(), "active-1")
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != CodeRunActive {
			t.Errorf("error = %v, want RUN_ACTIVE", err)
		}
	})

	t.Run("corrupt snapshot", func(t *testing.T) {
		done := first.CompletedAt
		bad := &store.RunRecord{
			RunID: "bad-1", WorkflowName: "echo_flow",
			Status: store.StatusFailed, StartedAt: first.StartedAt, CompletedAt: done,
			ConfigSnapshot: "{not yaml: [",
		}
		if err := mem.CreateRun(context.Background(), bad); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		_, err := eng.Restart(context.Background(), "bad-1")
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != CodeSnapshotInvalid {
			t.Errorf("error = %v, want SNAPSHOT_INVALID", err)
		}
	})
}

const gateYAML = `
schema_version: "1.0"
flow: {name: gated}
state:
  fields:
    text: {type: str, required: true}
    summary: {type: str}
nodes:
  - id: summarize
    prompt: "Summarize {text}"
    outputs: [summary]
    output_schema: {summary: str}
edges:
  - {from: START, to: summarize}
  - {from: summarize, to: END}
optimization:
  gates:
    - {metric: cost_usd, operator: lte, threshold: 0.01, action: FAIL}
`

func TestRunGateFail(t *testing.T) {
	mock := llm.NewMock(llm.MockResponse{
		Value: map[string]any{"summary": "short"},
		Usage: llm.Usage{InputTokens: 5, OutputTokens: 5, CostUSD: 0.5},
	})
	eng, err := New(declFrom(t, gateYAML), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "long text"})
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != CodeGateFailed {
		t.Fatalf("error = %v, want GATE_FAILED", err)
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s", record.Status)
	}
}

func TestRunGateBlockDeploy(t *testing.T) {
	src := strings.Replace(gateYAML, "action: FAIL", "action: BLOCK_DEPLOY", 1)
	mock := llm.NewMock(llm.MockResponse{
		Value: map[string]any{"summary": "short"},
		Usage: llm.Usage{CostUSD: 0.5},
	})
	mem := store.NewMemory()
	eng, err := New(declFrom(t, src), WithRunStore(mem), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"text": "x"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !record.BlockDeploy {
		t.Error("expected block-deploy flag")
	}
	if record.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed despite the block flag", record.Status)
	}
	persisted, _ := mem.GetRun(context.Background(), record.RunID)
	if persisted == nil || !persisted.BlockDeploy {
		t.Error("block-deploy flag not persisted")
	}
}

func TestToolsBindBeforeStructuredType(t *testing.T) {
	src := strings.Replace(echoYAML, "outputs: [reply]", "tools: [lookup]\n    outputs: [reply]", 1)
	decl := declFrom(t, src)

	mock := llm.NewMock(llm.MockResponse{Value: map[string]any{"reply": "done"}})
	reg := newTestRegistry(t, "lookup")
	eng, err := New(decl, WithToolRegistry(reg), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := eng.Execute(context.Background(), map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if len(calls[0].Tools) != 1 || calls[0].Tools[0].Name != "lookup" {
		t.Errorf("tools = %+v, want the registered tool offered", calls[0].Tools)
	}
	if calls[0].StructuredType == nil {
		t.Error("structured type missing from the same request as the tools")
	}
}

func TestToolRoundTrip(t *testing.T) {
	mock := llm.NewMock(
		llm.MockResponse{ToolCalls: []llm.ToolCall{{Name: "lookup", Input: map[string]any{"q": "weather"}}}},
		llm.MockResponse{Value: map[string]any{"reply": "sunny"}},
	)
	src := strings.Replace(echoYAML, "outputs: [reply]", "tools: [lookup]\n    outputs: [reply]", 1)
	reg := newTestRegistry(t, "lookup")
	eng, err := New(declFrom(t, src), WithToolRegistry(reg), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	record, err := eng.Execute(context.Background(), map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if record.Outputs["reply"] != "sunny" {
		t.Errorf("reply = %v", record.Outputs["reply"])
	}
	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2 (tool round then final)", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "Tool results") {
		t.Errorf("follow-up prompt = %q, want tool results appended", calls[1].Prompt)
	}
}

func TestUnknownToolFailsAtExecutionNotConstruction(t *testing.T) {
	src := strings.Replace(echoYAML, "outputs: [reply]", "tools: [later]\n    outputs: [reply]", 1)
	mock := llm.NewMock(llm.MockResponse{Value: map[string]any{"reply": "hi"}})
	reg := newTestRegistry(t)
	eng, err := New(declFrom(t, src), WithToolRegistry(reg), WithProviderFactory(mockFactory(mock)))
	if err != nil {
		t.Fatalf("New failed with an unregistered tool name: %v", err)
	}

	record, err := eng.Execute(context.Background(), map[string]any{"message": "hi"})
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Code != CodeToolMissing {
		t.Fatalf("error = %v, want NodeError TOOL_MISSING", err)
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", record.Status)
	}
	if mock.CallCount() != 0 {
		t.Errorf("provider called %d time(s) before tools resolved", mock.CallCount())
	}

	// Registering the tool afterwards makes the same engine runnable.
	registerTestTool(t, reg, "later")
	record, err = eng.Execute(context.Background(), map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Execute after registration failed: %v", err)
	}
	if record.Outputs["reply"] != "hi" {
		t.Errorf("reply = %v", record.Outputs["reply"])
	}
	calls := mock.Calls()
	if len(calls) != 1 || len(calls[0].Tools) != 1 || calls[0].Tools[0].Name != "later" {
		t.Errorf("calls = %+v, want one call offering the late-registered tool", calls)
	}
}
