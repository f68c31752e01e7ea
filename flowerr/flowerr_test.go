package flowerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/llm"
	"github.com/dshills/agentflow/optimize"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/workflow"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation error", &workflow.ValidationError{Path: "nodes[0].id", Message: "bad"}, ConfigValidation},
		{"struct error", &workflow.StructError{Errors: []workflow.FieldError{{Path: "flow", Expected: "mapping", Got: "string"}}}, ConfigParse},
		{"type error", &workflow.TypeError{Path: "score", Expected: "int", Got: "str"}, TypeValidation},
		{"template error", &workflow.TemplateError{Placeholder: "missing"}, TemplateResolution},
		{"llm timeout", &llm.Error{Kind: llm.KindTimeout, Message: "deadline"}, LLMTimeout},
		{"llm rate limited", &llm.Error{Kind: llm.KindRateLimited}, LLMRateLimited},
		{"llm auth", &llm.Error{Kind: llm.KindAuth}, LLMAuth},
		{"llm provider", &llm.Error{Kind: llm.KindProvider}, LLMProvider},
		{"node tool missing", &graph.NodeError{Code: graph.CodeToolMissing, NodeID: "n"}, ToolMissing},
		{"node retry exhausted", &graph.NodeError{Code: graph.CodeRetryExhausted, NodeID: "n"}, NodeRetryExhausted},
		{"node timeout", &graph.NodeError{Code: graph.CodeNodeTimeout, NodeID: "n"}, NodeTimeout},
		{"node llm cause", &graph.NodeError{Code: graph.CodeLLM, NodeID: "n",
			Cause: &llm.Error{Kind: llm.KindAuth}}, LLMAuth},
		{"engine gate", &graph.EngineError{Code: graph.CodeGateFailed}, GateFailed},
		{"engine run not found", &graph.EngineError{Code: graph.CodeRunNotFound}, NotFound},
		{"store not found", fmt.Errorf("get run: %w", store.ErrNotFound), NotFound},
		{"experiment store down", fmt.Errorf("list: %w", optimize.ErrUnavailable), StoreUnavailable},
		{"tagged", New(AgentUnreachable, "agent a1"), AgentUnreachable},
		{"wrapped tagged", fmt.Errorf("execute: %w", New(AgentRejected, "401")), AgentRejected},
		{"plain", errors.New("boom"), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"config", &workflow.ValidationError{Path: "x", Message: "bad"}, 1},
		{"parse", &workflow.StructError{Errors: []workflow.FieldError{{}}}, 1},
		{"runtime llm", &llm.Error{Kind: llm.KindProvider}, 2},
		{"runtime retry", &graph.NodeError{Code: graph.CodeRetryExhausted}, 2},
		{"unknown", errors.New("boom"), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", &workflow.ValidationError{Path: "x", Message: "bad"}, http.StatusBadRequest},
		{"not found", fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound},
		{"unreachable", New(AgentUnreachable, "a1"), http.StatusNotFound},
		{"rejected", New(AgentRejected, "denied"), http.StatusUnauthorized},
		{"gate", &graph.EngineError{Code: graph.CodeGateFailed}, http.StatusUnprocessableEntity},
		{"degraded store", fmt.Errorf("x: %w", optimize.ErrUnavailable), http.StatusOK},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Errorf("HTTPStatus = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(AgentUnreachable, "agent a1", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap lost the cause")
	}
	if msg := err.Error(); msg != "AgentUnreachable: agent a1: dial tcp: refused" {
		t.Errorf("Error() = %q", msg)
	}
}
