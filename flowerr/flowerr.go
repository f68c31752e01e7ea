// Package flowerr classifies errors from every layer of the system into a
// single kind taxonomy, and maps kinds onto CLI exit codes and HTTP statuses.
// It is the one place the CLI and the dashboard agree on what an error means.
package flowerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/llm"
	"github.com/dshills/agentflow/optimize"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/workflow"
)

// Kind identifies an error category across the whole system.
type Kind string

const (
	ConfigParse           Kind = "ConfigParse"
	ConfigValidation      Kind = "ConfigValidation"
	TypeValidation        Kind = "TypeValidation"
	TemplateResolution    Kind = "TemplateResolution"
	ToolMissing           Kind = "ToolMissing"
	ToolFailure           Kind = "ToolFailure"
	LLMTimeout            Kind = "LLMTimeout"
	LLMRateLimited        Kind = "LLMRateLimited"
	LLMAuth               Kind = "LLMAuth"
	LLMProvider           Kind = "LLMProvider"
	LLMOutputInvalid      Kind = "LLMOutputInvalid"
	NodeTimeout           Kind = "NodeTimeout"
	NodeRetryExhausted    Kind = "NodeRetryExhausted"
	GateFailed            Kind = "GateFailed"
	AgentUnreachable      Kind = "AgentUnreachable"
	AgentRejected         Kind = "AgentRejected"
	NotFound              Kind = "NotFound"
	StoreUnavailable      Kind = "StoreUnavailable"
	SupervisorChildExited Kind = "SupervisorChildExited"
	Unknown               Kind = "Unknown"
)

// Error tags an underlying error with a Kind. Layers without their own
// structured error types (agents, supervisor) return these directly.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify maps any error in the system to its Kind. Tagged errors win;
// otherwise the concrete type decides.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	var ne *graph.NodeError
	if errors.As(err, &ne) {
		switch ne.Code {
		case graph.CodeTemplate:
			return TemplateResolution
		case graph.CodeToolMissing:
			return ToolMissing
		case graph.CodeToolFailure:
			return ToolFailure
		case graph.CodeNodeTimeout:
			return NodeTimeout
		case graph.CodeRetryExhausted:
			return NodeRetryExhausted
		case graph.CodeOutputInvalid:
			return LLMOutputInvalid
		case graph.CodeGateFailed:
			return GateFailed
		case graph.CodeLLM:
			if kind := classifyLLM(ne); kind != Unknown {
				return kind
			}
			return LLMProvider
		}
		return Unknown
	}

	var ee *graph.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case graph.CodeGateFailed:
			return GateFailed
		case graph.CodeRunNotFound:
			return NotFound
		case graph.CodeSnapshotInvalid:
			return ConfigParse
		}
		return Unknown
	}

	if kind := classifyLLM(err); kind != Unknown {
		return kind
	}

	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return ConfigValidation
	}
	var se *workflow.StructError
	if errors.As(err, &se) {
		return ConfigParse
	}
	var te *workflow.TypeError
	if errors.As(err, &te) {
		return TypeValidation
	}
	var tpe *workflow.TemplateError
	if errors.As(err, &tpe) {
		return TemplateResolution
	}
	var pe *workflow.ParseError
	if errors.As(err, &pe) {
		return ConfigParse
	}

	if errors.Is(err, store.ErrNotFound) {
		return NotFound
	}
	if errors.Is(err, optimize.ErrUnavailable) {
		return StoreUnavailable
	}
	return Unknown
}

func classifyLLM(err error) Kind {
	var le *llm.Error
	if !errors.As(err, &le) {
		return Unknown
	}
	switch le.Kind {
	case llm.KindTimeout:
		return LLMTimeout
	case llm.KindRateLimited:
		return LLMRateLimited
	case llm.KindAuth:
		return LLMAuth
	case llm.KindOutputInvalid:
		return LLMOutputInvalid
	default:
		return LLMProvider
	}
}

// ExitCode maps an error to the CLI exit convention: 0 success, 1 user or
// configuration error, 2 runtime error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Classify(err) {
	case ConfigParse, ConfigValidation, TypeValidation, TemplateResolution,
		ToolMissing, NotFound:
		return 1
	default:
		return 2
	}
}

// HTTPStatus maps an error to the dashboard's status convention. Callers
// attach a correlation id on 500s.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Classify(err) {
	case ConfigValidation, TypeValidation, ConfigParse, TemplateResolution:
		return http.StatusBadRequest
	case ToolMissing, AgentUnreachable, NotFound:
		return http.StatusNotFound
	case AgentRejected, LLMAuth:
		return http.StatusUnauthorized
	case GateFailed:
		return http.StatusUnprocessableEntity
	case StoreUnavailable:
		// Degraded, not a failure: read paths render a friendly view.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
