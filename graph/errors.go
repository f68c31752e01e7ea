package graph

import "fmt"

// EngineError codes.
const (
	CodeRunNotFound     = "RUN_NOT_FOUND"
	CodeRunActive       = "RUN_ACTIVE"
	CodeNoRoute         = "NO_ROUTE"
	CodeMaxSteps        = "MAX_STEPS_EXCEEDED"
	CodeSnapshotInvalid = "SNAPSHOT_INVALID"
	CodeCancelled       = "CANCELLED"
	CodeGateFailed      = "GATE_FAILED"
)

// NodeError codes.
const (
	CodeTemplate       = "TEMPLATE_RESOLUTION"
	CodeToolMissing    = "TOOL_MISSING"
	CodeToolFailure    = "TOOL_FAILURE"
	CodeLLM            = "LLM_CALL"
	CodeNodeTimeout    = "NODE_TIMEOUT"
	CodeOutputInvalid  = "OUTPUT_INVALID"
	CodeRetryExhausted = "RETRY_EXHAUSTED"
)

// EngineError is a run-level failure: routing, lifecycle, or gate aborts.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error [%s]: %s", e.Code, e.Message)
}

// NodeError is a failure inside one node's execution. Cause carries the
// underlying provider, tool, or validation error.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s [%s]: %s: %v", e.NodeID, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("node %s [%s]: %s", e.NodeID, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *NodeError) Unwrap() error { return e.Cause }
