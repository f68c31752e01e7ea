// Package llm adapts multiple LLM vendors behind a single Invoke contract.
//
// A Provider receives a resolved prompt plus optional tool specifications and
// an optional structured output type, and returns text, a parsed value, tool
// calls, and token usage. Providers MUST bind tools to the downstream request
// before imposing structured output; reversing the order silently drops tools
// on several vendor APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies what went wrong in a provider call. The retry decision is
// not derived from the kind: providers set Error.Retryable per error, and
// IsRetryable consults only that flag.
type Kind string

const (
	// KindTimeout is a call that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindRateLimited is a 429-class rejection; providers typically mark
	// these retryable so callers back off and try again.
	KindRateLimited Kind = "rate_limited"
	// KindAuth is an invalid or expired credential.
	KindAuth Kind = "auth"
	// KindProvider is a vendor-side failure (5xx, network).
	KindProvider Kind = "provider"
	// KindOutputInvalid means structured output did not parse. The engine
	// retries these with a clarified prompt independent of the flag.
	KindOutputInvalid Kind = "output_invalid"
)

// Error is the uniform failure type returned by every provider. Retryable is
// the provider's per-error judgement that another attempt could succeed; an
// error whose kind is usually transient is still fatal without it.
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying vendor error.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// IsKind reports whether err is a provider error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// ToolSpec describes a tool offered to the model. Schema follows JSON Schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// Usage carries token counts and the computed cost of one invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Request is one invocation. Prompt is fully resolved; System is optional.
// When StructuredType is set the provider asks the vendor for JSON matching
// that shape and parses it into Response.Value.
type Request struct {
	Prompt         string
	System         string
	Tools          []ToolSpec
	StructuredType map[string]any
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

// Response is the uniform invocation result.
type Response struct {
	// Text is the raw model output.
	Text string
	// Value is the parsed structured output when StructuredType was set.
	Value map[string]any
	// ToolCalls are tool invocations the model requested, in order.
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the uniform vendor façade.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string
	// Invoke sends one request. Implementations respect ctx cancellation
	// and return *Error for every failure.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// DefaultMaxTokens applies when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// New constructs a provider by name. API keys come from the environment at
// the point of need (OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY);
// "echo" needs no key and is the offline default.
func New(provider, model string) (Provider, error) {
	switch provider {
	case "", "echo":
		return NewEcho(model), nil
	case "openai":
		return NewOpenAI(model)
	case "anthropic":
		return NewAnthropic(model)
	case "google":
		return NewGoogle(model)
	default:
		return nil, &Error{
			Kind:    KindProvider,
			Message: fmt.Sprintf("unknown provider %q (known: anthropic, echo, google, openai)", provider),
		}
	}
}

func maxTokensOr(req Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return fallback
}
