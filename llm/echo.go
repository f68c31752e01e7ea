package llm

import (
	"context"
	"sort"
)

// Echo is the offline provider: it returns the resolved prompt as the model
// output. Workflows that declare no provider run against Echo, which keeps
// validation, templating, and the execution path exercisable without
// credentials or network access.
type Echo struct {
	model string
}

// NewEcho returns an Echo provider. The model name is recorded for run
// metrics but has no behavioral effect.
func NewEcho(model string) *Echo {
	if model == "" {
		model = "echo"
	}
	return &Echo{model: model}
}

func (e *Echo) Name() string { return "echo" }

// Invoke echoes the prompt. When a structured type is requested, each
// property gets its zero value, except that a single string property is
// filled with the prompt so single-output text nodes round-trip their input.
func (e *Echo) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Provider: "echo", Message: "context cancelled", Retryable: false, Cause: err}
	}

	resp := &Response{
		Text: req.Prompt,
		Usage: Usage{
			InputTokens:  estimateTokens(req.System) + estimateTokens(req.Prompt),
			OutputTokens: estimateTokens(req.Prompt),
		},
	}
	if req.StructuredType != nil {
		resp.Value = echoStructured(req.StructuredType, req.Prompt)
	}
	return resp, nil
}

func echoStructured(schema map[string]any, prompt string) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps, _ := props[name].(map[string]any)
		out[name] = zeroForSchema(ps)
	}
	if len(names) == 1 {
		if ps, _ := props[names[0]].(map[string]any); ps != nil && ps["type"] == "string" {
			out[names[0]] = prompt
		}
	}
	return out
}

func zeroForSchema(prop map[string]any) any {
	switch prop["type"] {
	case "string":
		return ""
	case "integer":
		return int64(0)
	case "number":
		return float64(0)
	case "boolean":
		return false
	case "array":
		return []any{}
	default:
		return map[string]any{}
	}
}

// estimateTokens approximates usage at four characters per token, the usual
// rough heuristic for English text.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
