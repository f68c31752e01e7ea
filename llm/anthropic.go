package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic invokes Claude models through the official SDK.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic builds an Anthropic provider for the given model, reading the
// API key from ANTHROPIC_API_KEY.
func NewAnthropic(model string) (*Anthropic, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: "anthropic", Message: "ANTHROPIC_API_KEY is not set"}
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, model: model}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.mapError(err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokensOr(req, DefaultMaxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}

	system := req.System
	// Tools first; the JSON instruction rides in the system prompt because
	// the Messages API has no separate JSON mode.
	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Schema["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := t.Schema["required"]; ok {
			schema.ExtraFields = map[string]any{"required": required}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	if req.StructuredType != nil {
		system = joinSystem(system, structuredInstruction(req.StructuredType))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	resp.Usage.CostUSD = Cost(p.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, &Error{
						Kind: KindOutputInvalid, Provider: "anthropic", Retryable: true,
						Message: fmt.Sprintf("tool call %s: invalid input: %v", block.Name, err),
						Cause:   err,
					}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{Name: block.Name, Input: input})
		}
	}
	resp.Text = text.String()

	if req.StructuredType != nil && len(resp.ToolCalls) == 0 {
		value, err := parseStructured(resp.Text)
		if err != nil {
			return nil, &Error{
				Kind: KindOutputInvalid, Provider: "anthropic", Retryable: true,
				Message: fmt.Sprintf("structured output: %v", err), Cause: err,
			}
		}
		resp.Value = value
	}
	return resp, nil
}

func (p *Anthropic) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Provider: "anthropic", Message: "request cancelled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: "anthropic", Message: "request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"):
		return &Error{Kind: KindRateLimited, Provider: "anthropic", Message: "rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "401"), strings.Contains(lower, "403"),
		strings.Contains(lower, "authentication"), strings.Contains(lower, "api_key"):
		return &Error{Kind: KindAuth, Provider: "anthropic", Message: "API key is invalid or expired", Cause: err}
	case strings.Contains(lower, "quota"), strings.Contains(lower, "billing"):
		return &Error{Kind: KindAuth, Provider: "anthropic", Message: "quota exceeded", Cause: err}
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "529"),
		strings.Contains(lower, "500"), strings.Contains(lower, "502"), strings.Contains(lower, "503"):
		return &Error{Kind: KindProvider, Provider: "anthropic", Message: "server error", Retryable: true, Cause: err}
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"),
		strings.Contains(lower, "connection"):
		return &Error{Kind: KindProvider, Provider: "anthropic", Message: "network error", Retryable: true, Cause: err}
	default:
		return &Error{Kind: KindProvider, Provider: "anthropic", Message: err.Error(), Cause: err}
	}
}

// structuredInstruction renders the JSON-only directive appended to the
// system prompt when structured output is requested.
func structuredInstruction(schema map[string]any) string {
	rendered, err := json.Marshal(schema)
	if err != nil {
		rendered = []byte("{}")
	}
	return "Respond ONLY with a single JSON object matching this schema. " +
		"No markdown, no explanation.\nSchema: " + string(rendered)
}

func joinSystem(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}
