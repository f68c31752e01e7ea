package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Google invokes Gemini models through the official generative-ai-go SDK.
// The SDK client is created per call because it owns a gRPC connection tied
// to the call context.
type Google struct {
	apiKey string
	model  string
}

// NewGoogle builds a Google provider for the given model, reading the API
// key from GOOGLE_API_KEY.
func NewGoogle(model string) (*Google, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: "google", Message: "GOOGLE_API_KEY is not set"}
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Google{apiKey: apiKey, model: model}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.mapError(err)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, p.mapError(err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(p.model)
	temp := float32(req.Temperature)
	genModel.Temperature = &temp
	maxTokens := int32(maxTokensOr(req, DefaultMaxTokens))
	genModel.MaxOutputTokens = &maxTokens
	if req.System != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	// Tools bind first; Gemini rejects requests that combine function
	// declarations with a JSON response MIME type, so structured output is
	// only requested for tool-less calls.
	if len(req.Tools) > 0 {
		genModel.Tools = convertTools(req.Tools)
	} else if req.StructuredType != nil {
		genModel.ResponseMIMEType = "application/json"
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, p.mapError(err)
	}

	out := &Response{}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		out.Usage.CostUSD = Cost(p.model, out.Usage.InputTokens, out.Usage.OutputTokens)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &Error{Kind: KindProvider, Provider: "google", Message: "empty response", Retryable: true}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: v.Name, Input: v.Args})
		}
	}
	out.Text = text.String()

	if req.StructuredType != nil && len(out.ToolCalls) == 0 {
		value, err := parseStructured(out.Text)
		if err != nil {
			return nil, &Error{
				Kind: KindOutputInvalid, Provider: "google", Retryable: true,
				Message: fmt.Sprintf("structured output: %v", err), Cause: err,
			}
		}
		out.Value = value
	}
	return out, nil
}

func (p *Google) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Provider: "google", Message: "request cancelled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: "google", Message: "request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "resource exhausted"),
		strings.Contains(lower, "rate limit"):
		return &Error{Kind: KindRateLimited, Provider: "google", Message: "rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "api key"), strings.Contains(lower, "401"),
		strings.Contains(lower, "403"), strings.Contains(lower, "permission"):
		return &Error{Kind: KindAuth, Provider: "google", Message: "API key is invalid or lacks access", Cause: err}
	case strings.Contains(lower, "500"), strings.Contains(lower, "503"),
		strings.Contains(lower, "internal"), strings.Contains(lower, "unavailable"):
		return &Error{Kind: KindProvider, Provider: "google", Message: "server error", Retryable: true, Cause: err}
	case strings.Contains(lower, "safety"), strings.Contains(lower, "blocked"):
		return &Error{Kind: KindProvider, Provider: "google", Message: "content blocked by safety filter", Cause: err}
	case strings.Contains(lower, "connection"), strings.Contains(lower, "network"),
		strings.Contains(lower, "timeout"):
		return &Error{Kind: KindProvider, Provider: "google", Message: "network error", Retryable: true, Cause: err}
	default:
		return &Error{Kind: KindProvider, Provider: "google", Message: err.Error(), Cause: err}
	}
}

func convertTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON-schema object one level deep onto genai.Schema.
// Nested shapes round-trip through JSON so list and object properties keep
// their item types.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ps := &genai.Schema{}
			if ts, ok := prop["type"].(string); ok {
				ps.Type = convertType(ts)
			}
			if desc, ok := prop["description"].(string); ok {
				ps.Description = desc
			}
			if items, ok := prop["items"].(map[string]any); ok {
				if ts, ok := items["type"].(string); ok {
					ps.Items = &genai.Schema{Type: convertType(ts)}
				}
			}
			properties[name] = ps
		}
		result.Properties = properties
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(s string) genai.Type {
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
