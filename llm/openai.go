package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI invokes OpenAI chat models through the official SDK. Safe for
// concurrent use; the underlying client handles connection reuse.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an OpenAI provider for the given model, reading the API
// key from OPENAI_API_KEY.
func NewOpenAI(model string) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: "openai", Message: "OPENAI_API_KEY is not set"}
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{client: &client, model: model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.mapError(err)
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(maxTokensOr(req, DefaultMaxTokens))),
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	// Tools bind before the response format so structured-output mode never
	// replaces them on the wire.
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	if req.StructuredType != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &Error{Kind: KindProvider, Provider: "openai", Message: "empty response", Retryable: true}
	}

	choice := completion.Choices[0]
	resp := &Response{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	resp.Usage.CostUSD = Cost(p.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if args := tc.Function.Arguments; args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, &Error{
					Kind: KindOutputInvalid, Provider: "openai", Retryable: true,
					Message: fmt.Sprintf("tool call %s: invalid arguments: %v", tc.Function.Name, err),
					Cause:   err,
				}
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{Name: tc.Function.Name, Input: input})
	}

	if req.StructuredType != nil && len(resp.ToolCalls) == 0 {
		value, err := parseStructured(resp.Text)
		if err != nil {
			return nil, &Error{
				Kind: KindOutputInvalid, Provider: "openai", Retryable: true,
				Message: fmt.Sprintf("structured output: %v", err), Cause: err,
			}
		}
		resp.Value = value
	}
	return resp, nil
}

// mapError folds SDK failures into the uniform taxonomy. The SDK surfaces
// HTTP status through the error text, so matching strings is the portable
// route, the same approach the vendor examples take.
func (p *OpenAI) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Provider: "openai", Message: "request cancelled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: "openai", Message: "request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"):
		return &Error{Kind: KindRateLimited, Provider: "openai", Message: "rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "invalid api key"), strings.Contains(lower, "incorrect api key"),
		strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"):
		return &Error{Kind: KindAuth, Provider: "openai", Message: "API key is invalid or expired", Cause: err}
	case strings.Contains(lower, "quota"), strings.Contains(lower, "billing"):
		return &Error{Kind: KindAuth, Provider: "openai", Message: "quota exceeded", Cause: err}
	case strings.Contains(lower, "500"), strings.Contains(lower, "502"),
		strings.Contains(lower, "503"), strings.Contains(lower, "504"),
		strings.Contains(lower, "internal server error"), strings.Contains(lower, "bad gateway"),
		strings.Contains(lower, "service unavailable"):
		return &Error{Kind: KindProvider, Provider: "openai", Message: "server error", Retryable: true, Cause: err}
	case strings.Contains(lower, "connection"), strings.Contains(lower, "timeout"),
		strings.Contains(lower, "network"):
		return &Error{Kind: KindProvider, Provider: "openai", Message: "network error", Retryable: true, Cause: err}
	default:
		return &Error{Kind: KindProvider, Provider: "openai", Message: err.Error(), Cause: err}
	}
}

// parseStructured decodes a JSON object from model text, tolerating markdown
// fences some models wrap around JSON mode output.
func parseStructured(text string) (map[string]any, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var value map[string]any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return value, nil
}
