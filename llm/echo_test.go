package llm

import (
	"context"
	"testing"
)

func TestEchoReturnsPrompt(t *testing.T) {
	p := NewEcho("")
	resp, err := p.Invoke(context.Background(), Request{Prompt: "Echo: hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "Echo: hi" {
		t.Errorf("Text = %q, want %q", resp.Text, "Echo: hi")
	}
	if resp.Usage.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", resp.Usage.CostUSD)
	}
	if resp.Usage.OutputTokens == 0 {
		t.Error("expected nonzero output token estimate")
	}
}

func TestEchoStructuredSingleString(t *testing.T) {
	p := NewEcho("echo")
	resp, err := p.Invoke(context.Background(), Request{
		Prompt: "Echo: hi",
		StructuredType: map[string]any{
			"type":       "object",
			"properties": map[string]any{"result": map[string]any{"type": "string"}},
			"required":   []string{"result"},
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := resp.Value["result"]; got != "Echo: hi" {
		t.Errorf("Value[result] = %v, want %q", got, "Echo: hi")
	}
}

func TestEchoStructuredZeroValues(t *testing.T) {
	p := NewEcho("echo")
	resp, err := p.Invoke(context.Background(), Request{
		Prompt: "score this",
		StructuredType: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"score":   map[string]any{"type": "integer"},
				"summary": map[string]any{"type": "string"},
				"tags":    map[string]any{"type": "array"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := resp.Value["score"]; got != int64(0) {
		t.Errorf("score = %v (%T), want int64(0)", got, got)
	}
	if got := resp.Value["summary"]; got != "" {
		t.Errorf("summary = %v, want empty string", got)
	}
	if _, ok := resp.Value["tags"].([]any); !ok {
		t.Errorf("tags = %T, want []any", resp.Value["tags"])
	}
}

func TestEchoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEcho("").Invoke(ctx, Request{Prompt: "hi"})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}
