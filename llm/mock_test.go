package llm

import (
	"context"
	"testing"
)

func TestMockScriptedOrder(t *testing.T) {
	m := NewMock(
		MockResponse{Text: "first"},
		MockResponse{Text: "second"},
	)
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second"} {
		resp, err := m.Invoke(ctx, Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Text != want {
			t.Errorf("call %d: Text = %q, want %q", i, resp.Text, want)
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", m.CallCount())
	}
}

func TestMockScriptedError(t *testing.T) {
	scripted := &Error{Kind: KindRateLimited, Provider: "mock", Message: "slow down", Retryable: true}
	m := NewMock(
		MockResponse{Err: scripted},
		MockResponse{Text: "recovered"},
	)
	ctx := context.Background()

	if _, err := m.Invoke(ctx, Request{}); !IsRetryable(err) {
		t.Fatalf("first call: expected retryable error, got %v", err)
	}
	resp, err := m.Invoke(ctx, Request{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", resp.Text)
	}
}

func TestMockRecordsRequests(t *testing.T) {
	m := NewMock(MockResponse{Text: "ok"})
	_, _ = m.Invoke(context.Background(), Request{
		Prompt: "analyze",
		Tools:  []ToolSpec{{Name: "search"}},
		StructuredType: map[string]any{
			"type": "object",
		},
	})

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(calls))
	}
	if calls[0].Prompt != "analyze" {
		t.Errorf("Prompt = %q", calls[0].Prompt)
	}
	if len(calls[0].Tools) != 1 || calls[0].Tools[0].Name != "search" {
		t.Errorf("Tools = %+v", calls[0].Tools)
	}
	if calls[0].StructuredType == nil {
		t.Error("StructuredType was not recorded")
	}
}
