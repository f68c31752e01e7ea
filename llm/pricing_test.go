package llm

import (
	"math"
	"testing"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"gpt-4o", "gpt-4o", 1_000_000, 1_000_000, 12.50},
		{"gpt-4o-mini", "gpt-4o-mini", 1_000_000, 0, 0.15},
		{"claude sonnet", "claude-3-5-sonnet-20241022", 100_000, 50_000, 0.3 + 0.75},
		{"gemini flash", "gemini-1.5-flash", 2_000_000, 0, 0.15},
		{"unknown model", "llama-3-70b", 1_000_000, 1_000_000, 0},
		{"echo is free", "echo", 500, 500, 0},
		{"zero tokens", "gpt-4o", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.model, tt.input, tt.output)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost(%q, %d, %d) = %v, want %v", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestCostPrefixMatch(t *testing.T) {
	// A dated release should price as its family.
	dated := Cost("claude-3-5-sonnet-20250101", 1_000_000, 0)
	family := Cost("claude-3-5-sonnet-20241022", 1_000_000, 0)
	if dated != family {
		t.Errorf("dated release cost %v, family cost %v", dated, family)
	}
}
