package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/agentflow/llm"
)

// ModelUsage accumulates per-model token counts and cost.
type ModelUsage struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// CostTracker accumulates LLM usage across node invocations. Safe for
// concurrent use; one tracker may span many runs (the CLI cost report) or a
// single run (the engine's per-run totals).
type CostTracker struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
	total  ModelUsage
}

// NewCostTracker returns an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{models: make(map[string]*ModelUsage)}
}

// Add records one invocation's usage under the given model.
func (c *CostTracker) Add(model string, usage llm.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.models[model]
	if !ok {
		mu = &ModelUsage{}
		c.models[model] = mu
	}
	mu.Calls++
	mu.InputTokens += usage.InputTokens
	mu.OutputTokens += usage.OutputTokens
	mu.CostUSD += usage.CostUSD

	c.total.Calls++
	c.total.InputTokens += usage.InputTokens
	c.total.OutputTokens += usage.OutputTokens
	c.total.CostUSD += usage.CostUSD
}

// Total returns the accumulated usage across all models.
func (c *CostTracker) Total() ModelUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// PerModel returns a copy of the per-model usage.
func (c *CostTracker) PerModel() map[string]ModelUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ModelUsage, len(c.models))
	for model, mu := range c.models {
		out[model] = *mu
	}
	return out
}

// String renders a cost summary, models sorted by name.
func (c *CostTracker) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "total: %d calls, %d in / %d out tokens, $%.6f\n",
		c.total.Calls, c.total.InputTokens, c.total.OutputTokens, c.total.CostUSD)

	names := make([]string, 0, len(c.models))
	for model := range c.models {
		names = append(names, model)
	}
	sort.Strings(names)
	for _, model := range names {
		mu := c.models[model]
		fmt.Fprintf(&sb, "  %s: %d calls, %d in / %d out tokens, $%.6f\n",
			model, mu.Calls, mu.InputTokens, mu.OutputTokens, mu.CostUSD)
	}
	return sb.String()
}
