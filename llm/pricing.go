package llm

import "strings"

// modelPricing holds per-million-token USD rates.
type modelPricing struct {
	inputPerMillion  float64
	outputPerMillion float64
}

// pricingTable maps model identifiers to rates. Unknown models cost zero so
// offline and mock runs report honest totals instead of guesses.
var pricingTable = map[string]modelPricing{
	// OpenAI
	"gpt-4o":        {inputPerMillion: 2.50, outputPerMillion: 10.00},
	"gpt-4o-mini":   {inputPerMillion: 0.15, outputPerMillion: 0.60},
	"gpt-4-turbo":   {inputPerMillion: 10.00, outputPerMillion: 30.00},
	"gpt-3.5-turbo": {inputPerMillion: 0.50, outputPerMillion: 1.50},

	// Anthropic
	"claude-3-5-sonnet-20241022": {inputPerMillion: 3.00, outputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {inputPerMillion: 0.80, outputPerMillion: 4.00},
	"claude-3-opus-20240229":     {inputPerMillion: 15.00, outputPerMillion: 75.00},

	// Google
	"gemini-1.5-pro":   {inputPerMillion: 1.25, outputPerMillion: 5.00},
	"gemini-1.5-flash": {inputPerMillion: 0.075, outputPerMillion: 0.30},
	"gemini-2.0-flash": {inputPerMillion: 0.10, outputPerMillion: 0.40},
}

// Cost computes the USD cost of one invocation. Exact model names win;
// otherwise the longest table key that prefixes the model applies, so dated
// releases like claude-3-5-sonnet-20250101 still price as their family.
func Cost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := pricingTable[model]
	if !ok {
		bestLen := 0
		for key, p := range pricingTable {
			if strings.HasPrefix(model, key) && len(key) > bestLen {
				pricing = p
				bestLen = len(key)
			}
		}
		if bestLen == 0 {
			return 0
		}
	}
	in := float64(inputTokens) / 1_000_000 * pricing.inputPerMillion
	out := float64(outputTokens) / 1_000_000 * pricing.outputPerMillion
	return in + out
}
