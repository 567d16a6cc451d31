package provider

import (
	"strings"

	"github.com/llmtap/llmtap/internal/model"
)

// Static pricing side tables: USD per million tokens, (input, output),
// matched by model-name prefix. Absent or unknown models produce an
// estimate with a note rather than a guessed number.

var openaiPricing = map[string][2]float64{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o1":            {15.00, 60.00},
	"o1-mini":       {3.00, 12.00},
	"o3-mini":       {1.10, 4.40},
}

var anthropicPricing = map[string][2]float64{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-3-sonnet":   {3.00, 15.00},
	"claude-3-haiku":    {0.25, 1.25},
}

// EstimateCost computes a best-effort cost for an interaction. Returns nil
// when there is nothing to price (no model, or no usage for a paid
// provider). Heuristic token counts are never priced: a byte-count guess
// multiplied by a rate would look authoritative and be wrong.
func EstimateCost(p model.Provider, modelName string, usage *model.Usage) *model.CostEstimate {
	if modelName == "" {
		return nil
	}

	switch p {
	case model.ProviderOllama:
		return &model.CostEstimate{Model: modelName, Note: "local model (ollama), no API cost"}
	case model.ProviderOpenAI:
		return priceFromTable(openaiPricing, modelName, usage)
	case model.ProviderAnthropic:
		return priceFromTable(anthropicPricing, modelName, usage)
	default:
		return nil
	}
}

func priceFromTable(table map[string][2]float64, modelName string, usage *model.Usage) *model.CostEstimate {
	if usage == nil || usage.Heuristic {
		return nil
	}

	var pricing [2]float64
	found := false
	// Exact match first, then longest prefix.
	if p, ok := table[modelName]; ok {
		pricing, found = p, true
	} else {
		bestLen := 0
		for prefix, p := range table {
			if strings.HasPrefix(modelName, prefix) && len(prefix) > bestLen {
				pricing, found, bestLen = p, true, len(prefix)
			}
		}
	}

	if !found {
		return &model.CostEstimate{Model: modelName, Note: "unknown model, no pricing available"}
	}

	in := float64(usage.PromptTokens) / 1e6 * pricing[0]
	out := float64(usage.CompletionTokens) / 1e6 * pricing[1]
	return &model.CostEstimate{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
		Model:      modelName,
	}
}
