// Package costs provides static per-model USD cost estimates. Figures are
// rough numbers seeded from public price sheets; they exist so runs can be
// compared and budgeted, and are never reconciled against billing.
package costs

import (
	"strings"

	"github.com/marcus/roundtable/internal/providers"
)

// pricing holds the estimates for one model: a flat per-query figure for
// calls without usage data, and per-million-token rates for calls with it.
type pricing struct {
	Query  float64
	Input  float64
	Output float64
}

var modelPricing = map[string]pricing{
	"gpt-4o":            {Query: 0.020, Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Query: 0.002, Input: 0.15, Output: 0.60},
	"gpt-4.1":           {Query: 0.025, Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":      {Query: 0.004, Input: 0.40, Output: 1.60},
	"o3":                {Query: 0.080, Input: 10.00, Output: 40.00},
	"claude-sonnet-4-5": {Query: 0.030, Input: 3.00, Output: 15.00},
	"claude-opus-4-5":   {Query: 0.120, Input: 15.00, Output: 75.00},
	"claude-haiku-4-5":  {Query: 0.008, Input: 0.80, Output: 4.00},
	"gemini-2.5-pro":    {Query: 0.025, Input: 1.25, Output: 10.00},
	"gemini-2.5-flash":  {Query: 0.004, Input: 0.30, Output: 2.50},
	"gemini-2.0-flash":  {Query: 0.002, Input: 0.10, Output: 0.40},
	"sonar":             {Query: 0.005, Input: 1.00, Output: 1.00},
	"sonar-pro":         {Query: 0.015, Input: 3.00, Output: 15.00},
	"sonar-reasoning":   {Query: 0.020, Input: 1.00, Output: 5.00},
}

// providerDefaults covers models missing from the table.
var providerDefaults = map[providers.ID]pricing{
	providers.IDOpenAI:     {Query: 0.020, Input: 2.50, Output: 10.00},
	providers.IDAnthropic:  {Query: 0.030, Input: 3.00, Output: 15.00},
	providers.IDGemini:     {Query: 0.010, Input: 1.00, Output: 5.00},
	providers.IDPerplexity: {Query: 0.010, Input: 2.00, Output: 8.00},
}

// EstimateQuery returns the flat per-query estimate for a provider/model
// pair. Local models cost nothing.
func EstimateQuery(provider providers.ID, model string) float64 {
	if provider == providers.IDOllama {
		return 0
	}
	return resolve(provider, model).Query
}

// EstimateTokens converts reported token usage into USD for the given model,
// falling back to the flat estimate when no usage was reported.
func EstimateTokens(provider providers.ID, model string, usage *providers.Usage) float64 {
	if provider == providers.IDOllama {
		return 0
	}
	if usage == nil || usage.TotalTokens == 0 {
		return EstimateQuery(provider, model)
	}
	p := resolve(provider, model)
	return (float64(usage.InputTokens)*p.Input + float64(usage.OutputTokens)*p.Output) / 1e6
}

// resolve finds pricing by exact model name, then by longest table prefix
// (so "gpt-4o-2024-11-20" resolves to "gpt-4o" while "gpt-4o-mini-..." still
// wins the longer "gpt-4o-mini" entry), then by provider default.
func resolve(provider providers.ID, model string) pricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	var (
		best    pricing
		bestLen = -1
	)
	for key, p := range modelPricing {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best = p
			bestLen = len(key)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return providerDefaults[provider]
}
