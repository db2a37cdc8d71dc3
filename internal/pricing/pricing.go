// Package pricing estimates adjudication spend from token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// List prices for the models the built-in providers use. Add new models
// as needed.
var knownModels = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	// Moonshot (kimi)
	"moonshot-v1-8k":  {1.65, 1.65},
	"moonshot-v1-32k": {3.30, 3.30},
	// DashScope (aliyun)
	"qwen-plus":  {0.40, 1.20},
	"qwen-turbo": {0.05, 0.20},
	// Anthropic
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// Gemini
	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-2.5-flash": {0.30, 2.50},
}

// Lookup finds pricing for model. Provider prefixes ("openai/") and
// "-latest" suffixes are ignored.
func Lookup(model string) (ModelPricing, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	m = strings.TrimSuffix(m, "-latest")
	p, ok := knownModels[m]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Unknown models cost 0.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
