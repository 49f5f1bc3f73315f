// Package usage estimates what a conversation costs: per-model pricing, prompt token counts and the
// account's remaining credit.
package usage

import (
	"fmt"
	"strings"
)

// ModelPricing holds the price of a model in USD per 1M tokens. CachedInput is zero when the model has no
// cached input price.
type ModelPricing struct {
	Input       float64 `json:"input"`
	Output      float64 `json:"output"`
	CachedInput float64 `json:"cachedInput,omitempty"`
}

var pricing = map[string]ModelPricing{
	"gpt-4o":               {Input: 2.50, Output: 10.00, CachedInput: 1.25},
	"gpt-4o-mini":          {Input: 0.15, Output: 0.60, CachedInput: 0.075},
	"gpt-4o-audio-preview": {Input: 2.50, Output: 10.00},

	"o1":         {Input: 15.00, Output: 60.00, CachedInput: 7.50},
	"o1-mini":    {Input: 1.10, Output: 4.40},
	"o1-preview": {Input: 15.00, Output: 60.00, CachedInput: 7.50},

	"o3":      {Input: 2.00, Output: 8.00, CachedInput: 0.50},
	"o3-mini": {Input: 1.10, Output: 4.40, CachedInput: 0.275},

	"o4-mini": {Input: 1.10, Output: 4.40, CachedInput: 0.275},

	"gpt-4-turbo":         {Input: 10.00, Output: 30.00},
	"gpt-4-turbo-preview": {Input: 10.00, Output: 30.00},
	"gpt-4":               {Input: 30.00, Output: 60.00},
	"gpt-4-32k":           {Input: 60.00, Output: 120.00},

	"gpt-3.5-turbo":          {Input: 0.50, Output: 1.50},
	"gpt-3.5-turbo-0125":     {Input: 0.50, Output: 1.50},
	"gpt-3.5-turbo-instruct": {Input: 1.50, Output: 2.00},

	"chatgpt-4o-latest": {Input: 5.00, Output: 15.00},
}

// GetModelPricing returns the pricing of a model, matching its id exactly or else by the longest known
// prefix, so dated snapshots like gpt-4o-2024-11-20 resolve to their family. The boolean is false when the
// model is unknown.
func GetModelPricing(modelID string) (ModelPricing, bool) {
	if p, ok := pricing[modelID]; ok {
		return p, true
	}

	best := ""
	for key := range pricing {
		if strings.HasPrefix(modelID, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return pricing[best], true
}

// FormatPrice renders a price given in USD per 1M tokens. Prices below one cent are shown per 1K tokens.
func FormatPrice(usdPer1M float64) string {
	if usdPer1M < 0.01 {
		return fmt.Sprintf("$%.3f/1K", usdPer1M*1000)
	}
	return fmt.Sprintf("$%.2f/1M", usdPer1M)
}

// InputCost returns the USD cost of sending tokens as input to a model priced at p.
func (p ModelPricing) InputCost(tokens int) float64 {
	return float64(tokens) * p.Input / 1_000_000
}
