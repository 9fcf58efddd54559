// Package pricing provides the per-model cost table used to estimate a
// request's cost when a caller does not supply one directly.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// ModelPrice holds per-model token pricing in USD per 1M tokens.
type ModelPrice struct {
	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`
	Free        bool    `json:"free,omitempty"`
}

// Table holds the pricing data for every known model.
type Table struct {
	mu      sync.RWMutex
	pricing map[string]ModelPrice // key: "provider/model" or just "model"
}

// Default returns the built-in pricing table.
func Default() *Table {
	return &Table{
		pricing: map[string]ModelPrice{
			"openai/gpt-4o":                 {InputPer1M: 2.50, OutputPer1M: 10.00},
			"openai/gpt-4o-mini":            {InputPer1M: 0.15, OutputPer1M: 0.60},
			"openai/gpt-4-turbo":            {InputPer1M: 10.00, OutputPer1M: 30.00},
			"openai/gpt-4":                  {InputPer1M: 30.00, OutputPer1M: 60.00},
			"openai/gpt-3.5-turbo":          {InputPer1M: 0.50, OutputPer1M: 1.50},
			"openai/o1":                     {InputPer1M: 15.00, OutputPer1M: 60.00},
			"openai/o1-mini":                {InputPer1M: 3.00, OutputPer1M: 12.00},
			"anthropic/claude-3-5-sonnet":   {InputPer1M: 3.00, OutputPer1M: 15.00},
			"anthropic/claude-3-5-haiku":    {InputPer1M: 0.80, OutputPer1M: 4.00},
			"anthropic/claude-3-opus":       {InputPer1M: 15.00, OutputPer1M: 75.00},
			"anthropic/claude-3-haiku":      {InputPer1M: 0.25, OutputPer1M: 1.25},
			"google/gemini-1.5-pro":         {InputPer1M: 1.25, OutputPer1M: 5.00},
			"google/gemini-1.5-flash":       {InputPer1M: 0.075, OutputPer1M: 0.30},
			"google/gemini-2.0-flash":       {InputPer1M: 0.10, OutputPer1M: 0.40},
			"mistral/mistral-large-latest":  {InputPer1M: 2.00, OutputPer1M: 6.00},
			"mistral/mistral-small-latest":  {InputPer1M: 0.20, OutputPer1M: 0.60},
			"groq/llama-3.1-70b-versatile":  {Free: true},
			"groq/llama-3.1-8b-instant":     {Free: true},
			"cohere/command-r-plus":         {InputPer1M: 2.50, OutputPer1M: 10.00},
			"cohere/command-r":              {InputPer1M: 0.15, OutputPer1M: 0.60},
		},
	}
}

// LoadFromFile merges pricing overrides from a JSON file keyed the same way
// as the built-in table.
func (t *Table) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var overrides map[string]ModelPrice
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range overrides {
		t.pricing[k] = v
	}
	return nil
}

// Lookup returns the pricing for a model. It tries "provider/model" first,
// then falls back to a bare model-name match across all providers.
func (t *Table) Lookup(provider, model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.pricing[provider+"/"+model]; ok {
		return p, true
	}
	lowerModel := strings.ToLower(model)
	for k, p := range t.pricing {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) == 2 && strings.ToLower(parts[1]) == lowerModel {
			return p, true
		}
	}
	return ModelPrice{}, false
}

// EstimateCost computes the USD cost for a model given token counts.
// Unknown models cost 0 — missing pricing data never blocks admission.
func (t *Table) EstimateCost(provider, model string, inputTokens, outputTokens int) float64 {
	price, found := t.Lookup(provider, model)
	if !found || price.Free {
		return 0
	}
	inputCost := float64(inputTokens) / 1_000_000 * price.InputPer1M
	outputCost := float64(outputTokens) / 1_000_000 * price.OutputPer1M
	return math.Round((inputCost+outputCost)*1e8) / 1e8
}

// Set updates or adds pricing for a model.
func (t *Table) Set(key string, price ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[key] = price
}

// All returns a copy of every pricing entry, for API responses.
func (t *Table) All() map[string]ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelPrice, len(t.pricing))
	for k, v := range t.pricing {
		out[k] = v
	}
	return out
}
