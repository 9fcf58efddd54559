package pricing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEstimateCostKnownModel(t *testing.T) {
	table := Default()
	got := table.EstimateCost("openai", "gpt-4o", 1_000_000, 1_000_000)
	want := 2.50 + 10.00
	if got != want {
		t.Errorf("EstimateCost = %v, want %v", got, want)
	}
}

func TestEstimateCostFreeModel(t *testing.T) {
	table := Default()
	got := table.EstimateCost("groq", "llama-3.1-70b-versatile", 1_000_000, 1_000_000)
	if got != 0 {
		t.Errorf("EstimateCost for free model = %v, want 0", got)
	}
}

func TestEstimateCostUnknownModelIsZero(t *testing.T) {
	table := Default()
	got := table.EstimateCost("unknown-provider", "unknown-model", 1000, 1000)
	if got != 0 {
		t.Errorf("EstimateCost for unknown model = %v, want 0", got)
	}
}

func TestLookupFallsBackToBareModelName(t *testing.T) {
	table := Default()
	price, ok := table.Lookup("some-other-provider", "gpt-4o")
	if !ok {
		t.Fatal("Lookup failed to fall back to bare model name")
	}
	if price.InputPer1M != 2.50 {
		t.Errorf("fallback lookup InputPer1M = %v, want 2.50", price.InputPer1M)
	}
}

func TestSetOverridesPricing(t *testing.T) {
	table := Default()
	table.Set("custom/model", ModelPrice{InputPer1M: 1, OutputPer1M: 2})
	price, ok := table.Lookup("custom", "model")
	if !ok || price.InputPer1M != 1 || price.OutputPer1M != 2 {
		t.Fatalf("Lookup after Set = %+v, %v, want {1 2 false}, true", price, ok)
	}
}

func TestLoadFromFileMergesOverrides(t *testing.T) {
	table := Default()
	path := filepath.Join(t.TempDir(), "pricing.json")
	overrides := map[string]ModelPrice{
		"openai/gpt-4o": {InputPer1M: 1, OutputPer1M: 1},
		"new/model":     {InputPer1M: 5, OutputPer1M: 5},
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := table.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	price, ok := table.Lookup("openai", "gpt-4o")
	if !ok || price.InputPer1M != 1 {
		t.Errorf("override of openai/gpt-4o = %+v, %v, want InputPer1M=1", price, ok)
	}
	price, ok = table.Lookup("new", "model")
	if !ok || price.InputPer1M != 5 {
		t.Errorf("new entry new/model = %+v, %v, want InputPer1M=5", price, ok)
	}

	// Built-ins not touched by the override file are unaffected.
	price, ok = table.Lookup("anthropic", "claude-3-opus")
	if !ok || price.InputPer1M != 15.00 {
		t.Errorf("untouched entry anthropic/claude-3-opus = %+v, %v, want InputPer1M=15", price, ok)
	}
}

func TestAllReturnsIndependentCopy(t *testing.T) {
	table := Default()
	all := table.All()
	all["openai/gpt-4o"] = ModelPrice{InputPer1M: 999}

	price, _ := table.Lookup("openai", "gpt-4o")
	if price.InputPer1M == 999 {
		t.Errorf("mutating All()'s result leaked into the table")
	}
}
