package llm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPricing_Cost(t *testing.T) {
	p := &Pricing{Models: map[string]ModelPrice{
		"test-model": {InputUSDPer1M: 3.00, OutputUSDPer1M: 15.00},
	}}

	got := p.Cost("test-model", 1_000_000, 1_000_000)
	if got != 18.00 {
		t.Fatalf("cost = %v, want 18.00", got)
	}

	if p.Cost("unknown-model", 1000, 1000) != 0 {
		t.Fatal("unknown model should price at zero")
	}

	var nilTable *Pricing
	if nilTable.Cost("anything", 1000, 1000) != 0 {
		t.Fatal("nil table should price at zero")
	}
}

func TestLoadPrices_MissingFileUsesDefaults(t *testing.T) {
	pf, err := LoadPrices(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	if err != nil {
		t.Fatalf("LoadPrices: %v", err)
	}
	if pf.For("claude") == nil {
		t.Fatal("defaults should include claude pricing")
	}
	if pf.For("ollama-local") != nil {
		t.Fatal("local inference must not carry a price table")
	}
}

func TestLoadPrices_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.yaml")
	content := `providers:
  claude:
    models:
      my-model:
        input_usd_per_1m: 1.0
        output_usd_per_1m: 2.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pf, err := LoadPrices(path)
	if err != nil {
		t.Fatalf("LoadPrices: %v", err)
	}
	cost := pf.For("claude").Cost("my-model", 2_000_000, 500_000)
	if cost != 3.0 {
		t.Fatalf("cost = %v, want 3.0", cost)
	}
}
