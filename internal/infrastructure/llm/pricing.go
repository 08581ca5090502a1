package llm

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPrice is the USD price per one million tokens for a model.
type ModelPrice struct {
	InputUSDPer1M  float64 `yaml:"input_usd_per_1m"`
	OutputUSDPer1M float64 `yaml:"output_usd_per_1m"`
}

// Pricing is a static model → price table for one provider. A nil or empty
// table prices everything at zero, which is how local providers stay free.
type Pricing struct {
	Models map[string]ModelPrice `yaml:"models"`
}

// Cost computes the USD cost of a completion.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	if p == nil {
		return 0
	}
	price, ok := p.Models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputUSDPer1M +
		float64(outputTokens)/1e6*price.OutputUSDPer1M
}

// PriceFile is the on-disk provider → pricing map (configs/prices.yaml).
type PriceFile struct {
	Providers map[string]*Pricing `yaml:"providers"`
}

// LoadPrices reads a price table file. A missing file yields the built-in
// defaults rather than an error so the bridge runs without a config tree.
func LoadPrices(path string) (*PriceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPrices(), nil
		}
		return nil, err
	}
	var pf PriceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	if pf.Providers == nil {
		pf.Providers = map[string]*Pricing{}
	}
	return &pf, nil
}

// For returns the pricing for a provider id, nil when unknown (zero cost).
func (f *PriceFile) For(provider string) *Pricing {
	if f == nil {
		return nil
	}
	return f.Providers[provider]
}

// DefaultPrices returns the built-in price table for the hosted providers.
func DefaultPrices() *PriceFile {
	return &PriceFile{Providers: map[string]*Pricing{
		"claude": {Models: map[string]ModelPrice{
			"claude-sonnet-4-5": {InputUSDPer1M: 3.00, OutputUSDPer1M: 15.00},
			"claude-opus-4-1":   {InputUSDPer1M: 15.00, OutputUSDPer1M: 75.00},
			"claude-haiku-3-5":  {InputUSDPer1M: 0.80, OutputUSDPer1M: 4.00},
		}},
		"chatgpt": {Models: map[string]ModelPrice{
			"gpt-4o":      {InputUSDPer1M: 2.50, OutputUSDPer1M: 10.00},
			"gpt-4o-mini": {InputUSDPer1M: 0.15, OutputUSDPer1M: 0.60},
			"o3-mini":     {InputUSDPer1M: 1.10, OutputUSDPer1M: 4.40},
		}},
		"gemini": {Models: map[string]ModelPrice{
			"gemini-2.0-flash": {InputUSDPer1M: 0.10, OutputUSDPer1M: 0.40},
			"gemini-1.5-pro":   {InputUSDPer1M: 1.25, OutputUSDPer1M: 5.00},
		}},
		// Ollama providers are intentionally absent: local inference is free.
	}}
}
