package usage

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

// Coster prices token counts. Implementations must be pure: no network
// calls, no errors. Unknown provider/model pairs fall back to a default rate.
type Coster interface {
	Cost(provider, model string, promptTokens, completionTokens int) float64
}

type CosterFunc func(provider, model string, promptTokens, completionTokens int) float64

func (f CosterFunc) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	if f == nil {
		return 0
	}
	return f(provider, model, promptTokens, completionTokens)
}

// Rate holds per-million-token prices in USD.
type Rate struct {
	InputPerMTok  float64 `yaml:"inputPerMTok" json:"inputPerMTok"`
	OutputPerMTok float64 `yaml:"outputPerMTok" json:"outputPerMTok"`
}

func (r Rate) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*r.InputPerMTok +
		float64(completionTokens)/1_000_000*r.OutputPerMTok
}

// DefaultRate is charged for any model missing from the table.
var DefaultRate = Rate{InputPerMTok: 1.00, OutputPerMTok: 3.00}

var builtinRates = map[string]Rate{
	"openai/gpt-4o":                      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"openai/gpt-4o-mini":                 {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"openai/gpt-4.1":                     {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"openai/gpt-4.1-mini":                {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"anthropic/claude-3-5-haiku":         {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"anthropic/claude-sonnet-4":          {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"anthropic/claude-opus-4":            {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"google/gemini-2.0-flash":            {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"google/gemini-2.5-pro":              {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"google/gemini-2.5-flash":            {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"azureopenai/gpt-4o":                 {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"ollama/llama3.1":                    {},
	"groq/llama-3.3-70b-versatile":       {InputPerMTok: 0.59, OutputPerMTok: 0.79},
	"mistral/mistral-large-latest":       {InputPerMTok: 2.00, OutputPerMTok: 6.00},
	"deepseek/deepseek-chat":             {InputPerMTok: 0.27, OutputPerMTok: 1.10},
	"openrouter/meta-llama/llama-3.1-8b": {InputPerMTok: 0.05, OutputPerMTok: 0.08},
}

// PriceTable is the default Coster. Keys are "provider/model", lowercased.
type PriceTable struct {
	rates    map[string]Rate
	fallback Rate
}

type pricingFile struct {
	Default *Rate           `yaml:"default"`
	Models  map[string]Rate `yaml:"models"`
}

func NewPriceTable(overrides map[string]Rate) *PriceTable {
	t := &PriceTable{
		rates:    make(map[string]Rate, len(builtinRates)+len(overrides)),
		fallback: DefaultRate,
	}
	for k, v := range builtinRates {
		t.rates[k] = v
	}
	for k, v := range overrides {
		t.rates[normalizeKey(k)] = v
	}
	return t
}

// LoadPriceTable reads a YAML file of the form
//
//	default: {inputPerMTok: 1, outputPerMTok: 3}
//	models:
//	  openai/gpt-4o: {inputPerMTok: 2.5, outputPerMTok: 10}
//
// on top of the built-in table.
func LoadPriceTable(path string) (*PriceTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	var file pricingFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	t := NewPriceTable(file.Models)
	if file.Default != nil {
		t.fallback = *file.Default
	}
	return t, nil
}

func (t *PriceTable) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	rate, _ := t.lookup(provider, model)
	return rate.Cost(promptTokens, completionTokens)
}

// Known reports whether provider/model has an explicit rate.
func (t *PriceTable) Known(provider, model string) bool {
	_, ok := t.lookup(provider, model)
	return ok
}

func (t *PriceTable) lookup(provider, model string) (Rate, bool) {
	if t == nil {
		return DefaultRate, false
	}
	key := normalizeKey(provider + "/" + model)
	if rate, ok := t.rates[key]; ok {
		return rate, true
	}
	// Dated snapshots ("gpt-4o-2024-08-06") price like their longest base model.
	best := ""
	for k := range t.rates {
		if strings.HasPrefix(key, k+"-") && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return t.rates[best], true
	}
	return t.fallback, false
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Estimate derives the CostResult for a finished run.
func Estimate(coster Coster, provider, model string, u types.Usage) types.Cost {
	out := types.Cost{
		Provider:  provider,
		Model:     model,
		Estimated: u.Source != types.UsageFromProvider,
	}
	if coster == nil {
		return out
	}
	if pt, ok := coster.(*PriceTable); ok && !pt.Known(provider, model) {
		out.Estimated = true
	}
	out.USD = coster.Cost(provider, model, u.PromptTokens, u.CompletionTokens)
	return out
}
