package adapter

import (
	"strings"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// rate is the per-1K-token price pair for one model family.
type rate struct {
	input  float64
	output float64
}

// Cache reads are billed at a fraction of the input rate and cache creation
// at a premium over it, per vendor pricing pages.
const (
	cacheReadMultiplier     = 0.1
	cacheCreationMultiplier = 1.25
)

// modelRates maps model-name substrings to prices, checked in order so the
// most specific family matches first.
var modelRates = map[gateway.ServiceProvider][]struct {
	match string
	rate  rate
}{
	gateway.ProviderAnthropic: {
		{"3-5-haiku", rate{0.0008, 0.004}},
		{"3-5-sonnet", rate{0.003, 0.015}},
		{"3-haiku", rate{0.00025, 0.00125}},
		{"3-opus", rate{0.015, 0.075}},
		{"3-sonnet", rate{0.003, 0.015}},
	},
	gateway.ProviderOpenAI: {
		{"gpt-4o-mini", rate{0.00015, 0.0006}},
		{"gpt-4o", rate{0.0025, 0.01}},
		{"gpt-4-turbo", rate{0.01, 0.03}},
		{"o1-mini", rate{0.003, 0.012}},
		{"o1", rate{0.015, 0.06}},
	},
	gateway.ProviderGemini: {
		{"1-5-flash", rate{0.000075, 0.0003}},
		{"1-5-pro", rate{0.00125, 0.005}},
		{"2-0-flash", rate{0.0001, 0.0004}},
	},
	gateway.ProviderQwen: {
		{"qwen-max", rate{0.0016, 0.0064}},
		{"qwen-plus", rate{0.0003, 0.0009}},
		{"qwen-turbo", rate{0.00005, 0.0002}},
		{"qwen-coder", rate{0.0005, 0.0015}},
	},
}

// defaultRates apply when no family substring matches.
var defaultRates = map[gateway.ServiceProvider]rate{
	gateway.ProviderAnthropic: {0.003, 0.015},
	gateway.ProviderOpenAI:    {0.0025, 0.01},
	gateway.ProviderGemini:    {0.00125, 0.005},
	gateway.ProviderQwen:      {0.0016, 0.0064},
}

// priceUsage prices one token breakdown in USD. Unknown providers cost zero.
func priceUsage(provider gateway.ServiceProvider, model string, usage gateway.TokenUsage) float64 {
	r, ok := lookupRate(provider, model)
	if !ok {
		return 0
	}
	per1k := func(tokens int, rate float64) float64 {
		return float64(tokens) / 1000 * rate
	}
	return per1k(usage.Input, r.input) +
		per1k(usage.Output, r.output) +
		per1k(usage.CacheRead, r.input*cacheReadMultiplier) +
		per1k(usage.CacheCreation, r.input*cacheCreationMultiplier)
}

func lookupRate(provider gateway.ServiceProvider, model string) (rate, bool) {
	m := strings.ToLower(model)
	m = strings.ReplaceAll(m, ".", "-")
	for _, entry := range modelRates[provider] {
		if strings.Contains(m, entry.match) {
			return entry.rate, true
		}
	}
	r, ok := defaultRates[provider]
	return r, ok
}
