package router

import gateway "github.com/lockgate-ai/lockgate/internal"

// capability declares what a provider's models can do, for suitability
// filtering. A "*" model entry accepts any model name.
type capability struct {
	models      []string
	maxTokens   int
	streaming   bool
	specialties []gateway.RequestType
}

var capabilities = map[gateway.ServiceProvider]capability{
	gateway.ProviderAnthropic: {
		models: []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
			"claude-3-opus-20240229",
			"claude-3-sonnet-20240229",
			"claude-3-haiku-20240307",
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
		},
		maxTokens: 8192,
		streaming: true,
		specialties: []gateway.RequestType{
			gateway.RequestCodeGeneration,
			gateway.RequestChat,
			gateway.RequestAnalysis,
			gateway.RequestCreativeWriting,
		},
	},
	gateway.ProviderOpenAI: {
		models: []string{
			"gpt-4o",
			"gpt-4o-mini",
			"gpt-4-turbo",
			"gpt-4.1",
			"gpt-3.5-turbo",
		},
		maxTokens: 16384,
		streaming: true,
		specialties: []gateway.RequestType{
			gateway.RequestChat,
			gateway.RequestCodeGeneration,
			gateway.RequestSummarization,
		},
	},
	gateway.ProviderGemini: {
		models: []string{
			"gemini-1.5-pro",
			"gemini-1.5-flash",
			"gemini-2.0-flash",
			"gemini-2.5-pro",
		},
		maxTokens: 8192,
		streaming: true,
		specialties: []gateway.RequestType{
			gateway.RequestAnalysis,
			gateway.RequestTranslation,
			gateway.RequestSummarization,
		},
	},
	gateway.ProviderQwen: {
		// DashScope proxies a broad model catalog; accept any name.
		models:    []string{"qwen-max", "qwen-plus", "qwen-turbo", "*"},
		maxTokens: 8192,
		streaming: true,
		specialties: []gateway.RequestType{
			gateway.RequestTranslation,
			gateway.RequestChat,
		},
	},
}

// supportsModel reports whether the capability lists the model or a wildcard.
func (c capability) supportsModel(model string) bool {
	for _, m := range c.models {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// hasSpecialty reports whether the provider declares the request type.
func (c capability) hasSpecialty(t gateway.RequestType) bool {
	for _, s := range c.specialties {
		if s == t {
			return true
		}
	}
	return false
}
