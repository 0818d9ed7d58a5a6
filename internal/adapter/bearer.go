package adapter

import (
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// bearerAdapter covers the providers whose wire contract is plain bearer
// authentication with no body rewriting: OpenAI, Gemini, and Qwen.
type bearerAdapter struct {
	provider gateway.ServiceProvider
}

func (b *bearerAdapter) AuthHeaders(_ *gateway.Account, token string) (http.Header, error) {
	h := make(http.Header, 1)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

func (b *bearerAdapter) FilterHeaders(client http.Header) http.Header {
	return filterHeaders(client)
}

func (b *bearerAdapter) ProviderHeaders() http.Header { return nil }

func (b *bearerAdapter) TransformBody(body []byte) ([]byte, error) {
	return body, nil
}

func (b *bearerAdapter) ParseUsage(body []byte, streaming bool) (gateway.TokenUsage, bool) {
	if streaming {
		return parseSSEUsage(b.provider, body)
	}
	switch b.provider {
	case gateway.ProviderGemini:
		return parseGeminiUsage(gjson.GetBytes(body, "usageMetadata"))
	default:
		return parseOpenAIUsage(gjson.GetBytes(body, "usage"))
	}
}

func parseGeminiUsage(meta gjson.Result) (gateway.TokenUsage, bool) {
	if !meta.Exists() {
		return gateway.TokenUsage{}, false
	}
	return gateway.TokenUsage{
		Input:     int(meta.Get("promptTokenCount").Int()),
		Output:    int(meta.Get("candidatesTokenCount").Int()),
		CacheRead: int(meta.Get("cachedContentTokenCount").Int()),
	}, true
}

// parseOpenAIUsage reads the OpenAI-compatible usage object, which Qwen's
// DashScope endpoint also emits.
func parseOpenAIUsage(usage gjson.Result) (gateway.TokenUsage, bool) {
	if !usage.Exists() {
		return gateway.TokenUsage{}, false
	}
	return gateway.TokenUsage{
		Input:     int(usage.Get("prompt_tokens").Int()),
		Output:    int(usage.Get("completion_tokens").Int()),
		CacheRead: int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
	}, true
}

func (b *bearerAdapter) Cost(model string, usage gateway.TokenUsage) float64 {
	return priceUsage(b.provider, model, usage)
}

func (b *bearerAdapter) UpstreamURL(account *gateway.Account, path, query string) string {
	return upstreamURL(account, path, query)
}
