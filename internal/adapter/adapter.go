// Package adapter encapsulates everything vendor-specific: auth-header
// injection, client-header filtering, request-body transforms, usage parsing,
// and cost calculation. One adapter per (provider, auth method) pair, selected
// once at route time and reused through the request.
package adapter

import (
	"fmt"
	"net/http"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// Adapter is the per-vendor behavior bundle used by the dispatch pipeline.
type Adapter interface {
	// AuthHeaders returns the headers that authenticate the upstream call.
	// token is the fresh secret obtained from the account manager.
	AuthHeaders(account *gateway.Account, token string) (http.Header, error)

	// FilterHeaders returns a copy of the client headers safe to forward:
	// hop-by-hop and credential headers removed, User-Agent normalized.
	// Applying it twice yields the same result as applying it once.
	FilterHeaders(client http.Header) http.Header

	// ProviderHeaders returns vendor-mandated headers added to every call.
	ProviderHeaders() http.Header

	// TransformBody rewrites the request body for the vendor. Most providers
	// pass through unchanged.
	TransformBody(body []byte) ([]byte, error)

	// ParseUsage extracts the token breakdown from a response body, either a
	// final JSON object or accumulated SSE bytes. ok is false when the body
	// carried no parseable usage.
	ParseUsage(body []byte, streaming bool) (usage gateway.TokenUsage, ok bool)

	// Cost prices a usage breakdown in USD for the given model.
	Cost(model string, usage gateway.TokenUsage) float64

	// UpstreamURL resolves the full upstream URL for a forwarded path.
	UpstreamURL(account *gateway.Account, path, query string) string
}

// Select returns the adapter for the given provider pair.
func Select(cfg gateway.ProviderConfig) (Adapter, error) {
	if !cfg.Supported() {
		return nil, fmt.Errorf("no adapter for %s", cfg)
	}
	switch cfg.Provider {
	case gateway.ProviderAnthropic:
		return &anthropicAdapter{auth: cfg.Auth}, nil
	case gateway.ProviderOpenAI:
		return &bearerAdapter{provider: gateway.ProviderOpenAI}, nil
	case gateway.ProviderGemini:
		return &bearerAdapter{provider: gateway.ProviderGemini}, nil
	case gateway.ProviderQwen:
		return &bearerAdapter{provider: gateway.ProviderQwen}, nil
	}
	return nil, fmt.Errorf("no adapter for %s", cfg)
}

// ForPassthrough returns the adapter used when a client brings its own
// upstream key: the key-auth variant of the provider, with no body rewriting
// expectations enforced by the caller.
func ForPassthrough(provider gateway.ServiceProvider) Adapter {
	if provider == gateway.ProviderAnthropic {
		return &anthropicAdapter{auth: gateway.AuthAPIKey}
	}
	return &bearerAdapter{provider: provider}
}
