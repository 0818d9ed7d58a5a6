package adapter

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

const (
	anthropicVersion = "2023-06-01"
	anthropicBetas   = "claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	oauthBeta        = "oauth-2025-04-20"

	// identityText is the system block Claude-Code-family upstreams expect
	// to see first.
	identityText = "You are Claude Code, Anthropic's official CLI for Claude."
)

// identityBlockRaw is the prepended system element, pre-serialized.
const identityBlockRaw = `{"type":"text","text":"` + identityText + `","cache_control":{"type":"ephemeral"}}`

// anthropicAdapter serves both Anthropic auth methods; the OAuth variant owns
// the beta string and enforces token expiry at header-build time.
type anthropicAdapter struct {
	auth gateway.AuthMethod
}

func (a *anthropicAdapter) AuthHeaders(account *gateway.Account, token string) (http.Header, error) {
	if a.auth == gateway.AuthOAuth {
		exp := account.Credentials.ExpiresAt
		if !exp.IsZero() && !exp.After(time.Now()) {
			return nil, fmt.Errorf("account %s: oauth token expired: %w", account.ID, gateway.ErrUpstreamAuth)
		}
	}
	h := make(http.Header, 1)
	// Anthropic keys go in x-api-key; anything else (OAuth access tokens,
	// third-party relay keys) is a bearer token.
	if strings.HasPrefix(token, "sk-ant-") {
		h.Set("x-api-key", token)
	} else {
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

func (a *anthropicAdapter) FilterHeaders(client http.Header) http.Header {
	if a.auth == gateway.AuthOAuth {
		return filterHeaders(client, "Anthropic-Beta")
	}
	return filterHeaders(client)
}

func (a *anthropicAdapter) ProviderHeaders() http.Header {
	h := make(http.Header, 2)
	h.Set("anthropic-version", anthropicVersion)
	betas := anthropicBetas
	if a.auth == gateway.AuthOAuth {
		betas += "," + oauthBeta
	}
	h.Set("anthropic-beta", betas)
	return h
}

// TransformBody normalizes the system prompt to an array form, guarantees the
// Claude-Code identity block leads it, and clamps max_tokens to the model's
// ceiling. The transform is a fixed point: applying it twice changes nothing.
func (a *anthropicAdapter) TransformBody(body []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("request body is not a JSON object: %w", gateway.ErrBadRequest)
	}

	out := body
	var err error

	sysRaw := "[]"
	switch sys := parsed.Get("system"); sys.Type {
	case gjson.String:
		if sysRaw, err = sjson.Set("[]", "0", map[string]string{"type": "text", "text": sys.String()}); err != nil {
			return nil, fmt.Errorf("normalize system prompt: %w", err)
		}
	case gjson.JSON:
		if sys.IsArray() {
			sysRaw = sys.Raw
		}
	}

	if !hasIdentityBlock(gjson.Parse(sysRaw)) {
		sysRaw = prependRaw(sysRaw, identityBlockRaw)
	}
	if out, err = sjson.SetRawBytes(out, "system", []byte(sysRaw)); err != nil {
		return nil, fmt.Errorf("set system prompt: %w", err)
	}

	if mt := parsed.Get("max_tokens"); mt.Exists() {
		cap := modelTokenCap(parsed.Get("model").String())
		if mt.Int() > int64(cap) {
			if out, err = sjson.SetBytes(out, "max_tokens", cap); err != nil {
				return nil, fmt.Errorf("clamp max_tokens: %w", err)
			}
		}
	}
	return out, nil
}

// hasIdentityBlock reports whether any system element already names Claude Code.
func hasIdentityBlock(sys gjson.Result) bool {
	for _, el := range sys.Array() {
		if strings.Contains(el.Get("text").String(), "Claude Code") {
			return true
		}
	}
	return false
}

// prependRaw splices a raw JSON value to the front of a raw JSON array.
func prependRaw(arrRaw, elemRaw string) string {
	inner := strings.TrimSpace(arrRaw)
	inner = strings.TrimPrefix(inner, "[")
	inner = strings.TrimSuffix(inner, "]")
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "[" + elemRaw + "]"
	}
	return "[" + elemRaw + "," + inner + "]"
}

// modelTokenCap is the output-token ceiling per model family.
func modelTokenCap(model string) int {
	m := strings.ToLower(model)
	m = strings.ReplaceAll(m, ".", "-")
	if strings.Contains(m, "3-5-sonnet") || strings.Contains(m, "3-5-haiku") {
		return 8192
	}
	return 4096
}

func (a *anthropicAdapter) ParseUsage(body []byte, streaming bool) (gateway.TokenUsage, bool) {
	if streaming {
		return parseSSEUsage(gateway.ProviderAnthropic, body)
	}
	return parseAnthropicUsage(gjson.GetBytes(body, "usage"))
}

func parseAnthropicUsage(usage gjson.Result) (gateway.TokenUsage, bool) {
	if !usage.Exists() {
		return gateway.TokenUsage{}, false
	}
	return gateway.TokenUsage{
		Input:         int(usage.Get("input_tokens").Int()),
		Output:        int(usage.Get("output_tokens").Int()),
		CacheCreation: int(usage.Get("cache_creation_input_tokens").Int()),
		CacheRead:     int(usage.Get("cache_read_input_tokens").Int()),
	}, true
}

func (a *anthropicAdapter) Cost(model string, usage gateway.TokenUsage) float64 {
	return priceUsage(gateway.ProviderAnthropic, model, usage)
}

func (a *anthropicAdapter) UpstreamURL(account *gateway.Account, path, query string) string {
	return upstreamURL(account, path, query)
}
