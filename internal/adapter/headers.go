package adapter

import (
	"net/http"
	"strings"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// replacementUA is presented upstream when the client's own User-Agent is not
// from the Claude Code family.
const replacementUA = "claude-cli/1.0.57 (external, cli)"

// droppedHeaders never cross the gateway: credentials and hop-by-hop fields
// that the outbound request owns.
var droppedHeaders = []string{
	"Authorization",
	"Host",
	"Connection",
	"Content-Length",
	"X-Api-Key",
}

// filterHeaders copies client headers minus the drop set, normalizing the
// User-Agent. extra names are additionally dropped (e.g. anthropic-beta for
// Anthropic OAuth, where the gateway owns the beta string).
func filterHeaders(client http.Header, extra ...string) http.Header {
	out := make(http.Header, len(client))
	for k, vs := range client {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range droppedHeaders {
		out.Del(k)
	}
	for _, k := range extra {
		out.Del(k)
	}

	ua := strings.ToLower(out.Get("User-Agent"))
	if !strings.Contains(ua, "claude-cli") && !strings.Contains(ua, "claude-code") && !strings.Contains(ua, "anthropic") {
		out.Set("User-Agent", replacementUA)
	}
	return out
}

// MergeHeaders layers filtered, provider, then auth headers; later layers win.
func MergeHeaders(filtered, provider, auth http.Header) http.Header {
	out := make(http.Header, len(filtered)+len(provider)+len(auth))
	for _, layer := range []http.Header{filtered, provider, auth} {
		for k, vs := range layer {
			out[k] = append([]string(nil), vs...)
		}
	}
	return out
}

// upstreamURL joins the account's base URL (or the vendor default) with the
// forwarded path and query.
func upstreamURL(account *gateway.Account, path, query string) string {
	base := account.Credentials.BaseURL
	if base == "" {
		base = account.Provider.DefaultBaseURL()
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	// Inbound routes carry the /v1 segment; vendor bases that already end in
	// /v1 must not see it twice.
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		path = strings.TrimPrefix(path, "/v1")
	}
	if query != "" {
		return base + path + "?" + query
	}
	return base + path
}
