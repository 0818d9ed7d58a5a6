package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// Vendor OAuth constants. The token endpoints and client ids are fixed by the
// vendors' public CLI clients.
const (
	anthropicTokenURL    = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicRedirectURI = "https://console.anthropic.com/oauth/code/callback"

	geminiTokenURL = "https://oauth2.googleapis.com/token"
	geminiClientID = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"

	qwenTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenClientID = "f0304373b74a44d2b584a3fb70ca9e56"

	refreshTimeout    = 30 * time.Second
	refreshRetryDelay = 250 * time.Millisecond
)

// refreshHTTP is the dedicated client for token-endpoint calls. Refreshes are
// rare and small; the default transport suffices.
var refreshHTTP = &http.Client{Timeout: refreshTimeout}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// scopes splits the space-separated scope string, nil when empty.
func (r refreshResponse) scopes() []string {
	if r.Scope == "" {
		return nil
	}
	return strings.Fields(r.Scope)
}

// endpointResolver maps a provider to its token endpoint and client id.
type endpointResolver func(provider gateway.ServiceProvider) (url, clientID string, err error)

func tokenEndpoint(provider gateway.ServiceProvider) (url, clientID string, err error) {
	switch provider {
	case gateway.ProviderAnthropic:
		return anthropicTokenURL, anthropicClientID, nil
	case gateway.ProviderGemini:
		return geminiTokenURL, geminiClientID, nil
	case gateway.ProviderQwen:
		return qwenTokenURL, qwenClientID, nil
	default:
		return "", "", fmt.Errorf("provider %s has no oauth token endpoint", provider)
	}
}

// refreshToken exchanges a refresh token at the vendor endpoint. Network
// errors are retried once after a short delay; a non-2xx response is terminal
// for this call.
func refreshToken(ctx context.Context, endpoints endpointResolver, provider gateway.ServiceProvider, token string) (*refreshResponse, error) {
	endpoint, clientID, err := endpoints(provider)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		ClientID:     clientID,
		RefreshToken: token,
	})
	if err != nil {
		return nil, err
	}

	res, err := doRefresh(ctx, endpoint, body)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			select {
			case <-time.After(refreshRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			res, err = doRefresh(ctx, endpoint, body)
		}
	}
	return res, err
}

func doRefresh(ctx context.Context, endpoint string, body []byte) (*refreshResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := refreshHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, gateway.MaskSecret(string(respBody)))
	}

	var out refreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &out, nil
}
