package account

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// Interactive enrollment: the browser-driven PKCE ceremony an operator runs
// to add an OAuth upstream account. Its output -- access/refresh token,
// expiry, scopes -- feeds the credential store; the dispatch path never
// touches this flow.

const anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"

// ScopesInteractive is the scope set for the full interactive flow.
var ScopesInteractive = []string{"org:create_api_key", "user:profile", "user:inference"}

// ScopesSetupToken is the scope set for the one-year setup-token flow.
var ScopesSetupToken = []string{"user:inference"}

// Enrollment is an in-progress PKCE authorization.
type Enrollment struct {
	config   oauth2.Config
	verifier string
	// AuthURL is the browser URL the operator must visit.
	AuthURL string
}

// NewEnrollment starts a PKCE enrollment for the given provider.
// Only Anthropic is enrollable through the gateway today; Gemini and Qwen
// accounts arrive with tokens minted by their own CLIs.
func NewEnrollment(provider gateway.ServiceProvider, scopes []string) (*Enrollment, error) {
	if provider != gateway.ProviderAnthropic {
		return nil, fmt.Errorf("enrollment not supported for provider %s", provider)
	}
	cfg := oauth2.Config{
		ClientID:    anthropicClientID,
		RedirectURL: anthropicRedirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  anthropicAuthorizeURL,
			TokenURL: anthropicTokenURL,
		},
	}
	verifier := oauth2.GenerateVerifier()
	url := cfg.AuthCodeURL("", oauth2.S256ChallengeOption(verifier))
	return &Enrollment{config: cfg, verifier: verifier, AuthURL: url}, nil
}

// Complete exchanges the pasted authorization code for credentials.
func (e *Enrollment) Complete(ctx context.Context, code string) (gateway.Credentials, error) {
	tok, err := e.config.Exchange(ctx, code, oauth2.VerifierOption(e.verifier))
	if err != nil {
		return gateway.Credentials{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	creds := gateway.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       e.config.Scopes,
	}
	if creds.ExpiresAt.IsZero() {
		// Setup tokens report no expiry; the vendor documents one year.
		creds.ExpiresAt = time.Now().Add(365 * 24 * time.Hour)
	}
	return creds, nil
}
