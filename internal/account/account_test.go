package account

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/testutil"
)

func oauthAccount(id string, expiresAt time.Time, refreshToken string) *gateway.Account {
	return &gateway.Account{
		ID:     id,
		UserID: 1,
		Active: true,
		Provider: gateway.ProviderConfig{
			Provider: gateway.ProviderAnthropic,
			Auth:     gateway.AuthOAuth,
		},
		Credentials: gateway.Credentials{
			AccessToken:  "access-" + id,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		},
	}
}

func TestEnsureFreshTokenAPIKey(t *testing.T) {
	t.Parallel()

	m := NewManager(testutil.NewFakeStore())
	acct := &gateway.Account{
		ID:       "a",
		Provider: gateway.ProviderConfig{Provider: gateway.ProviderAnthropic, Auth: gateway.AuthAPIKey},
		Credentials: gateway.Credentials{
			APIKey: "sk-ant-api03-raw",
		},
	}
	token, err := m.EnsureFreshToken(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if token != "sk-ant-api03-raw" {
		t.Errorf("token = %q, want the raw key", token)
	}
}

func TestEnsureFreshTokenOutsideWindow(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	acct := oauthAccount("a", time.Now().Add(time.Hour), "refresh")
	store.AddAccount(acct)
	m := NewManager(store)

	token, err := m.EnsureFreshToken(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if token != "access-a" {
		t.Errorf("token = %q, want the stored access token untouched", token)
	}
	if store.RefreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 outside the window", store.RefreshCalls)
	}
}

func TestEnsureFreshTokenMissingAccessToken(t *testing.T) {
	t.Parallel()

	m := NewManager(testutil.NewFakeStore())
	acct := oauthAccount("a", time.Now().Add(time.Hour), "refresh")
	acct.Credentials.AccessToken = ""

	_, err := m.EnsureFreshToken(context.Background(), acct)
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}
}

func TestEnsureFreshTokenSetupToken(t *testing.T) {
	t.Parallel()

	m := NewManager(testutil.NewFakeStore())

	// Inside the refresh window but still valid, with no refresh token: the
	// setup token is used as-is.
	usable := oauthAccount("a", time.Now().Add(5*time.Minute), "")
	token, err := m.EnsureFreshToken(context.Background(), usable)
	if err != nil {
		t.Fatal(err)
	}
	if token != "access-a" {
		t.Errorf("token = %q", token)
	}

	expired := oauthAccount("b", time.Now().Add(-time.Minute), "")
	if _, err := m.EnsureFreshToken(context.Background(), expired); !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth for an expired setup token", err)
	}
}

func TestEnsureFreshTokenFailureCooldown(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	acct := oauthAccount("a", time.Now().Add(time.Minute), "refresh")
	store.AddAccount(acct)
	m := NewManager(store)
	m.noteFailure("a")

	_, err := m.EnsureFreshToken(context.Background(), acct)
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want cooldown to short-circuit as ErrUpstreamAuth", err)
	}

	m.clearFailure("a")
	if m.inFailureCooldown("a") {
		t.Error("cooldown should clear")
	}
}

func TestRefreshSkippedWhenAnotherFlightWon(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	// The caller's snapshot is stale (expiring), but the store already holds a
	// fresh token: refreshLocked re-reads and returns it without a vendor call.
	fresh := oauthAccount("a", time.Now().Add(2*time.Hour), "refresh")
	store.AddAccount(fresh)
	m := NewManager(store)

	stale := oauthAccount("a", time.Now().Add(time.Minute), "refresh")
	token, err := m.EnsureFreshToken(context.Background(), stale)
	if err != nil {
		t.Fatal(err)
	}
	if token != "access-a" {
		t.Errorf("token = %q", token)
	}
	if store.RefreshCalls != 0 {
		t.Errorf("refresh persisted %d times, want 0", store.RefreshCalls)
	}
}

func TestEnsureFreshTokenConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		// Hold the flight open so concurrent callers pile up behind it.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`)) //nolint:errcheck
	}))
	defer vendor.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(oauthAccount("a", time.Now().Add(time.Minute), "refresh"))
	m := NewManager(store)
	m.endpoints = func(gateway.ServiceProvider) (string, string, error) {
		return vendor.URL, "test-client", nil
	}
	var successes, failures atomic.Int64
	m.OnRefreshResult = func(_ gateway.ServiceProvider, success bool) {
		if success {
			successes.Add(1)
		} else {
			failures.Add(1)
		}
	}

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = m.EnsureFreshToken(context.Background(),
				oauthAccount("a", time.Now().Add(time.Minute), "refresh"))
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Errorf("caller %d token = %q, want new-access", i, tokens[i])
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("vendor endpoint hit %d times, want 1", got)
	}
	if store.RefreshCalls != 1 {
		t.Errorf("token persisted %d times, want 1", store.RefreshCalls)
	}
	if s, f := successes.Load(), failures.Load(); s != 1 || f != 0 {
		t.Errorf("refresh outcomes = %d success / %d failure, want 1/0", s, f)
	}
}

func TestRefreshFailureReportsOutcome(t *testing.T) {
	t.Parallel()

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`)) //nolint:errcheck
	}))
	defer vendor.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(oauthAccount("a", time.Now().Add(time.Minute), "refresh"))
	m := NewManager(store)
	m.endpoints = func(gateway.ServiceProvider) (string, string, error) {
		return vendor.URL, "test-client", nil
	}
	var failures atomic.Int64
	m.OnRefreshResult = func(_ gateway.ServiceProvider, success bool) {
		if !success {
			failures.Add(1)
		}
	}

	_, err := m.EnsureFreshToken(context.Background(),
		oauthAccount("a", time.Now().Add(time.Minute), "refresh"))
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}
	if got := failures.Load(); got != 1 {
		t.Errorf("failure outcomes = %d, want 1", got)
	}
	if !m.inFailureCooldown("a") {
		t.Error("failed refresh should start the cooldown")
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Parallel()

	m := NewManager(testutil.NewFakeStore())
	if err := m.ValidateCredentials(gateway.Credentials{APIKey: "k"}, gateway.AuthAPIKey); err != nil {
		t.Errorf("api key creds: %v", err)
	}
	if err := m.ValidateCredentials(gateway.Credentials{}, gateway.AuthAPIKey); !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	if err := m.ValidateCredentials(gateway.Credentials{AccessToken: "t"}, gateway.AuthOAuth); err != nil {
		t.Errorf("oauth creds: %v", err)
	}
}

func TestDoRefresh(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600,"scope":"user:inference user:profile"}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	res, err := doRefresh(context.Background(), upstream.URL, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "new-access" || res.ExpiresIn != 3600 {
		t.Errorf("response = %+v", res)
	}
	if got := res.scopes(); len(got) != 2 || got[0] != "user:inference" {
		t.Errorf("scopes = %v", got)
	}
}

func TestDoRefreshErrorMasksBody(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","refresh_token":"sk-verysecretvalue1234"}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	_, err := doRefresh(context.Background(), upstream.URL, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if strings.Contains(err.Error(), "sk-verysecretvalue1234") {
		t.Errorf("secret leaked into error: %v", err)
	}
}

func TestDoRefreshMissingAccessToken(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"expires_in":60}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	if _, err := doRefresh(context.Background(), upstream.URL, []byte(`{}`)); err == nil {
		t.Fatal("expected error for response without access_token")
	}
}

func TestTokenEndpointTable(t *testing.T) {
	t.Parallel()

	for _, provider := range []gateway.ServiceProvider{gateway.ProviderAnthropic, gateway.ProviderGemini, gateway.ProviderQwen} {
		url, clientID, err := tokenEndpoint(provider)
		if err != nil || url == "" || clientID == "" {
			t.Errorf("%s: %q %q %v", provider, url, clientID, err)
		}
	}
	if _, _, err := tokenEndpoint(gateway.ProviderOpenAI); err == nil {
		t.Error("openai has no token endpoint; want error")
	}
}

func TestResolveProxy(t *testing.T) {
	t.Parallel()

	proxy := gateway.ProxyConfig{ID: "p1", Type: "socks5", Host: "h", Port: 1080, Enabled: true}
	disabled := gateway.ProxyConfig{ID: "p2", Type: "http", Host: "h", Port: 8080, Enabled: false}
	settings := &gateway.ProxySettings{
		Proxies:   map[string]gateway.ProxyConfig{"p1": proxy, "p2": disabled},
		DefaultID: "p1",
	}

	cases := []struct {
		name    string
		account *gateway.Account
		want    string // resolved proxy id, "" = direct
	}{
		{"nil account", nil, ""},
		{"binding disabled", &gateway.Account{ProxyEnabled: false, ProxyID: "p1"}, ""},
		{"explicit id", &gateway.Account{ProxyEnabled: true, ProxyID: "p1"}, "p1"},
		{"default id", &gateway.Account{ProxyEnabled: true}, "p1"},
		{"disabled proxy", &gateway.Account{ProxyEnabled: true, ProxyID: "p2"}, ""},
		{"unknown id", &gateway.Account{ProxyEnabled: true, ProxyID: "nope"}, ""},
	}
	for _, tc := range cases {
		got := ResolveProxy(tc.account, settings)
		if tc.want == "" && got != nil {
			t.Errorf("%s: resolved %v, want direct", tc.name, got)
		}
		if tc.want != "" && (got == nil || got.ID != tc.want) {
			t.Errorf("%s: resolved %v, want %s", tc.name, got, tc.want)
		}
	}

	if got := ResolveProxy(&gateway.Account{ProxyEnabled: true, ProxyID: "p1"}, nil); got != nil {
		t.Errorf("nil settings resolved %v, want direct", got)
	}
}

func TestNewEnrollment(t *testing.T) {
	t.Parallel()

	e, err := NewEnrollment(gateway.ProviderAnthropic, ScopesSetupToken)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.AuthURL, "claude.ai/oauth/authorize") {
		t.Errorf("auth url = %q", e.AuthURL)
	}
	if !strings.Contains(e.AuthURL, "code_challenge=") || !strings.Contains(e.AuthURL, "code_challenge_method=S256") {
		t.Errorf("auth url missing PKCE challenge: %q", e.AuthURL)
	}
	if !strings.Contains(e.AuthURL, anthropicClientID) {
		t.Errorf("auth url missing client id: %q", e.AuthURL)
	}

	if _, err := NewEnrollment(gateway.ProviderOpenAI, nil); err == nil {
		t.Error("openai enrollment should be rejected")
	}
}
