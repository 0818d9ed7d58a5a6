package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/testutil"
)

func newAuth(t *testing.T) (*APIKeyAuth, *testutil.FakeStore, string) {
	t.Helper()
	store := testutil.NewFakeStore()
	a, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := gateway.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store.AddUser(&gateway.User{ID: 1, Login: "alice", Active: true})
	store.AddKey(&gateway.APIKey{
		ID:      "key-1",
		UserID:  1,
		KeyHash: gateway.HashKey(raw),
		Active:  true,
	})
	return a, store, raw
}

func requestWithHeader(name, value string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set(name, value)
	return r
}

func TestAuthenticateValidKey(t *testing.T) {
	t.Parallel()

	a, _, raw := newAuth(t)
	for _, header := range []string{"x-api-key", "anthropic-api-key"} {
		id, err := a.Authenticate(context.Background(), requestWithHeader(header, raw))
		if err != nil {
			t.Fatalf("%s: %v", header, err)
		}
		if id.KeyID != "key-1" || id.UserID != 1 || id.Passthrough {
			t.Errorf("%s: identity = %+v", header, id)
		}
	}

	id, err := a.Authenticate(context.Background(), requestWithHeader("Authorization", "Bearer "+raw))
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("bearer: identity = %+v", id)
	}
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	t.Parallel()

	a, _, _ := newAuth(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestAuthenticatePassthrough(t *testing.T) {
	t.Parallel()

	a, _, _ := newAuth(t)
	id, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", "sk-ant-api03-users-own"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.Passthrough || id.PassthroughKey != "sk-ant-api03-users-own" {
		t.Errorf("identity = %+v, want passthrough", id)
	}
	if id.KeyID != "" {
		t.Error("passthrough identity should carry no gateway key id")
	}
}

func TestAuthenticateUnknownGatewayKey(t *testing.T) {
	t.Parallel()

	a, _, _ := newAuth(t)
	_, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", gateway.APIKeyPrefix+"nope"))
	if !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateInactiveKeyAndUser(t *testing.T) {
	t.Parallel()

	a, store, raw := newAuth(t)

	store.AddKey(&gateway.APIKey{ID: "key-1", UserID: 1, KeyHash: gateway.HashKey(raw), Active: false})
	if _, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", raw)); !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Fatalf("inactive key: err = %v, want ErrInvalidCredentials", err)
	}

	store.AddKey(&gateway.APIKey{ID: "key-1", UserID: 1, KeyHash: gateway.HashKey(raw), Active: true})
	store.AddUser(&gateway.User{ID: 1, Login: "alice", Active: false})
	if _, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", raw)); !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Fatalf("inactive user: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	t.Parallel()

	a, store, raw := newAuth(t)
	past := time.Now().Add(-time.Hour)
	store.AddKey(&gateway.APIKey{
		ID:        "key-1",
		UserID:    1,
		KeyHash:   gateway.HashKey(raw),
		Active:    true,
		ExpiresAt: &past,
	})
	if _, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", raw)); !errors.Is(err, gateway.ErrKeyExpired) {
		t.Fatalf("err = %v, want ErrKeyExpired", err)
	}
}

func TestAuthenticateLimitsAttached(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	a, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _ := gateway.GenerateKey()
	rpm, daily := int64(60), int64(5000)
	store.AddUser(&gateway.User{ID: 7, Login: "bob", Active: true})
	store.AddKey(&gateway.APIKey{
		ID: "key-7", UserID: 7, KeyHash: gateway.HashKey(raw), Active: true,
		RPMLimit: &rpm, DailyLimit: &daily,
	})

	id, err := a.Authenticate(context.Background(), requestWithHeader("x-api-key", raw))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.RPMLimit != 60 || id.DailyLimit != 5000 {
		t.Errorf("limits = %d/%d, want 60/5000", id.RPMLimit, id.DailyLimit)
	}
}

func TestExtractSecretPrecedence(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("anthropic-api-key", "from-anthropic")
	r.Header.Set("x-api-key", "from-x")
	if got := ExtractSecret(r); got != "from-x" {
		t.Errorf("secret = %q, want x-api-key first", got)
	}

	r.Header.Del("x-api-key")
	if got := ExtractSecret(r); got != "from-anthropic" {
		t.Errorf("secret = %q, want anthropic-api-key second", got)
	}

	r.Header.Del("anthropic-api-key")
	if got := ExtractSecret(r); got != "from-bearer" {
		t.Errorf("secret = %q, want bearer third", got)
	}
}
