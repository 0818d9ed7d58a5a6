package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/testutil"
)

func TestIssueMintsUsableKey(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddUser(&gateway.User{ID: 1, Login: "dev@example.com", Active: true})

	rpm := int64(30)
	plaintext, key, err := NewIssuer(store).Issue(context.Background(), IssueOpts{
		UserID:   1,
		Name:     "ci",
		RPMLimit: &rpm,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Errorf("plaintext = %q, want %s prefix", plaintext, gateway.APIKeyPrefix)
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Error("stored hash does not match the plaintext")
	}
	if key.ID == "" || !key.Active {
		t.Errorf("record = %+v", key)
	}

	// The minted key authenticates end to end.
	a, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := http.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer "+plaintext)
	identity, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if identity.KeyID != key.ID || identity.UserID != 1 || identity.RPMLimit != 30 {
		t.Errorf("identity = %+v", identity)
	}
}

func TestIssueDefaultsName(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	_, key, err := NewIssuer(store).Issue(context.Background(), IssueOpts{UserID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if key.Name == "" {
		t.Error("name should default")
	}
}

func TestIssueUniqueSecrets(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	issuer := NewIssuer(store)

	seen := make(map[string]bool)
	for range 10 {
		plaintext, _, err := issuer.Issue(context.Background(), IssueOpts{UserID: 1})
		if err != nil {
			t.Fatal(err)
		}
		if seen[plaintext] {
			t.Fatal("duplicate secret minted")
		}
		seen[plaintext] = true
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	issuer := NewIssuer(store)

	_, key, err := issuer.Issue(context.Background(), IssueOpts{UserID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := issuer.Revoke(context.Background(), key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetKey(context.Background(), key.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after revoke", err)
	}
}

func TestIssueExpiredKeyRejected(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddUser(&gateway.User{ID: 1, Login: "dev@example.com", Active: true})

	past := time.Now().Add(-time.Hour)
	plaintext, _, err := NewIssuer(store).Issue(context.Background(), IssueOpts{UserID: 1, ExpiresAt: &past})
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := http.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", plaintext)
	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrKeyExpired) {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}
