// Package auth implements gateway API key authentication.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// cachedEntry is a resolved key+user pair. Expiry is re-checked on every hit
// so a cached key cannot outlive its own deadline.
type cachedEntry struct {
	identity  gateway.Identity
	expiresAt *time.Time
}

// APIKeyAuth authenticates requests using gateway keys with the "lgk_" prefix.
// Secrets without the prefix are treated as upstream keys the client brings
// themselves and pass through unauthenticated.
type APIKeyAuth struct {
	store       storage.Store
	cache       *otter.Cache[string, *cachedEntry]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// New returns an APIKeyAuth backed by store.
func New(store storage.Store) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *cachedEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *cachedEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// ExtractSecret pulls the presented credential from the request, checking
// x-api-key, anthropic-api-key, then Authorization (with a Bearer prefix).
func ExtractSecret(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("anthropic-api-key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

// Authenticate resolves the presented secret to a caller identity.
// A secret without the gateway prefix is not rejected: it is attached as a
// passthrough upstream key and the dispatch pipeline forwards it verbatim.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := ExtractSecret(r)
	if raw == "" {
		return nil, gateway.ErrMissingCredentials
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return &gateway.Identity{Passthrough: true, PassthroughKey: raw}, nil
	}

	hash := gateway.HashKey(raw)

	if entry, ok := a.cache.GetIfPresent(hash); ok {
		if entry.expiresAt != nil && entry.expiresAt.Before(time.Now()) {
			a.cache.Invalidate(hash)
			return nil, gateway.ErrKeyExpired
		}
		id := entry.identity
		return &id, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidCredentials
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrInvalidCredentials
	}

	if !key.Active {
		return nil, gateway.ErrInvalidCredentials
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, gateway.ErrKeyExpired
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active {
		return nil, gateway.ErrInvalidCredentials
	}

	entry := &cachedEntry{identity: buildIdentity(key), expiresAt: key.ExpiresAt}
	a.cache.Set(hash, entry)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	id := entry.identity
	return &id, nil
}

// InvalidateByKeyID removes a cached key by its key ID.
// Used when administrative operations modify or revoke a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func buildIdentity(key *gateway.APIKey) gateway.Identity {
	id := gateway.Identity{
		KeyID:  key.ID,
		UserID: key.UserID,
	}
	if key.RPMLimit != nil {
		id.RPMLimit = *key.RPMLimit
	}
	if key.DailyLimit != nil {
		id.DailyLimit = *key.DailyLimit
	}
	return id
}
