package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/storage"
)

// Issuer handles gateway key lifecycle (mint, revoke).
type Issuer struct {
	store storage.Store
}

// NewIssuer returns an Issuer backed by store.
func NewIssuer(store storage.Store) *Issuer {
	return &Issuer{store: store}
}

// IssueOpts holds all fields for gateway key creation. Nil limits fall back
// to the system defaults at enforcement time.
type IssueOpts struct {
	UserID      int64
	Name        string
	Permissions []string
	RPMLimit    *int64
	DailyLimit  *int64
	ExpiresAt   *time.Time
}

// Issue mints a new gateway key, stores its hash, and returns the plaintext
// (shown once) along with the persisted record.
func (i *Issuer) Issue(ctx context.Context, opts IssueOpts) (string, *gateway.APIKey, error) {
	plaintext, err := gateway.GenerateKey()
	if err != nil {
		return "", nil, err
	}

	name := opts.Name
	if name == "" {
		name = "unnamed"
	}

	key := &gateway.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      opts.UserID,
		Name:        name,
		KeyHash:     gateway.HashKey(plaintext),
		Permissions: opts.Permissions,
		RPMLimit:    opts.RPMLimit,
		DailyLimit:  opts.DailyLimit,
		ExpiresAt:   opts.ExpiresAt,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	if err := i.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// Revoke removes the gateway key with the given ID.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	return i.store.DeleteKey(ctx, id)
}
