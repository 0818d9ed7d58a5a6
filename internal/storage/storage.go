// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// UserStore manages user persistence. The core reads users; CRUD belongs to
// the external administrative surface.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id int64) (*gateway.User, error)
	GetUserByLogin(ctx context.Context, login string) (*gateway.User, error)
}

// KeyStore manages gateway API key persistence.
type KeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, userID int64, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// AccountStore manages upstream account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *gateway.Account) error
	GetAccount(ctx context.Context, id string) (*gateway.Account, error)
	ListAccounts(ctx context.Context) ([]*gateway.Account, error)
	ListActiveAccounts(ctx context.Context, userID int64) ([]*gateway.Account, error)
	UpdateAccount(ctx context.Context, a *gateway.Account) error
	// UpdateAccountTokens persists a refreshed OAuth token set. An empty
	// refreshToken keeps the stored one.
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	DeleteAccount(ctx context.Context, id string) error
}

// ProxyStore manages egress proxy configuration.
type ProxyStore interface {
	GetProxySettings(ctx context.Context) (*gateway.ProxySettings, error)
	SaveProxy(ctx context.Context, p *gateway.ProxyConfig) error
	SetDefaultProxy(ctx context.Context, id string) error
	DeleteProxy(ctx context.Context, id string) error
}

// UsageStore manages usage ledger persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error)
	SumUsageCost(ctx context.Context, keyID string) (float64, error)
	// CountUsageSince returns per-key request counts recorded at or after since.
	CountUsageSince(ctx context.Context, since time.Time) (map[string]int64, error)
	// PruneUsageBefore deletes records older than cutoff, returning the count.
	PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	KeyStore
	AccountStore
	ProxyStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
