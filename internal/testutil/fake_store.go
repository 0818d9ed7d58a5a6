// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu       sync.RWMutex
	users    map[int64]*gateway.User
	keys     map[string]*gateway.APIKey // by id
	accounts map[string]*gateway.Account
	proxies  gateway.ProxySettings
	usage    []gateway.UsageRecord

	// RefreshCalls counts UpdateAccountTokens invocations.
	RefreshCalls int
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:    make(map[int64]*gateway.User),
		keys:     make(map[string]*gateway.APIKey),
		accounts: make(map[string]*gateway.Account),
		proxies:  gateway.ProxySettings{Proxies: make(map[string]gateway.ProxyConfig)},
	}
}

// AddUser inserts a user.
func (s *FakeStore) AddUser(u *gateway.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddKey inserts a gateway key.
func (s *FakeStore) AddKey(k *gateway.APIKey) {
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
}

// AddAccount inserts an upstream account.
func (s *FakeStore) AddAccount(a *gateway.Account) {
	s.mu.Lock()
	s.accounts[a.ID] = a
	s.mu.Unlock()
}

// UsageRecords returns a copy of all inserted usage records.
func (s *FakeStore) UsageRecords() []gateway.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]gateway.UsageRecord(nil), s.usage...)
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.AddUser(u)
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id int64) (*gateway.User, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

func (s *FakeStore) GetUserByLogin(_ context.Context, login string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, gateway.ErrNotFound
}

// --- KeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *gateway.APIKey) error {
	s.AddKey(k)
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	k, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, userID int64, _, _ int) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, k *gateway.APIKey) error {
	s.AddKey(k)
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) TouchKeyUsed(context.Context, string) error { return nil }

// --- AccountStore ---

func (s *FakeStore) CreateAccount(_ context.Context, a *gateway.Account) error {
	s.AddAccount(a)
	return nil
}

func (s *FakeStore) GetAccount(_ context.Context, id string) (*gateway.Account, error) {
	s.mu.RLock()
	a, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *FakeStore) ListAccounts(context.Context) ([]*gateway.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *FakeStore) ListActiveAccounts(_ context.Context, userID int64) ([]*gateway.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Account
	for _, a := range s.accounts {
		if a.Active && a.UserID == userID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateAccount(_ context.Context, a *gateway.Account) error {
	s.AddAccount(a)
	return nil
}

func (s *FakeStore) UpdateAccountTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshCalls++
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	a.Credentials.AccessToken = accessToken
	if refreshToken != "" {
		a.Credentials.RefreshToken = refreshToken
	}
	a.Credentials.ExpiresAt = expiresAt
	if scopes != nil {
		a.Credentials.Scopes = scopes
	}
	return nil
}

func (s *FakeStore) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	a.Active = active
	return nil
}

func (s *FakeStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
	return nil
}

// --- ProxyStore ---

func (s *FakeStore) GetProxySettings(context.Context) (*gateway.ProxySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := gateway.ProxySettings{
		Proxies:   make(map[string]gateway.ProxyConfig, len(s.proxies.Proxies)),
		DefaultID: s.proxies.DefaultID,
	}
	for id, p := range s.proxies.Proxies {
		cp.Proxies[id] = p
	}
	return &cp, nil
}

func (s *FakeStore) SaveProxy(_ context.Context, p *gateway.ProxyConfig) error {
	s.mu.Lock()
	s.proxies.Proxies[p.ID] = *p
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SetDefaultProxy(_ context.Context, id string) error {
	s.mu.Lock()
	s.proxies.DefaultID = id
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteProxy(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.proxies.Proxies, id)
	s.mu.Unlock()
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.UsageRecord
	for _, r := range s.usage {
		if f.KeyID != "" && r.KeyID != f.KeyID {
			continue
		}
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, keyID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.usage {
		if r.KeyID == keyID {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (s *FakeStore) CountUsageSince(_ context.Context, since time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for _, r := range s.usage {
		if r.KeyID != "" && !r.CreatedAt.Before(since) {
			out[r.KeyID]++
		}
	}
	return out, nil
}

func (s *FakeStore) PruneUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.usage[:0]
	var pruned int64
	for _, r := range s.usage {
		if r.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return pruned, nil
}

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
