// Package account is the credential store for upstream accounts: snapshot
// reads, proxy resolution, and the OAuth token lifecycle that guarantees the
// access token handed to an adapter is fresh.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/storage"
)

const (
	// refreshWindow triggers a just-in-time refresh when expiry is this close.
	refreshWindow = 10 * time.Minute
	// refreshRetryCooldown gates repeat refresh attempts after a failure so a
	// stampede of requests cannot burn the refresh token's retry budget.
	refreshRetryCooldown = time.Minute
)

// Manager owns upstream-account credential state. All mutation flows through
// it; other components read cloned snapshots.
type Manager struct {
	store     storage.AccountStore
	refresh   singleflight.Group
	endpoints endpointResolver // vendor token endpoints, replaced in tests

	failMu   sync.Mutex
	lastFail map[string]time.Time // account id -> last refresh failure

	// OnAuthFailure, when set, is invoked after a refresh permanently fails,
	// feeding the health tracker without a package dependency on it.
	OnAuthFailure func(accountID string)

	// OnRefreshResult, when set, is invoked once per vendor refresh attempt
	// (the re-read shortcut does not count). Feeds the refresh counter.
	OnRefreshResult func(provider gateway.ServiceProvider, success bool)
}

// NewManager creates a Manager over the given store.
func NewManager(store storage.AccountStore) *Manager {
	return &Manager{
		store:     store,
		endpoints: tokenEndpoint,
		lastFail:  make(map[string]time.Time),
	}
}

// GetAccount returns a snapshot of the account, or gateway.ErrNotFound.
func (m *Manager) GetAccount(ctx context.Context, id string) (*gateway.Account, error) {
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// ListActiveForUser returns snapshots of the user's active accounts.
func (m *Manager) ListActiveForUser(ctx context.Context, userID int64) ([]*gateway.Account, error) {
	accounts, err := m.store.ListActiveAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.Account, len(accounts))
	for i, a := range accounts {
		out[i] = a.Clone()
	}
	return out, nil
}

// ValidateCredentials checks that the secret material matches the auth method.
func (m *Manager) ValidateCredentials(creds gateway.Credentials, auth gateway.AuthMethod) error {
	if !creds.Valid(auth) {
		return fmt.Errorf("credentials for %s: %w", auth, gateway.ErrInvalidCredentials)
	}
	return nil
}

// EnsureFreshToken returns an access token guaranteed usable for the next few
// minutes. API-key accounts return their key unchanged. OAuth accounts within
// the refresh window are refreshed against the vendor token endpoint; at most
// one refresh is in flight per account id and concurrent callers share its
// result.
func (m *Manager) EnsureFreshToken(ctx context.Context, account *gateway.Account) (string, error) {
	if account.Provider.Auth == gateway.AuthAPIKey {
		return account.Credentials.APIKey, nil
	}

	creds := account.Credentials
	if creds.AccessToken == "" {
		return "", fmt.Errorf("account %s: no access token: %w", account.ID, gateway.ErrUpstreamAuth)
	}
	if creds.ExpiresAt.IsZero() || time.Until(creds.ExpiresAt) > refreshWindow {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		// Permanent-style token (e.g. Anthropic setup token): usable until it
		// actually expires, never refreshable.
		if time.Now().Before(creds.ExpiresAt) {
			return creds.AccessToken, nil
		}
		return "", fmt.Errorf("account %s: setup token expired: %w", account.ID, gateway.ErrUpstreamAuth)
	}

	if m.inFailureCooldown(account.ID) {
		return "", fmt.Errorf("account %s: refresh in cooldown: %w", account.ID, gateway.ErrUpstreamAuth)
	}

	token, err, _ := m.refresh.Do(account.ID, func() (any, error) {
		return m.refreshLocked(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refreshLocked performs the single-flight refresh body for one account.
func (m *Manager) refreshLocked(ctx context.Context, account *gateway.Account) (string, error) {
	// Re-read: another process (or an earlier flight) may have refreshed.
	current, err := m.store.GetAccount(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if time.Until(current.Credentials.ExpiresAt) > refreshWindow {
		return current.Credentials.AccessToken, nil
	}

	res, err := refreshToken(ctx, m.endpoints, current.Provider.Provider, current.Credentials.RefreshToken)
	if m.OnRefreshResult != nil {
		m.OnRefreshResult(current.Provider.Provider, err == nil)
	}
	if err != nil {
		m.noteFailure(current.ID)
		if m.OnAuthFailure != nil {
			m.OnAuthFailure(current.ID)
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "oauth refresh failed",
			slog.String("account", current.ID),
			slog.String("provider", current.Provider.String()),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("account %s: %w: %w", current.ID, gateway.ErrUpstreamAuth, err)
	}

	expiresAt := time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	if err := m.store.UpdateAccountTokens(ctx, current.ID, res.AccessToken, res.RefreshToken, expiresAt, res.scopes()); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", current.ID, err)
	}
	m.clearFailure(current.ID)

	slog.LogAttrs(ctx, slog.LevelInfo, "oauth token refreshed",
		slog.String("account", current.ID),
		slog.String("provider", current.Provider.String()),
		slog.Int64("expires_in_s", int64(res.ExpiresIn)),
	)
	return res.AccessToken, nil
}

func (m *Manager) inFailureCooldown(accountID string) bool {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	last, ok := m.lastFail[accountID]
	return ok && time.Since(last) < refreshRetryCooldown
}

func (m *Manager) noteFailure(accountID string) {
	m.failMu.Lock()
	m.lastFail[accountID] = time.Now()
	m.failMu.Unlock()
}

func (m *Manager) clearFailure(accountID string) {
	m.failMu.Lock()
	delete(m.lastFail, accountID)
	m.failMu.Unlock()
}

// RefreshExpiring proactively refreshes every OAuth account whose expiry is
// inside the refresh window. Called from the background sweep worker.
func (m *Manager) RefreshExpiring(ctx context.Context) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "list accounts for refresh sweep",
			slog.String("error", err.Error()))
		return
	}
	for _, a := range accounts {
		if !a.Active || a.Provider.Auth != gateway.AuthOAuth || a.Credentials.RefreshToken == "" {
			continue
		}
		if time.Until(a.Credentials.ExpiresAt) > refreshWindow {
			continue
		}
		if _, err := m.EnsureFreshToken(ctx, a.Clone()); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "background refresh failed",
				slog.String("account", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
