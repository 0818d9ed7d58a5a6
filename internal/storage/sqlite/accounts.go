package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

const accountColumns = `id, user_id, provider, auth_method, name, api_key,
	 access_token, refresh_token, token_expires, scopes, base_url, active,
	 proxy_enabled, proxy_id, created_at, updated_at`

// CreateAccount inserts a new upstream account.
func (s *Store) CreateAccount(ctx context.Context, a *gateway.Account) error {
	scopes, err := marshalJSON(a.Credentials.Scopes)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var tokenExpires any
	if !a.Credentials.ExpiresAt.IsZero() {
		tokenExpires = a.Credentials.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO upstream_accounts (id, user_id, provider, auth_method, name,
		 api_key, access_token, refresh_token, token_expires, scopes, base_url,
		 active, proxy_enabled, proxy_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Provider.Provider), string(a.Provider.Auth), a.Name,
		a.Credentials.APIKey, a.Credentials.AccessToken, a.Credentials.RefreshToken,
		tokenExpires, scopes, a.Credentials.BaseURL,
		boolToInt(a.Active), boolToInt(a.ProxyEnabled), a.ProxyID,
		a.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	return err
}

// GetAccount retrieves an upstream account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*gateway.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM upstream_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns every upstream account.
func (s *Store) ListAccounts(ctx context.Context) ([]*gateway.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM upstream_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListActiveAccounts returns a user's active upstream accounts.
func (s *Store) ListActiveAccounts(ctx context.Context, userID int64) ([]*gateway.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM upstream_accounts
		 WHERE user_id = ? AND active = 1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// UpdateAccount updates mutable fields of an account.
func (s *Store) UpdateAccount(ctx context.Context, a *gateway.Account) error {
	scopes, err := marshalJSON(a.Credentials.Scopes)
	if err != nil {
		return err
	}
	var tokenExpires any
	if !a.Credentials.ExpiresAt.IsZero() {
		tokenExpires = a.Credentials.ExpiresAt.UTC().Format(time.RFC3339)
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_accounts SET name=?, api_key=?, access_token=?,
		 refresh_token=?, token_expires=?, scopes=?, base_url=?, active=?,
		 proxy_enabled=?, proxy_id=?, updated_at=? WHERE id=?`,
		a.Name, a.Credentials.APIKey, a.Credentials.AccessToken,
		a.Credentials.RefreshToken, tokenExpires, scopes, a.Credentials.BaseURL,
		boolToInt(a.Active), boolToInt(a.ProxyEnabled), a.ProxyID,
		time.Now().UTC().Format(time.RFC3339), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// UpdateAccountTokens persists a refreshed OAuth token set.
// An empty refreshToken keeps the stored one (some vendors do not rotate).
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error {
	scopesJSON, err := marshalJSON(scopes)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var result sql.Result
	if refreshToken != "" {
		result, err = s.write.ExecContext(ctx,
			`UPDATE upstream_accounts SET access_token=?, refresh_token=?,
			 token_expires=?, scopes=COALESCE(?, scopes), updated_at=? WHERE id=?`,
			accessToken, refreshToken, expiresAt.UTC().Format(time.RFC3339), scopesJSON, now, id)
	} else {
		result, err = s.write.ExecContext(ctx,
			`UPDATE upstream_accounts SET access_token=?,
			 token_expires=?, scopes=COALESCE(?, scopes), updated_at=? WHERE id=?`,
			accessToken, expiresAt.UTC().Format(time.RFC3339), scopesJSON, now, id)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// SetAccountActive flips the active flag (used on permanent auth failure).
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_accounts SET active=?, updated_at=? WHERE id=?`,
		boolToInt(active), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// DeleteAccount removes an upstream account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstream_accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

func collectAccounts(rows *sql.Rows) ([]*gateway.Account, error) {
	var out []*gateway.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(r scanner) (*gateway.Account, error) {
	var a gateway.Account
	var provider, authMethod string
	var apiKey, accessToken, refreshToken, baseURL, proxyID sql.NullString
	var scopesJSON, tokenExpires, createdAt, updatedAt sql.NullString
	var active, proxyEnabled int

	err := r.Scan(
		&a.ID, &a.UserID, &provider, &authMethod, &a.Name,
		&apiKey, &accessToken, &refreshToken, &tokenExpires, &scopesJSON,
		&baseURL, &active, &proxyEnabled, &proxyID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.Provider = gateway.ProviderConfig{
		Provider: gateway.ServiceProvider(provider),
		Auth:     gateway.AuthMethod(authMethod),
	}
	a.Credentials.APIKey = apiKey.String
	a.Credentials.AccessToken = accessToken.String
	a.Credentials.RefreshToken = refreshToken.String
	a.Credentials.BaseURL = baseURL.String
	if t := parseTime(tokenExpires); t != nil {
		a.Credentials.ExpiresAt = *t
	}
	scopes, err := unmarshalStringSlice(scopesJSON)
	if err != nil {
		return nil, err
	}
	a.Credentials.Scopes = scopes
	a.Active = active != 0
	a.ProxyEnabled = proxyEnabled != 0
	a.ProxyID = proxyID.String
	if t := parseTime(createdAt); t != nil {
		a.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		a.UpdatedAt = *t
	}
	return &a, nil
}
