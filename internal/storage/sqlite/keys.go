package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

const keyColumns = `id, user_id, name, key_hash, permissions, rpm_limit, daily_limit,
	 expires_at, active, last_used_at, created_at`

// CreateKey inserts a new gateway API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	perms, err := marshalJSON(key.Permissions)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO gateway_keys (id, user_id, name, key_hash, permissions,
		 rpm_limit, daily_limit, expires_at, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.KeyHash, perms,
		key.RPMLimit, key.DailyLimit, timeToStr(key.ExpiresAt),
		boolToInt(key.Active), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves a gateway key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM gateway_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves a gateway key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM gateway_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns a user's gateway keys, newest first.
func (s *Store) ListKeys(ctx context.Context, userID int64, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM gateway_keys WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates mutable fields of an existing key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	perms, err := marshalJSON(key.Permissions)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE gateway_keys SET name=?, permissions=?, rpm_limit=?, daily_limit=?,
		 expires_at=?, active=? WHERE id=?`,
		key.Name, perms, key.RPMLimit, key.DailyLimit,
		timeToStr(key.ExpiresAt), boolToInt(key.Active), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "gateway key")
}

// DeleteKey removes a gateway key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM gateway_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "gateway key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE gateway_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanKey(r scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var permsJSON sql.NullString
	var rpm, daily sql.NullInt64
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var active int

	err := r.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &permsJSON,
		&rpm, &daily, &expiresAt, &active, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Active = active != 0
	if rpm.Valid {
		k.RPMLimit = &rpm.Int64
	}
	if daily.Valid {
		k.DailyLimit = &daily.Int64
	}
	perms, err := unmarshalStringSlice(permsJSON)
	if err != nil {
		return nil, err
	}
	k.Permissions = perms
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
