package sqlite

import (
	"context"
	"database/sql"
	"errors"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// GetProxySettings returns the full proxy map plus the system default id.
func (s *Store) GetProxySettings(ctx context.Context) (*gateway.ProxySettings, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, type, host, port, username, password, enabled FROM proxy_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := &gateway.ProxySettings{Proxies: make(map[string]gateway.ProxyConfig)}
	for rows.Next() {
		var p gateway.ProxyConfig
		var username, password sql.NullString
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Host, &p.Port, &username, &password, &enabled); err != nil {
			return nil, err
		}
		p.Username = username.String
		p.Password = password.String
		p.Enabled = enabled != 0
		settings.Proxies[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var defaultID sql.NullString
	err = s.read.QueryRowContext(ctx,
		`SELECT default_proxy_id FROM proxy_settings WHERE id = 1`).Scan(&defaultID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	settings.DefaultID = defaultID.String
	return settings, nil
}

// SaveProxy inserts or replaces a proxy configuration.
func (s *Store) SaveProxy(ctx context.Context, p *gateway.ProxyConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO proxy_configs (id, name, type, host, port, username, password, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type,
		 host=excluded.host, port=excluded.port, username=excluded.username,
		 password=excluded.password, enabled=excluded.enabled`,
		p.ID, p.Name, p.Type, p.Host, p.Port, p.Username, p.Password, boolToInt(p.Enabled),
	)
	return err
}

// SetDefaultProxy sets the system-wide default proxy id ("" clears it).
func (s *Store) SetDefaultProxy(ctx context.Context, id string) error {
	var val any
	if id != "" {
		val = id
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO proxy_settings (id, default_proxy_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET default_proxy_id=excluded.default_proxy_id`, val)
	return err
}

// DeleteProxy removes a proxy configuration.
func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM proxy_configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy config")
}
