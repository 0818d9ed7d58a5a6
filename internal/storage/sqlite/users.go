package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// CreateUser inserts a new user. The assigned row id is written back into u.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO users (login, active, created_at) VALUES (?, ?, ?)`,
		u.Login, boolToInt(u.Active), u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, login, active, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByLogin retrieves a user by login identifier.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, login, active, created_at FROM users WHERE login = ?`, login)
	return scanUser(row)
}

func scanUser(r scanner) (*gateway.User, error) {
	var u gateway.User
	var active int
	var createdAt sql.NullString
	if err := r.Scan(&u.ID, &u.Login, &active, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.Active = active != 0
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}
