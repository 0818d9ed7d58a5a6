// Package sqlite implements the storage interfaces on SQLite via
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// minReadConns is the floor for the read pool on small machines.
const minReadConns = 4

// Store implements storage.Store. SQLite allows one writer at a time, so the
// store splits into a single-connection write pool (serialized writes, no
// SQLITE_BUSY churn) and a wider read pool that WAL lets run concurrently.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at path, applies pending migrations, and returns a
// ready Store. The special path ":memory:" opens a shared-cache in-memory
// database; note that modernc.org/sqlite gives one such database per process,
// so tests wanting isolation should use a file in a temp dir instead.
func New(path string) (*Store, error) {
	dsn := lockgateDSN(path)

	write, err := openPool(dsn, 1)
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	read, err := openPool(dsn, max(minReadConns, runtime.NumCPU()))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// lockgateDSN builds the connection string with the pragmas the gateway
// depends on: WAL for concurrent readers, a busy timeout so the writer queue
// waits instead of failing, and foreign keys on (SQLite defaults them off).
func lockgateDSN(path string) string {
	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

func openPool(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

// migrate applies the embedded migrations through goose. fs.Sub strips the
// "migrations/" prefix so goose sees the SQL files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping reports database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
