package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteSlots stores slots as rows of a single table in a local SQLite file.
type sqliteSlots struct {
	db *sql.DB
}

// NewSQLiteSlots opens or creates a SQLite database at path and ensures the
// slots table exists.
func NewSQLiteSlots(path string) (SlotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets a running bridge read slots while the CLI writes them.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS slots (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &sqliteSlots{db: db}, nil
}

func (s *sqliteSlots) Get(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get slot %s: %w", name, err)
	}
	return value, nil
}

func (s *sqliteSlots) Put(ctx context.Context, name string, value []byte) error {
	const q = `INSERT INTO slots (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, name, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("put slot %s: %w", name, err)
	}
	return nil
}

func (s *sqliteSlots) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete slot %s: %w", name, err)
	}
	return nil
}

func (s *sqliteSlots) Close() error {
	return s.db.Close()
}
