// Package storage contains PostgreSQL schema migrations for the issuer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses to make migrations idempotent.
//
// Tables created:
// - users: principal -> OIDC subject registry backing the authenticated probe
// - issuer_salt: single-row seed salt
// - pending_signatures: prepared delegation signatures awaiting fetch
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            principal BYTEA PRIMARY KEY,        -- raw delegated principal bytes
            subject TEXT NOT NULL,              -- OIDC sub claim
            registered_at TIMESTAMPTZ NOT NULL  -- first registration time
        )`,
		`CREATE TABLE IF NOT EXISTS issuer_salt (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            salt BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS pending_signatures (
            seed BYTEA NOT NULL,
            message_hash BYTEA NOT NULL,
            signature BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (seed, message_hash)
        )`,
		// Index on creation time for efficient pruning
		`CREATE INDEX IF NOT EXISTS idx_pending_signatures_created_at ON pending_signatures (created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
