// Package storage contains the PostgreSQL implementation of IssuerStore.
// This file provides storage for the issuer's seed salt.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSalt returns the single stored salt row.
func (p *Postgres) GetSalt(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var salt []byte
	err := p.db.QueryRowContext(ctx, `SELECT salt FROM issuer_salt WHERE id = 1`).Scan(&salt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get salt: %w", err)
	}
	return salt, nil
}

// PutSalt inserts the salt once. A second call fails with ErrConflict so
// concurrent issuers converge on whichever salt was written first.
func (p *Postgres) PutSalt(ctx context.Context, salt []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `INSERT INTO issuer_salt (id, salt, created_at) VALUES (1, $1, $2)`, salt, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("put salt: %w", err)
	}
	return nil
}
