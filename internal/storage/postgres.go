// Package storage contains the PostgreSQL implementation of IssuerStore.
// Provides persistent storage for the issuer's user registry, seed salt and
// prepared delegation signatures.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Postgres implements IssuerStore using PostgreSQL as the backend.
type Postgres struct {
	db *sql.DB // Database connection pool
}

// NewPostgres creates a store backed by PostgreSQL with connection
// pooling, and tests the connection before returning.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Postgres{db: db}, nil
}

// DB returns the underlying *sql.DB connection pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Ping checks database connectivity for readiness reporting.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// RegisterUser inserts principal -> subject. The same pair is accepted
// again; a different subject for an existing principal is ErrConflict.
func (p *Postgres) RegisterUser(ctx context.Context, rec model.UserRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO users (principal, subject, registered_at) VALUES ($1, $2, $3)
			  ON CONFLICT (principal) DO NOTHING`
	res, err := p.db.ExecContext(ctx, q, rec.Principal, rec.Subject, rec.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := p.LookupUser(ctx, rec.Principal)
	if err != nil {
		return err
	}
	if existing.Subject != rec.Subject {
		return ErrConflict
	}
	return nil
}

// LookupUser retrieves a user record by principal from PostgreSQL.
func (p *Postgres) LookupUser(ctx context.Context, principal []byte) (model.UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT principal, subject, registered_at FROM users WHERE principal = $1`
	var rec model.UserRecord
	err := p.db.QueryRowContext(ctx, q, principal).Scan(&rec.Principal, &rec.Subject, &rec.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserRecord{}, ErrNotFound
		}
		return model.UserRecord{}, fmt.Errorf("lookup user: %w", err)
	}
	return rec, nil
}

// AddSignature upserts a prepared signature.
func (p *Postgres) AddSignature(ctx context.Context, sig model.PendingSignature) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO pending_signatures (seed, message_hash, signature, created_at) VALUES ($1, $2, $3, $4)
			  ON CONFLICT (seed, message_hash) DO UPDATE SET signature = EXCLUDED.signature, created_at = EXCLUDED.created_at`
	if _, err := p.db.ExecContext(ctx, q, sig.Seed[:], sig.MessageHash[:], sig.Signature, sig.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("add signature: %w", err)
	}
	return nil
}

// GetSignature retrieves a prepared signature by seed and message hash.
func (p *Postgres) GetSignature(ctx context.Context, seed, msgHash [32]byte) (model.PendingSignature, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT signature, created_at FROM pending_signatures WHERE seed = $1 AND message_hash = $2`
	sig := model.PendingSignature{Seed: seed, MessageHash: msgHash}
	err := p.db.QueryRowContext(ctx, q, seed[:], msgHash[:]).Scan(&sig.Signature, &sig.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PendingSignature{}, ErrNotFound
		}
		return model.PendingSignature{}, fmt.Errorf("get signature: %w", err)
	}
	return sig, nil
}

// PruneSignatures deletes signatures created before cutoff in a single statement.
func (p *Postgres) PruneSignatures(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM pending_signatures WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune signatures: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
