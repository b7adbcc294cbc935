// Package storage provides interfaces and implementations for persistent
// storage of client session slots, issuer user registrations, issuer salt and
// pending delegation signatures.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation would violate invariants.
	ErrConflict = errors.New("conflict")
)

// SlotStore persists named byte strings. A Put either replaces the whole
// slot or leaves the previous value untouched.
type SlotStore interface {
	// Get returns the slot contents or ErrNotFound
	Get(ctx context.Context, name string) ([]byte, error)
	// Put atomically replaces the slot contents
	Put(ctx context.Context, name string, value []byte) error
	// Delete removes the slot; deleting a missing slot is not an error
	Delete(ctx context.Context, name string) error
	// Close releases the backend
	Close() error
}

// UserRegistry maps delegated user principals to OIDC subjects.
type UserRegistry interface {
	// RegisterUser records principal -> subject; re-registering the same pair is a no-op
	RegisterUser(ctx context.Context, rec model.UserRecord) error
	// LookupUser returns the record for a principal or ErrNotFound
	LookupUser(ctx context.Context, principal []byte) (model.UserRecord, error)
}

// SaltStore holds the issuer's seed salt across restarts.
type SaltStore interface {
	// GetSalt returns the stored salt or ErrNotFound
	GetSalt(ctx context.Context) ([]byte, error)
	// PutSalt stores the salt if none exists yet; returns ErrConflict otherwise
	PutSalt(ctx context.Context, salt []byte) error
}

// SignatureStore keeps prepared delegation signatures until fetched or expired.
type SignatureStore interface {
	// AddSignature records a prepared signature
	AddSignature(ctx context.Context, sig model.PendingSignature) error
	// GetSignature returns a signature by seed and message hash or ErrNotFound
	GetSignature(ctx context.Context, seed, msgHash [32]byte) (model.PendingSignature, error)
	// PruneSignatures removes signatures created before cutoff
	PruneSignatures(ctx context.Context, cutoff time.Time) (int, error)
}

// IssuerStore aggregates all persistence capabilities required by the issuer.
type IssuerStore interface {
	UserRegistry
	SaltStore
	SignatureStore
}
