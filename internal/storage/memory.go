// Package storage contains persistence abstractions and in-memory
// implementations used by tests, demos, and as the fallback backend when
// durable storage is unavailable.
package storage

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

type memorySlots struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySlots returns a concurrency-safe in-memory SlotStore.
func NewMemorySlots() SlotStore {
	return &memorySlots{data: make(map[string][]byte)}
}

// Get retrieves a slot by name. Returns ErrNotFound when no slot exists.
func (m *memorySlots) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores or overwrites the slot.
func (m *memorySlots) Put(ctx context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), value...)
	return nil
}

func (m *memorySlots) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

func (m *memorySlots) Close() error { return nil }

// memory is the in-memory IssuerStore.
type memory struct {
	mu    sync.RWMutex
	users map[string]model.UserRecord
	salt  []byte

	muSigs     sync.RWMutex
	signatures map[[64]byte]model.PendingSignature
}

// NewMemory returns a concurrency-safe in-memory implementation of IssuerStore.
func NewMemory() IssuerStore {
	return &memory{
		users:      make(map[string]model.UserRecord),
		signatures: make(map[[64]byte]model.PendingSignature),
	}
}

// RegisterUser stores principal -> subject. A principal is derived from the
// subject, so a different subject for a known principal is a conflict.
func (m *memory) RegisterUser(ctx context.Context, rec model.UserRecord) error {
	key := hex.EncodeToString(rec.Principal)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[key]; ok {
		if existing.Subject != rec.Subject {
			return ErrConflict
		}
		return nil
	}
	m.users[key] = cloneUserRecord(rec)
	return nil
}

// LookupUser retrieves a record by principal. Returns ErrNotFound when no record exists.
func (m *memory) LookupUser(ctx context.Context, principal []byte) (model.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[hex.EncodeToString(principal)]
	if !ok {
		return model.UserRecord{}, ErrNotFound
	}
	return cloneUserRecord(rec), nil
}

func (m *memory) GetSalt(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.salt == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.salt...), nil
}

func (m *memory) PutSalt(ctx context.Context, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.salt != nil {
		return ErrConflict
	}
	m.salt = append([]byte(nil), salt...)
	return nil
}

// cloneUserRecord creates a deep copy of a UserRecord to prevent external modification
func cloneUserRecord(in model.UserRecord) model.UserRecord {
	out := in
	out.Principal = append([]byte(nil), in.Principal...)
	return out
}
