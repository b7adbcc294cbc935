// Package session persists the client's session key and delegation chain and
// owns the process-scoped session handle built on top of them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
)

// Slot names under application-private storage.
const (
	SlotSessionKey = "ic-identity-session-key"
	SlotDelegation = "ic-identity-delegation"
	SlotIDToken    = "oidc-id-token"
)

// ErrStorageUnavailable wraps any failure of the underlying slot backend.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Store reads and writes session state through a SlotStore. Each slot is
// written with a single Put, so a failed save leaves the previous value.
type Store struct {
	slots  storage.SlotStore
	logger *slog.Logger
}

// NewStore wraps slots. A nil logger uses slog.Default().
func NewStore(slots storage.SlotStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{slots: slots, logger: logger}
}

// Load returns the stored session key. ok is false when no key is stored or
// the stored bytes are corrupt; corrupt data is logged and treated as absent.
func (s *Store) Load(ctx context.Context) (key *identity.KeyIdentity, ok bool, err error) {
	data, err := s.get(ctx, SlotSessionKey)
	if err != nil || data == nil {
		return nil, false, err
	}
	key, err = identity.FromStored(data)
	if err != nil {
		s.logger.Warn("discarding corrupt session key", "slot", SlotSessionKey, "error", err)
		return nil, false, nil
	}
	return key, true, nil
}

// Save persists the session key as PKCS#8 PEM.
func (s *Store) Save(ctx context.Context, key *identity.KeyIdentity) error {
	data, err := key.Marshal()
	if err != nil {
		return fmt.Errorf("marshal session key: %w", err)
	}
	return s.put(ctx, SlotSessionKey, data)
}

// LoadChain returns the stored delegation chain. Undecodable chains are
// treated as absent. The chain is not verified here.
func (s *Store) LoadChain(ctx context.Context) (*delegation.Chain, bool, error) {
	data, err := s.get(ctx, SlotDelegation)
	if err != nil || data == nil {
		return nil, false, err
	}
	var chain delegation.Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		s.logger.Warn("discarding undecodable delegation chain", "slot", SlotDelegation, "error", err)
		return nil, false, nil
	}
	return &chain, true, nil
}

// SaveChain persists the chain in its JSON form.
func (s *Store) SaveChain(ctx context.Context, chain *delegation.Chain) error {
	data, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal delegation chain: %w", err)
	}
	return s.put(ctx, SlotDelegation, data)
}

// ClearChain removes only the delegation chain and the ID token it was
// obtained with.
func (s *Store) ClearChain(ctx context.Context) error {
	if err := s.del(ctx, SlotDelegation); err != nil {
		return err
	}
	return s.del(ctx, SlotIDToken)
}

// Clear removes every session slot.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.ClearChain(ctx); err != nil {
		return err
	}
	return s.del(ctx, SlotSessionKey)
}

// SaveIDToken keeps the last ID token so other commands can present it to
// the API server.
func (s *Store) SaveIDToken(ctx context.Context, token string) error {
	return s.put(ctx, SlotIDToken, []byte(token))
}

// LoadIDToken returns the last saved ID token, or "" when none is stored.
func (s *Store) LoadIDToken(ctx context.Context) (string, error) {
	data, err := s.get(ctx, SlotIDToken)
	return string(data), err
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.slots.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, name, err)
	}
	return data, nil
}

func (s *Store) put(ctx context.Context, name string, data []byte) error {
	if err := s.slots.Put(ctx, name, data); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorageUnavailable, name, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, name string) error {
	if err := s.slots.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorageUnavailable, name, err)
	}
	return nil
}
