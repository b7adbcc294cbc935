package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
)

// KeyMode controls the lifetime of the session key.
type KeyMode string

const (
	// PerInstallation keeps one key until it is lost; logout only drops the chain.
	PerInstallation KeyMode = "per-installation"
	// PerSession generates a fresh key at every login and discards it at logout.
	PerSession KeyMode = "per-session"
)

// ParseKeyMode validates a configured key mode.
func ParseKeyMode(s string) (KeyMode, error) {
	switch KeyMode(s) {
	case PerInstallation, PerSession:
		return KeyMode(s), nil
	case "":
		return PerInstallation, nil
	}
	return "", fmt.Errorf("unknown key mode %q", s)
}

// ErrClosed is returned by a Session after Close.
var ErrClosed = errors.New("session closed")

// Session is the process-scoped session state: the session key, the last
// persisted chain and the store behind them. It is created with Open and
// passed explicitly to the components that need it.
type Session struct {
	mu       sync.Mutex
	store    *Store
	mode     KeyMode
	key      *identity.KeyIdentity
	pending  *identity.KeyIdentity // per-session key awaiting Commit
	chain    *delegation.Chain
	degraded bool
	closed   bool
	logger   *slog.Logger
}

// Open initialises a session from store. It loads the persisted key (or
// generates and saves one) and any persisted chain. When the store is
// unreachable the session falls back to memory-only operation.
func Open(ctx context.Context, store *Store, mode KeyMode, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = PerInstallation
	}
	s := &Session{store: store, mode: mode, logger: logger}

	key, ok, err := store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			return nil, err
		}
		s.degrade(err)
	}
	if !ok {
		key = identity.Generate()
		if err := s.persist(ctx, func(st *Store) error { return st.Save(ctx, key) }); err != nil {
			return nil, err
		}
		logger.Info("generated session key", "principal", key.Principal().String(), "mode", string(mode))
	}
	s.key = key

	chain, ok, err := s.store.LoadChain(ctx)
	if err != nil {
		s.degrade(err)
	} else if ok {
		s.chain = chain
	}
	return s, nil
}

// degrade swaps the backing store for an in-memory one.
func (s *Session) degrade(cause error) {
	if s.degraded {
		return
	}
	s.logger.Warn("session storage unavailable, continuing in memory only", "error", cause)
	s.store = NewStore(storage.NewMemorySlots(), s.logger)
	s.degraded = true
}

// persist runs op against the store, degrading to memory and retrying once
// when the backend is unavailable.
func (s *Session) persist(ctx context.Context, op func(*Store) error) error {
	err := op(s.store)
	if err == nil || !errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	s.degrade(err)
	return op(s.store)
}

// Degraded reports whether the session fell back to memory-only storage.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Mode returns the configured key mode.
func (s *Session) Mode() KeyMode { return s.mode }

// Key returns the current session key, or nil after Close or a per-session
// teardown.
func (s *Session) Key() *identity.KeyIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.key
}

// StoredChain returns the chain loaded from or last saved to storage.
func (s *Session) StoredChain() *delegation.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}

// BeginLogin returns the key a new login attempt binds its nonce to. In
// per-session mode the key is fresh and held in memory only; storage and the
// current key are untouched until Commit.
func (s *Session) BeginLogin(ctx context.Context) (*identity.KeyIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.mode == PerSession || s.key == nil {
		s.pending = identity.Generate()
		return s.pending, nil
	}
	return s.key, nil
}

// Commit records a verified chain and the ID token it was obtained with.
// The key must be the current key or the one handed out by the latest
// BeginLogin; in the latter case it replaces the stored key and chain.
func (s *Session) Commit(ctx context.Context, key *identity.KeyIdentity, chain *delegation.Chain, idToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fresh := key == s.pending && key != nil
	if !fresh && s.key != key {
		return fmt.Errorf("session key changed during login")
	}
	err := s.persist(ctx, func(st *Store) error {
		if fresh {
			if err := st.ClearChain(ctx); err != nil {
				return err
			}
			if err := st.Save(ctx, key); err != nil {
				return err
			}
		}
		if err := st.SaveChain(ctx, chain); err != nil {
			return err
		}
		return st.SaveIDToken(ctx, idToken)
	})
	if err != nil {
		return err
	}
	if fresh {
		s.key, s.pending = key, nil
	}
	s.chain = chain
	return nil
}

// DiscardChain forgets a chain that no longer verifies.
func (s *Session) DiscardChain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = nil
	return s.persist(ctx, func(st *Store) error { return st.ClearChain(ctx) })
}

// IDToken returns the ID token saved by the last successful login.
func (s *Session) IDToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.LoadIDToken(ctx)
}

// Teardown ends the session. The chain is always removed from memory and
// storage; in per-session mode the key is removed as well.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain, s.pending = nil, nil
	if s.mode == PerSession {
		s.key = nil
		return s.persist(ctx, func(st *Store) error { return st.Clear(ctx) })
	}
	return s.persist(ctx, func(st *Store) error { return st.ClearChain(ctx) })
}

// Close releases the backing slot store. The session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.slots.Close()
}
