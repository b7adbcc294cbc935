// Package issuer is a reference delegation issuer: it turns a validated ID
// token into a delegation from a per-user key derived from the token's
// subject to the session key named by the token's nonce.
package issuer

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

// TokenValidator validates ID tokens; *validator.Validator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (validator.Identity, error)
}

// Config tunes the issuer.
type Config struct {
	// CanisterID is the principal the issuer is served under.
	CanisterID principal.Principal
	// Salt overrides the stored or generated seed salt when set.
	Salt []byte
	// SignatureTTL is how long a prepared signature can be fetched.
	SignatureTTL time.Duration
}

// Issuer implements prepare_delegation, get_delegation and authenticated.
type Issuer struct {
	cfg       Config
	validator TokenValidator
	store     storage.IssuerStore
	salt      []byte
	now       func() time.Time
	logger    *slog.Logger
}

// New initialises the salt and returns an Issuer.
func New(ctx context.Context, cfg Config, v TokenValidator, store storage.IssuerStore, logger *slog.Logger) (*Issuer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SignatureTTL == 0 {
		cfg.SignatureTTL = time.Minute
	}
	salt, err := initSalt(ctx, store, cfg.Salt, logger)
	if err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, validator: v, store: store, salt: salt, now: time.Now, logger: logger}, nil
}

// initSalt loads the persisted salt, or persists the configured or a random
// one. Concurrent first starts converge on whichever write won.
func initSalt(ctx context.Context, store storage.SaltStore, configured []byte, logger *slog.Logger) ([]byte, error) {
	existing, err := store.GetSalt(ctx)
	switch {
	case err == nil:
		if configured != nil && string(configured) != string(existing) {
			return nil, fmt.Errorf("configured salt differs from the stored salt")
		}
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load salt: %w", err)
	}

	salt := configured
	if salt == nil {
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	if err := store.PutSalt(ctx, salt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return store.GetSalt(ctx)
		}
		return nil, fmt.Errorf("store salt: %w", err)
	}
	logger.Info("initialised issuer salt", "configured", configured != nil)
	return salt, nil
}

// grant is an authorized request: the token's identity and derived keys.
type grant struct {
	id         validator.Identity
	seed       [32]byte
	sessionKey []byte
	userKey    *identity.KeyIdentity
}

// authorize validates jwt and checks it was issued for caller.
func (i *Issuer) authorize(ctx context.Context, caller principal.Principal, jwt string) (grant, error) {
	id, err := i.validator.Validate(ctx, jwt)
	if err != nil {
		return grant{}, ledger.Reject(ledger.RejectCanisterReject, "%v", err)
	}
	if !id.Principal.Equal(caller) {
		return grant{}, ledger.Reject(ledger.RejectCanisterReject, "caller %s does not match the token nonce", caller)
	}
	sessionKey, err := nonce.DecodePublicKey(id.Nonce)
	if err != nil {
		return grant{}, ledger.Reject(ledger.RejectCanisterReject, "%v", err)
	}
	seed := i.seed(id.Subject)
	userKey, err := identity.FromSeed(seed[:])
	if err != nil {
		return grant{}, fmt.Errorf("derive user key: %w", err)
	}
	return grant{id: id, seed: seed, sessionKey: sessionKey, userKey: userKey}, nil
}

// seed is sha256(len(salt) || salt || len(sub) || sub) with uvarint lengths.
func (i *Issuer) seed(sub string) [32]byte {
	buf := binary.AppendUvarint(nil, uint64(len(i.salt)))
	buf = append(buf, i.salt...)
	buf = binary.AppendUvarint(buf, uint64(len(sub)))
	buf = append(buf, sub...)
	return sha256.Sum256(buf)
}

// PrepareDelegation signs a delegation to the caller's session key valid
// until the token expires and keeps the signature for GetDelegation.
func (i *Issuer) PrepareDelegation(ctx context.Context, caller principal.Principal, jwt string) (model.PrepareDelegationResponse, error) {
	g, err := i.authorize(ctx, caller, jwt)
	if err != nil {
		delegationsPrepared.WithLabelValues("rejected").Inc()
		return model.PrepareDelegationResponse{}, err
	}
	now := i.now().UTC()
	d := delegation.Delegation{PubKey: g.sessionKey, Expiration: uint64(g.id.ExpiresAt.UnixNano())}
	if !d.ExpiresAt().After(now) {
		return model.PrepareDelegationResponse{}, ledger.Reject(ledger.RejectCanisterReject, "token already expired")
	}
	sd, err := delegation.Sign(g.userKey, d)
	if err != nil {
		return model.PrepareDelegationResponse{}, fmt.Errorf("sign delegation: %w", err)
	}
	hash, err := d.Hash()
	if err != nil {
		return model.PrepareDelegationResponse{}, fmt.Errorf("hash delegation: %w", err)
	}

	if _, err := i.store.PruneSignatures(ctx, now.Add(-i.cfg.SignatureTTL)); err != nil {
		i.logger.Warn("prune signatures failed", "error", err)
	}
	if err := i.store.AddSignature(ctx, model.PendingSignature{Seed: g.seed, MessageHash: hash, Signature: sd.Signature, CreatedAt: now}); err != nil {
		return model.PrepareDelegationResponse{}, fmt.Errorf("store signature: %w", err)
	}
	rec := model.UserRecord{Principal: g.userKey.Principal().Bytes(), Subject: g.id.Subject, RegisteredAt: now}
	if err := i.store.RegisterUser(ctx, rec); err != nil {
		return model.PrepareDelegationResponse{}, fmt.Errorf("register user: %w", err)
	}

	delegationsPrepared.WithLabelValues("success").Inc()
	i.logger.Info("prepared delegation",
		"user_principal", g.userKey.Principal().String(),
		"session_principal", caller.String(),
		"expiration", d.ExpiresAt().Format(time.RFC3339),
	)
	return model.PrepareDelegationResponse{UserKey: g.userKey.PublicKeyDER(), Expiration: d.Expiration}, nil
}

// GetDelegation returns the signature prepared for (token, expiration), or
// NoSuchDelegation when there is none or it is older than the TTL.
func (i *Issuer) GetDelegation(ctx context.Context, caller principal.Principal, jwt string, expiration uint64) (ledger.GetDelegationResult, error) {
	g, err := i.authorize(ctx, caller, jwt)
	if err != nil {
		delegationsFetched.WithLabelValues("rejected").Inc()
		return nil, err
	}
	d := delegation.Delegation{PubKey: g.sessionKey, Expiration: expiration}
	hash, err := d.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash delegation: %w", err)
	}
	sig, err := i.store.GetSignature(ctx, g.seed, hash)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && i.now().Sub(sig.CreatedAt) > i.cfg.SignatureTTL) {
		delegationsFetched.WithLabelValues("no_such_delegation").Inc()
		return ledger.NoSuchDelegation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load signature: %w", err)
	}
	delegationsFetched.WithLabelValues("found").Inc()
	return ledger.SignedDelegationResult{SignedDelegation: delegation.SignedDelegation{Delegation: d, Signature: sig.Signature}}, nil
}

// Authenticated reports the subject registered for the calling principal.
func (i *Issuer) Authenticated(ctx context.Context, caller principal.Principal) (model.AuthenticatedReply, error) {
	if caller.IsAnonymous() {
		return model.AuthenticatedReply{}, ledger.Reject(ledger.RejectCanisterReject, "No user found")
	}
	rec, err := i.store.LookupUser(ctx, caller.Bytes())
	if errors.Is(err, storage.ErrNotFound) {
		return model.AuthenticatedReply{}, ledger.Reject(ledger.RejectCanisterReject, "No user found")
	}
	if err != nil {
		return model.AuthenticatedReply{}, fmt.Errorf("lookup user: %w", err)
	}
	return model.AuthenticatedReply{UserSub: rec.Subject, UserPrincipal: rec.Principal}, nil
}

// RunPruner removes expired prepared signatures every interval until ctx ends.
func (i *Issuer) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.PruneSignatures(ctx, i.now().Add(-i.cfg.SignatureTTL))
			if err != nil {
				i.logger.Warn("prune signatures failed", "error", err)
				continue
			}
			if n > 0 {
				i.logger.Debug("pruned prepared signatures", "count", n)
			}
		}
	}
}
