// Package delegation models ledger delegations: signed, time-bounded
// statements that one key authorizes another to act on its behalf.
package delegation

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/reqhash"
)

var (
	// ErrInvalidDelegation indicates a chain failed structural, signature or
	// expiry validation.
	ErrInvalidDelegation = errors.New("invalid delegation")
	// ErrDelegationExpired is joined with ErrInvalidDelegation when a link
	// has expired.
	ErrDelegationExpired = errors.New("delegation expired")
)

// Delegation states that the signer delegates to PubKey until Expiration.
type Delegation struct {
	PubKey     []byte                // DER public key receiving authority
	Expiration uint64                // nanoseconds since the unix epoch
	Targets    []principal.Principal // optional restriction, nil means unrestricted
}

// SignedDelegation is a Delegation plus the issuing key's signature.
type SignedDelegation struct {
	Delegation Delegation
	Signature  []byte
}

// ExpiresAt converts the nanosecond expiration to a time.Time. Expirations
// past the int64 range are clamped to the latest representable instant.
func (d Delegation) ExpiresAt() time.Time {
	return nanosToTime(d.Expiration)
}

func nanosToTime(n uint64) time.Time {
	if n > math.MaxInt64 {
		n = math.MaxInt64
	}
	return time.Unix(0, int64(n)).UTC()
}

// unixNanos is now as unsigned nanoseconds; instants before the epoch are 0.
func unixNanos(now time.Time) uint64 {
	if n := now.UnixNano(); n > 0 {
		return uint64(n)
	}
	return 0
}

// Hash computes the representation-independent hash of the delegation.
func (d Delegation) Hash() ([32]byte, error) {
	fields := map[string]any{
		"pubkey":     d.PubKey,
		"expiration": d.Expiration,
	}
	if d.Targets != nil {
		targets := make([][]byte, len(d.Targets))
		for i, t := range d.Targets {
			targets[i] = t.Bytes()
		}
		fields["targets"] = targets
	}
	return reqhash.Map(fields)
}

// SigningMessage returns the bytes a delegating key signs.
func (d Delegation) SigningMessage() ([]byte, error) {
	h, err := d.Hash()
	if err != nil {
		return nil, err
	}
	return reqhash.SigningMessage(reqhash.DomainDelegation, h), nil
}

// Allows reports whether the delegation permits calls to target.
func (d Delegation) Allows(target principal.Principal) bool {
	if d.Targets == nil {
		return true
	}
	for _, t := range d.Targets {
		if t.Equal(target) {
			return true
		}
	}
	return false
}

// Sign produces a SignedDelegation using the delegating key.
func Sign(signer interface{ Sign([]byte) ([]byte, error) }, d Delegation) (SignedDelegation, error) {
	msg, err := d.SigningMessage()
	if err != nil {
		return SignedDelegation{}, fmt.Errorf("delegation signing message: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return SignedDelegation{}, fmt.Errorf("sign delegation: %w", err)
	}
	return SignedDelegation{Delegation: d, Signature: sig}, nil
}

// Chain is an ordered sequence of signed delegations rooted at PublicKey.
// Link i is signed by the key delegated in link i-1, the first by PublicKey.
type Chain struct {
	Delegations []SignedDelegation
	PublicKey   []byte // DER root key whose principal the chain acts for
}

// NewChain assembles a chain from links and the root key.
func NewChain(root []byte, links ...SignedDelegation) *Chain {
	return &Chain{
		Delegations: append([]SignedDelegation(nil), links...),
		PublicKey:   append([]byte(nil), root...),
	}
}

// Principal returns the root principal the chain acts for.
func (c *Chain) Principal() principal.Principal {
	return principal.SelfAuthenticating(c.PublicKey)
}

// DelegatedKey returns the key the final link delegates to.
func (c *Chain) DelegatedKey() []byte {
	if len(c.Delegations) == 0 {
		return nil
	}
	return c.Delegations[len(c.Delegations)-1].Delegation.PubKey
}

// Expiration returns the earliest expiration across all links.
func (c *Chain) Expiration() time.Time {
	var earliest uint64
	for i, sd := range c.Delegations {
		if i == 0 || sd.Delegation.Expiration < earliest {
			earliest = sd.Delegation.Expiration
		}
	}
	return nanosToTime(earliest)
}

// Verify checks every link: structure, signature against the previous key,
// and expiration against now. Expiry is checked independently of signature
// validity.
func (c *Chain) Verify(now time.Time) error {
	if c == nil || len(c.Delegations) == 0 {
		return fmt.Errorf("%w: empty chain", ErrInvalidDelegation)
	}
	if len(c.PublicKey) == 0 {
		return fmt.Errorf("%w: missing root public key", ErrInvalidDelegation)
	}
	nowNanos := unixNanos(now)
	signer := c.PublicKey
	for i, sd := range c.Delegations {
		if sd.Delegation.Expiration <= nowNanos {
			return fmt.Errorf("%w: link %d expired at %s: %w", ErrInvalidDelegation, i, sd.Delegation.ExpiresAt().Format(time.RFC3339), ErrDelegationExpired)
		}
		if len(sd.Delegation.PubKey) == 0 {
			return fmt.Errorf("%w: link %d has no delegated key", ErrInvalidDelegation, i)
		}
		msg, err := sd.Delegation.SigningMessage()
		if err != nil {
			return fmt.Errorf("%w: link %d: %v", ErrInvalidDelegation, i, err)
		}
		if err := identity.Verify(signer, msg, sd.Signature); err != nil {
			return fmt.Errorf("%w: link %d: %v", ErrInvalidDelegation, i, err)
		}
		signer = sd.Delegation.PubKey
	}
	return nil
}

// Allows reports whether every link permits calls to target.
func (c *Chain) Allows(target principal.Principal) bool {
	for _, sd := range c.Delegations {
		if !sd.Delegation.Allows(target) {
			return false
		}
	}
	return true
}

// DelegatesTo reports whether the final link delegates to der.
func (c *Chain) DelegatesTo(der []byte) bool {
	return bytes.Equal(c.DelegatedKey(), der)
}
