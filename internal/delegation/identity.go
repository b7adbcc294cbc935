package delegation

import (
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

// Identity combines a session key with a verified chain. Calls it signs are
// attributed by the ledger to the chain's root principal.
type Identity struct {
	session *identity.KeyIdentity
	chain   *Chain
}

// NewIdentity verifies chain at now and checks it delegates to the session
// key before constructing the Identity.
func NewIdentity(session *identity.KeyIdentity, chain *Chain, now time.Time) (*Identity, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: no session key", ErrInvalidDelegation)
	}
	if err := chain.Verify(now); err != nil {
		return nil, err
	}
	if !chain.DelegatesTo(session.PublicKeyDER()) {
		return nil, fmt.Errorf("%w: chain does not delegate to the session key", ErrInvalidDelegation)
	}
	return &Identity{session: session, chain: chain}, nil
}

// Principal is the root principal of the chain.
func (id *Identity) Principal() principal.Principal {
	return id.chain.Principal()
}

// PublicKeyDER is the root public key, sent as the request sender key.
func (id *Identity) PublicKeyDER() []byte {
	return append([]byte(nil), id.chain.PublicKey...)
}

// Sign signs with the session key at the end of the chain.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return id.session.Sign(msg)
}

// Chain returns the delegation chain.
func (id *Identity) Chain() *Chain {
	return id.chain
}

// Session returns the underlying session key.
func (id *Identity) Session() *identity.KeyIdentity {
	return id.session
}

// ExpiresAt is the earliest expiration in the chain.
func (id *Identity) ExpiresAt() time.Time {
	return id.chain.Expiration()
}

// Valid reports whether the chain still verifies at now.
func (id *Identity) Valid(now time.Time) bool {
	return id.chain.Verify(now) == nil
}

var _ identity.Signer = (*Identity)(nil)
