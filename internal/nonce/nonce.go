// Package nonce converts between a session public key and the hex string
// carried in the OIDC nonce parameter and claim.
//
// The nonce is the lowercase hex encoding of the DER SubjectPublicKeyInfo of
// the session key. Decoding requires the bytes to parse as an Ed25519 DER
// public key, and derives the same self-authenticating principal the client
// computes from its own key.
package nonce

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

// ErrInvalidNonce is returned when a nonce is not hex or does not hold a
// DER-encoded public key.
var ErrInvalidNonce = errors.New("invalid nonce")

// Encode returns the lowercase hex encoding of a DER public key.
func Encode(pubkeyDER []byte) string {
	return hex.EncodeToString(pubkeyDER)
}

// DecodePublicKey reverses Encode and checks the bytes are a usable public key.
func DecodePublicKey(nonceHex string) ([]byte, error) {
	if nonceHex == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidNonce)
	}
	der, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if _, err := identity.ParsePublicKeyDER(der); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return der, nil
}

// DecodeToPrincipal recovers the principal the nonce was generated for.
func DecodeToPrincipal(nonceHex string) (principal.Principal, error) {
	der, err := DecodePublicKey(nonceHex)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.SelfAuthenticating(der), nil
}
