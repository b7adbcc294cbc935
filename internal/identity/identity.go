// Package identity provides the session signing keypair and its derived
// principal.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

const pemTypePrivateKey = "PRIVATE KEY"

// ErrCorruptKeyData indicates stored key material could not be decoded.
var ErrCorruptKeyData = errors.New("corrupt key data")

// ErrUnsupportedKey is returned when a DER public key is not Ed25519.
var ErrUnsupportedKey = errors.New("unsupported public key type")

// Signer is anything that can sign outgoing ledger requests on behalf of a
// principal. KeyIdentity and delegation.Identity both satisfy it.
type Signer interface {
	Principal() principal.Principal
	PublicKeyDER() []byte
	Sign(msg []byte) ([]byte, error)
}

// KeyIdentity is an Ed25519 keypair. The private key never leaves the value
// except through Marshal, which is only meant for SessionStore.
type KeyIdentity struct {
	priv ed25519.PrivateKey
	der  []byte
}

// Generate creates a fresh keypair from crypto/rand.
func Generate() *KeyIdentity {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("generate ed25519 key: %v", err))
	}
	return mustFromPrivate(priv)
}

// FromSeed builds a keypair deterministically from a 32-byte seed.
func FromSeed(seed []byte) (*KeyIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return mustFromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

// FromStored reconstructs a keypair from the PKCS#8 PEM form produced by
// Marshal.
func FromStored(data []byte) (*KeyIdentity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrCorruptKeyData)
	}
	if block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("%w: got PEM type %q", ErrCorruptKeyData, block.Type)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeyData, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, want ed25519", ErrCorruptKeyData, key)
	}
	return mustFromPrivate(priv), nil
}

func mustFromPrivate(priv ed25519.PrivateKey) *KeyIdentity {
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		panic(fmt.Sprintf("marshal ed25519 public key: %v", err))
	}
	return &KeyIdentity{priv: priv, der: der}
}

// Marshal encodes the private key as PKCS#8 PEM.
func (k *KeyIdentity) Marshal() ([]byte, error) {
	raw, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: raw}), nil
}

// PublicKeyDER returns the DER SubjectPublicKeyInfo of the public key. The
// encoding is stable for a given key.
func (k *KeyIdentity) PublicKeyDER() []byte {
	return append([]byte(nil), k.der...)
}

// PublicKey returns the raw Ed25519 public key.
func (k *KeyIdentity) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Principal derives the self-authenticating principal of the public key.
func (k *KeyIdentity) Principal() principal.Principal {
	return principal.SelfAuthenticating(k.der)
}

// Sign signs msg with the private key.
func (k *KeyIdentity) Sign(msg []byte) ([]byte, error) {
	return k.priv.Sign(nil, msg, crypto.Hash(0))
}

// KeyID returns a multibase (base58btc) rendering of the raw public key,
// suitable for logs.
func (k *KeyIdentity) KeyID() string {
	return "z" + base58.Encode(k.PublicKey())
}

// ParsePublicKeyDER decodes a DER SubjectPublicKeyInfo holding an Ed25519 key.
func ParsePublicKeyDER(der []byte) (ed25519.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return pub, nil
}

// Verify checks an Ed25519 signature made by the DER-encoded public key.
func Verify(der, msg, sig []byte) error {
	pub, err := ParsePublicKeyDER(der)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

var _ Signer = (*KeyIdentity)(nil)
