// Package principal implements ledger principals: opaque identifiers derived
// from key material (self-authenticating) or parsed from their canonical
// textual form.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// Base32 encoding scheme used for the textual form of principals.
// Uses lowercase alphabet and no padding, matching the ledger's canonical text.
var (
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

const (
	// MaxLength is the maximum number of raw bytes in a principal.
	MaxLength = 29

	// tagSelfAuthenticating marks principals derived from a public key.
	tagSelfAuthenticating = 0x02
	// tagAnonymous is the single byte of the anonymous principal.
	tagAnonymous = 0x04

	groupSize = 5
)

// ErrInvalidPrincipal is returned when raw bytes or text do not form a principal.
var ErrInvalidPrincipal = errors.New("invalid principal")

// Principal is an opaque ledger identity. Two principals are equal iff their
// raw bytes are equal; use Equal rather than comparing the struct.
type Principal struct {
	raw []byte
}

// SelfAuthenticating derives the principal of a DER-encoded public key:
// sha224(der) followed by the self-authenticating tag byte.
func SelfAuthenticating(der []byte) Principal {
	sum := sha256.Sum224(der)
	raw := make([]byte, 0, len(sum)+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, tagSelfAuthenticating)
	return Principal{raw: raw}
}

// Anonymous returns the principal used by unsigned callers.
func Anonymous() Principal {
	return Principal{raw: []byte{tagAnonymous}}
}

// FromBytes wraps raw principal bytes, copying them.
func FromBytes(raw []byte) (Principal, error) {
	if len(raw) > MaxLength {
		return Principal{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPrincipal, len(raw), MaxLength)
	}
	return Principal{raw: append([]byte(nil), raw...)}, nil
}

// FromText parses the canonical textual encoding. The input must be exactly
// the text this package would produce for the decoded bytes.
func FromText(text string) (Principal, error) {
	compact := strings.ReplaceAll(strings.ToLower(text), "-", "")
	decoded, err := encoding.DecodeString(compact)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	if len(decoded) < crc32.Size {
		return Principal{}, fmt.Errorf("%w: text too short", ErrInvalidPrincipal)
	}
	p, err := FromBytes(decoded[crc32.Size:])
	if err != nil {
		return Principal{}, err
	}
	// Re-encoding catches checksum mismatches and non-canonical grouping.
	if p.String() != text {
		return Principal{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidPrincipal, text)
	}
	return p, nil
}

// Bytes returns a copy of the raw identifier bytes.
func (p Principal) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

// Equal reports whether two principals carry the same raw bytes.
func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p.raw, other.raw)
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return len(p.raw) == 1 && p.raw[0] == tagAnonymous
}

// IsZero reports whether p holds no bytes at all.
func (p Principal) IsZero() bool {
	return len(p.raw) == 0
}

// String returns the canonical textual encoding: base32 of the big-endian
// CRC32 checksum followed by the raw bytes, in dash-separated groups of five.
func (p Principal) String() string {
	buf := make([]byte, crc32.Size, crc32.Size+len(p.raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p.raw))
	buf = append(buf, p.raw...)
	compact := encoding.EncodeToString(buf)

	var sb strings.Builder
	for i := 0; i < len(compact); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(compact) {
			end = len(compact)
		}
		sb.WriteString(compact[i:end])
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := FromText(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
