// Package reqhash computes the representation-independent hash the ledger
// uses to sign requests and delegations: every field is hashed by type and
// the map hash is independent of field order and wire encoding.
package reqhash

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
)

// Domain separators prefixed to hashes before signing.
var (
	DomainRequest    = append([]byte{0x0a}, "ic-request"...)
	DomainDelegation = append([]byte{0x1a}, "ic-request-auth-delegation"...)
)

// Map hashes a set of named fields. Supported values are string, []byte,
// uint64, int, [][]byte, []any, and nested map[string]any.
func Map(fields map[string]any) ([32]byte, error) {
	type pair struct {
		k, v [32]byte
	}
	pairs := make([]pair, 0, len(fields))
	for name, value := range fields {
		vh, err := Value(value)
		if err != nil {
			return [32]byte{}, fmt.Errorf("field %q: %w", name, err)
		}
		pairs = append(pairs, pair{k: sha256.Sum256([]byte(name)), v: vh})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if c := bytes.Compare(pairs[i].k[:], pairs[j].k[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(pairs[i].v[:], pairs[j].v[:]) < 0
	})

	h := sha256.New()
	for _, p := range pairs {
		h.Write(p.k[:])
		h.Write(p.v[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Value hashes a single value.
func Value(v any) ([32]byte, error) {
	switch val := v.(type) {
	case string:
		return sha256.Sum256([]byte(val)), nil
	case []byte:
		return sha256.Sum256(val), nil
	case uint64:
		return sha256.Sum256(leb128(val)), nil
	case int:
		if val < 0 {
			return [32]byte{}, fmt.Errorf("negative int %d", val)
		}
		return sha256.Sum256(leb128(uint64(val))), nil
	case [][]byte:
		items := make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
		return array(items)
	case []any:
		return array(val)
	case map[string]any:
		return Map(val)
	default:
		return [32]byte{}, fmt.Errorf("unsupported type %T", v)
	}
}

func array(items []any) ([32]byte, error) {
	h := sha256.New()
	for i, item := range items {
		ih, err := Value(item)
		if err != nil {
			return [32]byte{}, fmt.Errorf("element %d: %w", i, err)
		}
		h.Write(ih[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// leb128 encodes an unsigned integer in little-endian base 128.
func leb128(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// SigningMessage prefixes a hash with its domain separator.
func SigningMessage(domain []byte, hash [32]byte) []byte {
	msg := make([]byte, 0, len(domain)+len(hash))
	msg = append(msg, domain...)
	return append(msg, hash[:]...)
}
