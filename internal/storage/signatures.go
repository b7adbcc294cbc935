// Package storage contains persistence abstractions and implementations.
// This file provides the in-memory map of prepared delegation signatures.
package storage

import (
	"context"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

func sigKey(seed, msgHash [32]byte) [64]byte {
	var k [64]byte
	copy(k[:32], seed[:])
	copy(k[32:], msgHash[:])
	return k
}

// AddSignature stores a prepared signature, replacing any previous entry for
// the same seed and message hash.
func (m *memory) AddSignature(ctx context.Context, sig model.PendingSignature) error {
	m.muSigs.Lock()
	defer m.muSigs.Unlock()

	m.signatures[sigKey(sig.Seed, sig.MessageHash)] = clonePendingSignature(sig)
	return nil
}

// GetSignature retrieves a prepared signature by seed and message hash
func (m *memory) GetSignature(ctx context.Context, seed, msgHash [32]byte) (model.PendingSignature, error) {
	m.muSigs.RLock()
	defer m.muSigs.RUnlock()

	sig, ok := m.signatures[sigKey(seed, msgHash)]
	if !ok {
		return model.PendingSignature{}, ErrNotFound
	}
	return clonePendingSignature(sig), nil
}

// PruneSignatures removes signatures created before cutoff and reports how
// many were dropped.
func (m *memory) PruneSignatures(ctx context.Context, cutoff time.Time) (int, error) {
	m.muSigs.Lock()
	defer m.muSigs.Unlock()

	n := 0
	for k, sig := range m.signatures {
		if sig.CreatedAt.Before(cutoff) {
			delete(m.signatures, k)
			n++
		}
	}
	return n, nil
}

func clonePendingSignature(in model.PendingSignature) model.PendingSignature {
	out := in
	out.Signature = append([]byte(nil), in.Signature...)
	return out
}
