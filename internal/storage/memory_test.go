// Package storage contains tests for the storage implementations.
package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

// slotBackends returns every local SlotStore implementation for table tests.
func slotBackends(t *testing.T) map[string]SlotStore {
	t.Helper()
	dir := t.TempDir()

	files, err := NewFileSlots(filepath.Join(dir, "slots"))
	if err != nil {
		t.Fatalf("NewFileSlots: %v", err)
	}
	sqlite, err := NewSQLiteSlots(filepath.Join(dir, "slots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSlots: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]SlotStore{
		"memory": NewMemorySlots(),
		"file":   files,
		"sqlite": sqlite,
	}
}

func TestSlots_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range slotBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "ic-identity-delegation"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on empty store, got %v", err)
			}
			if err := store.Put(ctx, "ic-identity-delegation", []byte("first")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := store.Put(ctx, "ic-identity-delegation", []byte("second")); err != nil {
				t.Fatalf("Put overwrite failed: %v", err)
			}
			got, err := store.Get(ctx, "ic-identity-delegation")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != "second" {
				t.Errorf("value mismatch: got %q want %q", got, "second")
			}
			if err := store.Delete(ctx, "ic-identity-delegation"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, "ic-identity-delegation"); err != nil {
				t.Fatalf("Delete of missing slot should succeed, got %v", err)
			}
			if _, err := store.Get(ctx, "ic-identity-delegation"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestMemorySlots_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySlots()
	value := []byte("abc")
	if err := store.Put(ctx, "k", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value[0] = 'x'
	got, _ := store.Get(ctx, "k")
	got[1] = 'y'
	again, _ := store.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated: %q", again)
	}
}

func TestFileSlots_PermissionsAndNames(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSlots(dir)
	if err != nil {
		t.Fatalf("NewFileSlots: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, "ic-identity-session-key", []byte("pem")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "ic-identity-session-key"))
	if err != nil {
		t.Fatalf("stat slot: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("slot permissions: got %o want 600", perm)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the slot file, found %d entries", len(entries))
	}
	if err := store.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatalf("expected error for path traversal slot name")
	}
}

func TestMemoryStore_UserRegistry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	rec := model.UserRecord{Principal: []byte{1, 2, 3}, Subject: "user-1", RegisteredAt: time.Now().UTC()}
	if _, err := store.LookupUser(ctx, rec.Principal); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RegisterUser(ctx, rec); err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	if err := store.RegisterUser(ctx, rec); err != nil {
		t.Fatalf("re-registering the same pair should succeed, got %v", err)
	}
	other := rec
	other.Subject = "user-2"
	if err := store.RegisterUser(ctx, other); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := store.LookupUser(ctx, rec.Principal)
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if got.Subject != "user-1" {
		t.Errorf("subject mismatch: got %q want %q", got.Subject, "user-1")
	}
}

func TestMemoryStore_SaltWrittenOnce(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	if _, err := store.GetSalt(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.PutSalt(ctx, []byte("salt-a")); err != nil {
		t.Fatalf("PutSalt failed: %v", err)
	}
	if err := store.PutSalt(ctx, []byte("salt-b")); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	salt, _ := store.GetSalt(ctx)
	if string(salt) != "salt-a" {
		t.Errorf("salt mismatch: got %q", salt)
	}
}

func TestMemoryStore_SignaturesPrune(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	oldSig := model.PendingSignature{Seed: [32]byte{1}, MessageHash: [32]byte{2}, Signature: []byte("old"), CreatedAt: now.Add(-2 * time.Minute)}
	newSig := model.PendingSignature{Seed: [32]byte{1}, MessageHash: [32]byte{3}, Signature: []byte("new"), CreatedAt: now}
	for _, s := range []model.PendingSignature{oldSig, newSig} {
		if err := store.AddSignature(ctx, s); err != nil {
			t.Fatalf("AddSignature failed: %v", err)
		}
	}

	n, err := store.PruneSignatures(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("PruneSignatures failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d signatures, want 1", n)
	}
	if _, err := store.GetSignature(ctx, oldSig.Seed, oldSig.MessageHash); err != ErrNotFound {
		t.Errorf("expected pruned signature to be gone, got %v", err)
	}
	got, err := store.GetSignature(ctx, newSig.Seed, newSig.MessageHash)
	if err != nil {
		t.Fatalf("GetSignature failed: %v", err)
	}
	if string(got.Signature) != "new" {
		t.Errorf("signature mismatch: got %q", got.Signature)
	}
}

// TestMemoryStore_ConcurrentAccess exercises the locks under the race detector.
func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seed := [32]byte{byte(i)}
			_ = store.AddSignature(ctx, model.PendingSignature{Seed: seed, CreatedAt: time.Now()})
			_, _ = store.GetSignature(ctx, seed, [32]byte{})
			_ = store.RegisterUser(ctx, model.UserRecord{Principal: []byte{byte(i)}, Subject: "s"})
		}(i)
	}
	wg.Wait()
}
