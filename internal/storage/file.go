package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var slotNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// fileSlots stores one file per slot under a directory. Writes go to a
// temporary file that is renamed over the slot, so a slot is never observed
// half-written.
type fileSlots struct {
	dir string
	mu  sync.Mutex
}

// NewFileSlots returns a SlotStore rooted at dir, creating it with 0700.
func NewFileSlots(dir string) (SlotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create slot directory: %w", err)
	}
	return &fileSlots{dir: dir}, nil
}

func (f *fileSlots) path(name string) (string, error) {
	if !slotNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid slot name %q", name)
	}
	return filepath.Join(f.dir, name), nil
}

func (f *fileSlots) Get(ctx context.Context, name string) ([]byte, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read slot %s: %w", name, err)
	}
	return data, nil
}

func (f *fileSlots) Put(ctx context.Context, name string, value []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp slot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp slot: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp slot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp slot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp slot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replace slot %s: %w", name, err)
	}
	return nil
}

func (f *fileSlots) Delete(ctx context.Context, name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete slot %s: %w", name, err)
	}
	return nil
}

func (f *fileSlots) Close() error { return nil }
