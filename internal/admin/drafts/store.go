// Package drafts persists in-progress selections so an editor can be reopened where staff left it.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
)

// Section distinguishes the pharmacy and lab editors of one request.
type Section string

const (
	SectionPharmacy Section = "pharmacy"
	SectionLab      Section = "lab"
)

// ErrInvalidKey is returned for keys without a request identifier or with an unknown section.
var ErrInvalidKey = errors.New("drafts: invalid key")

// Key addresses one draft.
type Key struct {
	RequestID string
	Section   Section
}

// String renders the key as {requestId}:{section}.
func (k Key) String() string {
	return strings.TrimSpace(k.RequestID) + ":" + string(k.Section)
}

// Validate reports whether the key can address a draft.
func (k Key) Validate() error {
	if strings.TrimSpace(k.RequestID) == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidKey)
	}
	switch k.Section {
	case SectionPharmacy, SectionLab:
		return nil
	default:
		return fmt.Errorf("%w: unknown section %q", ErrInvalidKey, k.Section)
	}
}

// ParseKey parses the output of Key.String.
func ParseKey(raw string) (Key, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	key := Key{RequestID: raw[:idx], Section: Section(raw[idx+1:])}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Store saves selection snapshots by key. Load reports false when no draft exists.
type Store interface {
	Save(ctx context.Context, key Key, snap selection.Snapshot) error
	Load(ctx context.Context, key Key) (selection.Snapshot, bool, error)
	Clear(ctx context.Context, key Key) error
}

// MemoryStore keeps drafts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[Key]selection.Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[Key]selection.Snapshot)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, key Key, snap selection.Snapshot) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.drafts[key] = copySnapshot(snap)
	m.mu.Unlock()
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key Key) (selection.Snapshot, bool, error) {
	if err := key.Validate(); err != nil {
		return selection.Snapshot{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return selection.Snapshot{}, false, err
	}
	m.mu.RLock()
	snap, ok := m.drafts[key]
	m.mu.RUnlock()
	if !ok {
		return selection.Snapshot{}, false, nil
	}
	return copySnapshot(snap), true, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.drafts, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored drafts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drafts)
}

func copySnapshot(snap selection.Snapshot) selection.Snapshot {
	snap.SelectedProviders = append(snap.SelectedProviders[:0:0], snap.SelectedProviders...)
	snap.SelectedLines = append(snap.SelectedLines[:0:0], snap.SelectedLines...)
	return snap
}
