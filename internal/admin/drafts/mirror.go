package drafts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
)

// PersistenceError describes a draft operation that failed against the durable store.
type PersistenceError struct {
	Op  string
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("drafts: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Mirror fronts a durable Store with an in-memory copy. Errors from the durable store are logged
// and never returned. Degradation is tracked per draft key: after a durable failure the key is served
// from memory until its next editor session begins with Resume. Cancelled or timed-out calls never
// degrade a key.
type Mirror struct {
	durable Store
	memory  *MemoryStore
	logger  *zap.Logger
	onError func(*PersistenceError)

	mu       sync.Mutex
	degraded map[Key]struct{}
}

// MirrorOption customises a Mirror.
type MirrorOption func(*Mirror)

// WithLogger sets the logger used to report persistence failures.
func WithLogger(logger *zap.Logger) MirrorOption {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithErrorHook receives every persistence failure.
func WithErrorHook(fn func(*PersistenceError)) MirrorOption {
	return func(m *Mirror) {
		m.onError = fn
	}
}

// NewMirror wraps durable. A nil durable store yields a memory-only mirror.
func NewMirror(durable Store, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		durable:  durable,
		memory:   NewMemoryStore(),
		logger:   zap.NewNop(),
		degraded: make(map[Key]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// MemoryOnly reports whether the mirror has no durable store at all.
func (m *Mirror) MemoryOnly() bool {
	return m.durable == nil
}

// Degraded reports whether key is currently served from memory only.
func (m *Mirror) Degraded(key Key) bool {
	if m.durable == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.degraded[key]
	return ok
}

// Resume starts a new editor session for key, retrying the durable store.
func (m *Mirror) Resume(key Key) {
	m.mu.Lock()
	delete(m.degraded, key)
	m.mu.Unlock()
}

// Save records snap in memory and, unless key is degraded, in the durable store.
func (m *Mirror) Save(ctx context.Context, key Key, snap selection.Snapshot) {
	if err := m.memory.Save(context.WithoutCancel(ctx), key, snap); err != nil {
		m.logger.Debug("draft rejected", zap.String("draft_key", key.String()), zap.Error(err))
		return
	}
	if m.Degraded(key) {
		return
	}
	if err := m.durable.Save(ctx, key, snap); err != nil {
		m.fail("save", key, err)
	}
}

// Load returns the draft for key. The durable store is consulted first so a draft survives a
// restart; memory answers once the key is degraded or the durable store has nothing.
func (m *Mirror) Load(ctx context.Context, key Key) (selection.Snapshot, bool) {
	if key.Validate() != nil {
		return selection.Snapshot{}, false
	}
	if !m.Degraded(key) {
		snap, ok, err := m.durable.Load(ctx, key)
		switch {
		case err != nil:
			m.fail("load", key, err)
		case ok:
			_ = m.memory.Save(context.WithoutCancel(ctx), key, snap)
			return snap, true
		}
	}
	snap, ok, err := m.memory.Load(context.WithoutCancel(ctx), key)
	if err != nil {
		return selection.Snapshot{}, false
	}
	return snap, ok
}

// Clear removes the draft everywhere it is stored.
func (m *Mirror) Clear(ctx context.Context, key Key) {
	if m.memory.Clear(ctx, key) != nil {
		return
	}
	if m.Degraded(key) {
		return
	}
	if err := m.durable.Clear(ctx, key); err != nil {
		m.fail("clear", key, err)
	}
}

func (m *Mirror) fail(op string, key Key, err error) {
	perr := &PersistenceError{Op: op, Key: key, Err: err}
	if m.onError != nil {
		defer m.onError(perr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Debug("draft persistence interrupted", zap.String("op", op), zap.String("draft_key", key.String()), zap.Error(err))
		return
	}

	m.mu.Lock()
	_, already := m.degraded[key]
	m.degraded[key] = struct{}{}
	m.mu.Unlock()

	if already {
		m.logger.Debug("draft persistence failed", zap.String("op", op), zap.String("draft_key", key.String()), zap.Error(err))
		return
	}
	m.logger.Warn("draft persistence unavailable; continuing in memory",
		zap.String("op", op),
		zap.String("draft_key", key.String()),
		zap.Error(err),
	)
}
