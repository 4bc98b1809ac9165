package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory [Store] for single-process deployments and tests.
type MemStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
	now   func() time.Time
}

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) MemOption {
	return func(m *MemStore) { m.now = now }
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(opts ...MemOption) *MemStore {
	m := &MemStore{
		snaps: make(map[string]Snapshot),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, snap Snapshot) (string, error) {
	if snap.SessionID == "" {
		return "", fmt.Errorf("store: snapshot session id must not be empty")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = cloneSnapshot(snap)
	return snap.ID, nil
}

// Load implements [Store].
func (m *MemStore) Load(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("store: load %q: %w", id, ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, sessionID string, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		if snap.SessionID == sessionID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cloneSnapshot copies snap deeply enough that callers cannot mutate stored
// state through the returned turn slice.
func cloneSnapshot(snap Snapshot) Snapshot {
	cp := snap
	cp.Turns = append(cp.Turns[:0:0], snap.Turns...)
	return cp
}

var _ Store = (*MemStore)(nil)
