package progress

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PercentError is the sentinel percent for a failed run.
const PercentError = -1

const (
	// ActiveTTL keeps a snapshot visible while a run is in flight.
	ActiveTTL = 30 * time.Minute
	// TerminalTTL keeps the final snapshot visible briefly after
	// completion or failure, then lets it expire.
	TerminalTTL = 10 * time.Minute
)

// Snapshot is the ephemeral per-document progress record the admin UI
// polls. It is cache-only: on loss, readers fall back to Document.status.
type Snapshot struct {
	DocumentID int64     `json:"document_id"`
	Percent    int       `json:"percent"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the injected key-value progress cache. The redis client is the
// production implementation; MemoryStore serves tests and single-node dev.
type Store interface {
	Set(ctx context.Context, snap Snapshot) error
	MarkTerminal(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, documentID int64) (*Snapshot, error)
	Delete(ctx context.Context, documentID int64) error
}

func Key(documentID int64) string {
	return fmt.Sprintf("document_progress_%d", documentID)
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// MemoryStore is an in-process Store with TTL semantics.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[int64]memoryEntry{},
		now:     time.Now,
	}
}

func (m *MemoryStore) Set(ctx context.Context, snap Snapshot) error {
	return m.put(snap, ActiveTTL)
}

func (m *MemoryStore) MarkTerminal(ctx context.Context, snap Snapshot) error {
	return m.put(snap, TerminalTTL)
}

func (m *MemoryStore) put(snap Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = m.now()
	}
	m.entries[snap.DocumentID] = memoryEntry{
		snap:      snap,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, documentID int64) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[documentID]
	if !ok {
		return nil, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, documentID)
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

func (m *MemoryStore) Delete(ctx context.Context, documentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, documentID)
	return nil
}
