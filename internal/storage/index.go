package storage

import (
	"context"
	"sync"
	"time"
)

// ObjectMeta describes a content-addressed object.
type ObjectMeta struct {
	Identifier  string
	ContentHash string
	Size        int64
	CreatedAt   time.Time
}

// Index maps content hashes to stored objects. Implementations must be safe
// for concurrent use; the Engine additionally serializes the
// lookup-write-insert sequence of an ingest.
type Index interface {
	// Lookup returns the entry for contentHash, if any.
	Lookup(ctx context.Context, contentHash string) (ObjectMeta, bool, error)

	// Insert adds meta unless an entry for its hash already exists. It
	// reports whether the entry was added.
	Insert(ctx context.Context, meta ObjectMeta) (bool, error)

	// Delete removes the entry for contentHash. Deleting a missing entry is
	// not an error.
	Delete(ctx context.Context, contentHash string) error

	// List returns every entry in no particular order.
	List(ctx context.Context) ([]ObjectMeta, error)

	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)

	Close() error
}

// MemoryIndex is an Index held entirely in memory. It starts empty; see
// Engine.RebuildIndex for repopulating it from the backing directory.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]ObjectMeta
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]ObjectMeta)}
}

func (m *MemoryIndex) Lookup(_ context.Context, contentHash string) (ObjectMeta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.entries[contentHash]
	return meta, ok, nil
}

func (m *MemoryIndex) Insert(_ context.Context, meta ObjectMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[meta.ContentHash]; ok {
		return false, nil
	}
	m.entries[meta.ContentHash] = meta
	return true, nil
}

func (m *MemoryIndex) Delete(_ context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, contentHash)
	return nil
}

func (m *MemoryIndex) List(_ context.Context) ([]ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ObjectMeta, 0, len(m.entries))
	for _, meta := range m.entries {
		out = append(out, meta)
	}
	return out, nil
}

func (m *MemoryIndex) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryIndex) Close() error { return nil }
