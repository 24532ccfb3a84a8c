package storage

import (
	"context"
	"sync"

	"github.com/dreamware/relaydb/internal/cluster"
)

// MemoryStore implements Store with in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	data  map[string]map[string]Record // kind -> id -> record
	nodes map[string]cluster.NodeInfo  // node id -> entry
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]map[string]Record),
		nodes: make(map[string]cluster.NodeInfo),
	}
}

// Insert stores a copy of rec, failing with ErrExists on a duplicate id.
func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.table(rec.Kind)
	if _, exists := table[rec.ID]; exists {
		return ErrExists
	}
	table[rec.ID] = rec.Clone()
	return nil
}

// InsertIfAbsent is Insert with duplicates treated as a successful no-op.
func (m *MemoryStore) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	err := m.Insert(ctx, rec)
	if err == ErrExists {
		return false, nil
	}
	return err == nil, err
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(_ context.Context, kind, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.data[kind][id]
	if !exists {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of up to limit records, newest first.
func (m *MemoryStore) List(_ context.Context, kind string, limit int) ([]Record, error) {
	m.mu.RLock()
	table := m.data[kind]
	records := make([]Record, 0, len(table))
	for _, rec := range table {
		records = append(records, rec.Clone())
	}
	m.mu.RUnlock()

	SortNewest(records)
	return truncate(records, limit), nil
}

// Count returns the number of records of kind.
func (m *MemoryStore) Count(_ context.Context, kind string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[kind]), nil
}

// SaveNode persists a directory entry.
func (m *MemoryStore) SaveNode(_ context.Context, node cluster.NodeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	return nil
}

// LoadNodes returns every persisted directory entry.
func (m *MemoryStore) LoadNodes(_ context.Context) ([]cluster.NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]cluster.NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

// table must be called with mu held for writing.
func (m *MemoryStore) table(kind string) map[string]Record {
	t, ok := m.data[kind]
	if !ok {
		t = make(map[string]Record)
		m.data[kind] = t
	}
	return t
}
