package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process CounterStore. It is the substitutable
// fake for tests and single-process deployments; multi-process setups
// need the SQLite store (or another shared backend).
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

// Read implements CounterStore
func (m *MemoryStore) Read(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		return Record{}, nil
	}
	return rec.Clone(), nil
}

// AtomicIncrement implements CounterStore
func (m *MemoryStore) AtomicIncrement(_ context.Context, key string, deltas Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		rec = make(Record)
		m.data[key] = rec
	}
	for field, delta := range deltas {
		rec[field] += delta
	}
	return rec.Clone(), nil
}

// ConditionalReset implements CounterStore
func (m *MemoryStore) ConditionalReset(_ context.Context, key string, guard *Condition, sets Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		rec = make(Record)
	}

	if guard != nil && !guard.holds(rec[guard.Field]) {
		return false, nil
	}

	for field, value := range sets {
		rec[field] = value
	}
	m.data[key] = rec
	return true, nil
}

// Reset clears all keys. Test helper.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]Record)
}
