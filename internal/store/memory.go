package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory DataStore used in tests and as the default
// when no persistent backend is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
	blobs  map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]Row),
		blobs:  make(map[string][]byte),
	}
}

// Select returns copies of all rows in table matching filter.
func (m *MemoryStore) Select(_ context.Context, table string, filter Filter) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

// Insert appends a row, assigning an id when missing, and returns the stored
// copy.
func (m *MemoryStore) Insert(_ context.Context, table string, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneRow(row)
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.NewString()
	}
	m.tables[table] = append(m.tables[table], stored)
	return cloneRow(stored), nil
}

// Update applies changes to every matching row and returns the count.
func (m *MemoryStore) Update(_ context.Context, table string, filter Filter, changes Row) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			for k, v := range changes {
				row[k] = v
			}
			updated++
		}
	}
	return updated, nil
}

// Upsert updates the row with the same id, or inserts when absent.
func (m *MemoryStore) Upsert(ctx context.Context, table string, row Row) (Row, error) {
	if id, ok := row["id"]; ok {
		m.mu.Lock()
		for i, existing := range m.tables[table] {
			if existing["id"] == id {
				m.tables[table][i] = cloneRow(row)
				m.mu.Unlock()
				return cloneRow(row), nil
			}
		}
		m.mu.Unlock()
	}
	return m.Insert(ctx, table, row)
}

// Delete removes every matching row and returns the count.
func (m *MemoryStore) Delete(_ context.Context, table string, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tables[table][:0]
	deleted := 0
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return deleted, nil
}

// Upload stores a blob under bucket/path and returns a synthetic URL.
func (m *MemoryStore) Upload(_ context.Context, bucket, path string, blob []byte) (UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucket + "/" + path
	m.blobs[key] = append([]byte(nil), blob...)
	return UploadResult{
		Path: key,
		URL:  fmt.Sprintf("mem://%s", key),
	}, nil
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
