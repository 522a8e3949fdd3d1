// Package store defines the generic data-store capability the orchestration
// layer persists through, and provides two implementations: a pure-Go SQLite
// document store and an in-memory store for tests. Any persistence backend
// that satisfies DataStore can be injected in their place.
package store

import (
	"context"
)

// Row is one stored record. Every row carries an "id" field; implementations
// assign one on insert when missing.
type Row map[string]any

// Filter selects rows whose fields equal every filter value. An empty filter
// matches all rows.
type Filter map[string]any

// UploadResult describes a stored blob.
type UploadResult struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// DataStore is the capability interface for the persistence collaborator.
type DataStore interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, changes Row) (int, error)
	Upsert(ctx context.Context, table string, row Row) (Row, error)
	Delete(ctx context.Context, table string, filter Filter) (int, error)
	Upload(ctx context.Context, bucket, path string, blob []byte) (UploadResult, error)
}

func matches(row Row, filter Filter) bool {
	for key, want := range filter {
		if row[key] != want {
			return false
		}
	}
	return true
}
