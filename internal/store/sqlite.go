package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_documents.sql
var documentsSchema string

// SQLiteStore is a DataStore backed by a local SQLite database. Rows are
// stored as JSON documents, so field equality in filters is compared after a
// JSON round trip (numbers decode as float64).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database under dataDir and applies
// the schema.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "synapse.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(documentsSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Select returns all rows in table matching filter.
func (s *SQLiteStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE table_name = ? ORDER BY created_at`, table)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var row Row
		if err := json.Unmarshal([]byte(body), &row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		if matches(row, filter) {
			out = append(out, row)
		}
	}
	return out, rows.Err()
}

// Insert stores a row, assigning an id when missing.
func (s *SQLiteStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	stored := cloneRow(row)
	id, ok := stored["id"].(string)
	if !ok || id == "" {
		id = uuid.NewString()
		stored["id"] = id
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (table_name, id, body) VALUES (?, ?, ?)`,
		table, id, string(body))
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	return stored, nil
}

// Update applies changes to every matching row.
func (s *SQLiteStore) Update(ctx context.Context, table string, filter Filter, changes Row) (int, error) {
	existing, err := s.Select(ctx, table, filter)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, row := range existing {
		for k, v := range changes {
			row[k] = v
		}
		body, err := json.Marshal(row)
		if err != nil {
			return updated, fmt.Errorf("encode %s row: %w", table, err)
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE documents SET body = ?, updated_at = datetime('now') WHERE table_name = ? AND id = ?`,
			string(body), table, row["id"])
		if err != nil {
			return updated, fmt.Errorf("update %s: %w", table, err)
		}
		updated++
	}
	return updated, nil
}

// Upsert replaces the row with the same id, or inserts when absent.
func (s *SQLiteStore) Upsert(ctx context.Context, table string, row Row) (Row, error) {
	stored := cloneRow(row)
	id, ok := stored["id"].(string)
	if !ok || id == "" {
		return s.Insert(ctx, table, stored)
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (table_name, id, body) VALUES (?, ?, ?)
		 ON CONFLICT(table_name, id) DO UPDATE SET body = excluded.body, updated_at = datetime('now')`,
		table, id, string(body))
	if err != nil {
		return nil, fmt.Errorf("upsert into %s: %w", table, err)
	}
	return stored, nil
}

// Delete removes every matching row and returns the count.
func (s *SQLiteStore) Delete(ctx context.Context, table string, filter Filter) (int, error) {
	existing, err := s.Select(ctx, table, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, row := range existing {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM documents WHERE table_name = ? AND id = ?`, table, row["id"])
		if err != nil {
			return deleted, fmt.Errorf("delete from %s: %w", table, err)
		}
		deleted++
	}
	return deleted, nil
}

// Upload stores a blob under bucket/path.
func (s *SQLiteStore) Upload(ctx context.Context, bucket, path string, blob []byte) (UploadResult, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (bucket, path, data) VALUES (?, ?, ?)
		 ON CONFLICT(bucket, path) DO UPDATE SET data = excluded.data, uploaded_at = datetime('now')`,
		bucket, path, blob)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	return UploadResult{
		Path: bucket + "/" + path,
		URL:  fmt.Sprintf("sqlite://blobs/%s/%s", bucket, path),
	}, nil
}
