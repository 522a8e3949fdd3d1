package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/store"
)

// Database wraps the data-store collaborator with timing, result
// normalization, and failure announcements. It is the only path the
// orchestration layer uses to persist rows and blobs.
type Database struct {
	store store.DataStore
	bus   *bus.Bus
	log   zerolog.Logger
}

// NewDatabase creates the connector. A nil store falls back to in-memory.
func NewDatabase(b *bus.Bus, ds store.DataStore) *Database {
	if ds == nil {
		ds = store.NewMemoryStore()
	}
	return &Database{
		store: ds,
		bus:   b,
		log:   logging.WithComponent("database"),
	}
}

// ModuleName implements registry.Module.
func (d *Database) ModuleName() string { return "data store" }

// Select runs a filtered read.
func (d *Database) Select(ctx context.Context, table string, filter store.Filter) Result {
	start := time.Now()
	rows, err := d.store.Select(ctx, table, filter)
	if err != nil {
		return d.fail(ctx, "select", table, err, start)
	}
	return Succeed(rows, start)
}

// Insert stores one row.
func (d *Database) Insert(ctx context.Context, table string, row store.Row) Result {
	start := time.Now()
	stored, err := d.store.Insert(ctx, table, row)
	if err != nil {
		return d.fail(ctx, "insert", table, err, start)
	}
	return Succeed(stored, start)
}

// Update applies changes to matching rows.
func (d *Database) Update(ctx context.Context, table string, filter store.Filter, changes store.Row) Result {
	start := time.Now()
	n, err := d.store.Update(ctx, table, filter, changes)
	if err != nil {
		return d.fail(ctx, "update", table, err, start)
	}
	return Succeed(n, start)
}

// Upsert inserts or replaces one row.
func (d *Database) Upsert(ctx context.Context, table string, row store.Row) Result {
	start := time.Now()
	stored, err := d.store.Upsert(ctx, table, row)
	if err != nil {
		return d.fail(ctx, "upsert", table, err, start)
	}
	return Succeed(stored, start)
}

// Delete removes matching rows.
func (d *Database) Delete(ctx context.Context, table string, filter store.Filter) Result {
	start := time.Now()
	n, err := d.store.Delete(ctx, table, filter)
	if err != nil {
		return d.fail(ctx, "delete", table, err, start)
	}
	return Succeed(n, start)
}

// Upload stores a blob.
func (d *Database) Upload(ctx context.Context, bucket, path string, blob []byte) Result {
	start := time.Now()
	res, err := d.store.Upload(ctx, bucket, path, blob)
	if err != nil {
		return d.fail(ctx, "upload", bucket, err, start)
	}
	return Succeed(res, start)
}

func (d *Database) fail(ctx context.Context, op, target string, err error, start time.Time) Result {
	d.log.Warn().Err(err).Str("op", op).Str("target", target).Msg("data store operation failed")
	if d.bus != nil {
		_ = d.bus.Publish(ctx, bus.EventErrorOccurred, bus.ErrorPayload{
			Source:  "database",
			Message: err.Error(),
			Context: op + " " + target,
		}, bus.PublishOptions{})
	}
	return Fail(err, start)
}
