// Package catalog is the coordinator's durable relational store:
// streams, chunks, replicas, fragments, nodes, and placement
// proposals. It is backed by github.com/mattn/go-sqlite3 through
// database/sql: one file-backed database, schema created with CREATE
// TABLE IF NOT EXISTS, explicit transactions around any multi-row
// mutation.
package catalog

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// Error is the class for catalog-level failures not otherwise
// classified by errkind (schema setup, transaction plumbing).
var Error = errs.Class("catalog")

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	duration_sec        REAL NOT NULL DEFAULT 0,
	chunk_duration_sec  REAL NOT NULL DEFAULT 10,
	chunk_size          INTEGER NOT NULL DEFAULT 0,
	total_chunks        INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'uploading',
	popularity          INTEGER NOT NULL DEFAULT 0,
	redundancy_mode     TEXT NOT NULL DEFAULT '',
	redundancy_override TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT PRIMARY KEY,
	stream_id       TEXT NOT NULL REFERENCES streams(id),
	sequence        INTEGER NOT NULL,
	size            INTEGER NOT NULL,
	hash            TEXT NOT NULL,
	redundancy_mode TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_stream ON chunks(stream_id, sequence);

CREATE TABLE IF NOT EXISTS replicas (
	chunk_id        TEXT NOT NULL REFERENCES chunks(id),
	node_id         TEXT NOT NULL,
	node_url        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	accepted_ballot INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chunk_id, node_url)
);

CREATE TABLE IF NOT EXISTS fragments (
	chunk_id       TEXT NOT NULL REFERENCES chunks(id),
	fragment_index INTEGER NOT NULL,
	node_id        TEXT NOT NULL,
	node_url       TEXT NOT NULL,
	size           INTEGER NOT NULL,
	hash           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (chunk_id, fragment_index)
);

CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	version        TEXT NOT NULL DEFAULT '',
	last_heartbeat DATETIME,
	disk_usage     REAL NOT NULL DEFAULT 0,
	chunk_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS proposals (
	chunk_id        TEXT PRIMARY KEY,
	promised_ballot INTEGER NOT NULL DEFAULT 0,
	accepted_ballot INTEGER NOT NULL DEFAULT 0,
	accepted_value  TEXT NOT NULL DEFAULT '',
	phase           TEXT NOT NULL DEFAULT 'none'
);
`

// DB wraps the coordinator's sqlite-backed catalog.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the catalog database at path and
// applies the schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// The coordinator serializes per-chunk writes at the application
	// level (see placement.go); sqlite itself only ever sees one
	// writer at a time from this process, so a single connection
	// avoids SQLITE_BUSY entirely rather than tuning busy_timeout.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, Error.New("applying schema: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error { return db.sql.Close() }

// WithTx runs fn inside a transaction, committing on success and
// rolling back on error or panic. Catalog updates that touch more than
// one row (a chunk commit = replica rows + proposal row) always go
// through WithTx so either every row becomes visible together or none
// do.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
