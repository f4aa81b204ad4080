package catalog

import (
	"context"
	"database/sql"
)

// ChunkRow is a catalog row from the chunks table.
type ChunkRow struct {
	ID             string
	StreamID       string
	Sequence       int
	Size           int64
	Hash           string
	RedundancyMode string
}

// Replica is a placement row for a replicated chunk.
type Replica struct {
	ChunkID        string
	NodeID         string
	NodeURL        string
	Status         string
	AcceptedBallot int64
}

// Fragment is a placement row for one erasure-coded shard of a chunk.
type Fragment struct {
	ChunkID       string
	FragmentIndex int
	NodeID        string
	NodeURL       string
	Size          int64
	Hash          string
	Status        string
}

// InsertChunkTx records a chunk's catalog metadata. Called once, inside
// the same transaction as the placement commit that first accepts it.
func InsertChunkTx(ctx context.Context, tx *sql.Tx, c ChunkRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (id, stream_id, sequence, size, hash, redundancy_mode)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.StreamID, c.Sequence, c.Size, c.Hash, c.RedundancyMode)
	return Error.Wrap(err)
}

// UpsertReplicaTx records or updates a single replica placement row.
func UpsertReplicaTx(ctx context.Context, tx *sql.Tx, r Replica) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replicas (chunk_id, node_id, node_url, status, accepted_ballot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id, node_url) DO UPDATE SET
			status = excluded.status, accepted_ballot = excluded.accepted_ballot`,
		r.ChunkID, r.NodeID, r.NodeURL, r.Status, r.AcceptedBallot)
	return Error.Wrap(err)
}

// UpsertFragmentTx records or updates a single fragment placement row.
func UpsertFragmentTx(ctx context.Context, tx *sql.Tx, f Fragment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fragments (chunk_id, fragment_index, node_id, node_url, size, hash, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id, fragment_index) DO UPDATE SET
			node_id = excluded.node_id, node_url = excluded.node_url,
			size = excluded.size, hash = excluded.hash, status = excluded.status`,
		f.ChunkID, f.FragmentIndex, f.NodeID, f.NodeURL, f.Size, f.Hash, f.Status)
	return Error.Wrap(err)
}

// GetChunk fetches a chunk's catalog row.
func (db *DB) GetChunk(ctx context.Context, id string) (ChunkRow, error) {
	var c ChunkRow
	err := db.sql.QueryRowContext(ctx, `
		SELECT id, stream_id, sequence, size, hash, redundancy_mode FROM chunks WHERE id = ?`, id).
		Scan(&c.ID, &c.StreamID, &c.Sequence, &c.Size, &c.Hash, &c.RedundancyMode)
	if err != nil {
		return ChunkRow{}, Error.Wrap(err)
	}
	return c, nil
}

// ListChunksForStream returns a stream's chunks in sequence order.
func (db *DB) ListChunksForStream(ctx context.Context, streamID string) ([]ChunkRow, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, stream_id, sequence, size, hash, redundancy_mode
		FROM chunks WHERE stream_id = ? ORDER BY sequence`, streamID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChunkRow
	for rows.Next() {
		var c ChunkRow
		if err := rows.Scan(&c.ID, &c.StreamID, &c.Sequence, &c.Size, &c.Hash, &c.RedundancyMode); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, c)
	}
	return out, Error.Wrap(rows.Err())
}

// ListReplicas returns the committed replica set for a chunk.
func (db *DB) ListReplicas(ctx context.Context, chunkID string) ([]Replica, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT chunk_id, node_id, node_url, status, accepted_ballot FROM replicas WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Replica
	for rows.Next() {
		var r Replica
		if err := rows.Scan(&r.ChunkID, &r.NodeID, &r.NodeURL, &r.Status, &r.AcceptedBallot); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, r)
	}
	return out, Error.Wrap(rows.Err())
}

// StorageTotals aggregates the catalog's logical payload bytes against
// the physical bytes actually stored across replicas and fragments,
// the inputs to the overall storage-overhead ratio.
type StorageTotals struct {
	LogicalBytes  int64
	PhysicalBytes int64
}

// GetStorageTotals sums logical chunk sizes and the physical bytes
// held as replicas (full copies) plus fragments (shard sizes).
func (db *DB) GetStorageTotals(ctx context.Context) (StorageTotals, error) {
	var t StorageTotals
	err := db.sql.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM chunks`).Scan(&t.LogicalBytes)
	if err != nil {
		return StorageTotals{}, Error.Wrap(err)
	}
	var replicated int64
	err = db.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(c.size), 0)
		FROM replicas r JOIN chunks c ON c.id = r.chunk_id
		WHERE r.status = 'active'`).Scan(&replicated)
	if err != nil {
		return StorageTotals{}, Error.Wrap(err)
	}
	var fragmented int64
	err = db.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM fragments WHERE status = 'active'`).Scan(&fragmented)
	if err != nil {
		return StorageTotals{}, Error.Wrap(err)
	}
	t.PhysicalBytes = replicated + fragmented
	return t, nil
}

// ListFragments returns the committed fragment set for a chunk, ordered
// by fragment index.
func (db *DB) ListFragments(ctx context.Context, chunkID string) ([]Fragment, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT chunk_id, fragment_index, node_id, node_url, size, hash, status
		FROM fragments WHERE chunk_id = ? ORDER BY fragment_index`, chunkID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.ChunkID, &f.FragmentIndex, &f.NodeID, &f.NodeURL, &f.Size, &f.Hash, &f.Status); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, f)
	}
	return out, Error.Wrap(rows.Err())
}
