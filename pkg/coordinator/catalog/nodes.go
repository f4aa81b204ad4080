package catalog

import (
	"context"
	"database/sql"
	"time"
)

// NodeRecord is a catalog row from the nodes table.
type NodeRecord struct {
	ID            string
	URL           string
	Version       string
	LastHeartbeat sql.NullTime
	DiskUsage     float64
	ChunkCount    int
}

// RegisterNode upserts a node's registration record. Re-registration
// (a node restarting with the same id) simply refreshes url/version.
func (db *DB) RegisterNode(ctx context.Context, id, url, version string) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO nodes (id, url, version) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, version = excluded.version`,
		id, url, version)
	return Error.Wrap(err)
}

// Heartbeat records a node's latest probe response.
func (db *DB) Heartbeat(ctx context.Context, id string, diskUsage float64, chunkCount int) error {
	res, err := db.sql.ExecContext(ctx, `
		UPDATE nodes SET last_heartbeat = ?, disk_usage = ?, chunk_count = ? WHERE id = ?`,
		time.Now(), diskUsage, chunkCount, id)
	if err != nil {
		return Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return Error.New("heartbeat for unregistered node %s", id)
	}
	return nil
}

// GetNode fetches a single registered node's catalog row, used to
// resolve a writer-supplied node-id to a URL during commit prepare.
func (db *DB) GetNode(ctx context.Context, id string) (NodeRecord, error) {
	var n NodeRecord
	err := db.sql.QueryRowContext(ctx, `
		SELECT id, url, version, last_heartbeat, disk_usage, chunk_count FROM nodes WHERE id = ?`, id).
		Scan(&n.ID, &n.URL, &n.Version, &n.LastHeartbeat, &n.DiskUsage, &n.ChunkCount)
	if err != nil {
		return NodeRecord{}, Error.Wrap(err)
	}
	return n, nil
}

// ListNodes returns every registered node.
func (db *DB) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id, url, version, last_heartbeat, disk_usage, chunk_count FROM nodes`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.ID, &n.URL, &n.Version, &n.LastHeartbeat, &n.DiskUsage, &n.ChunkCount); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, n)
	}
	return out, Error.Wrap(rows.Err())
}

// ListHealthyNodes returns nodes whose last heartbeat is within
// heartbeatTimeout and whose disk usage is below warnThreshold, the
// candidate-set filter for new placements.
func (db *DB) ListHealthyNodes(ctx context.Context, heartbeatTimeout time.Duration, warnThreshold float64) ([]NodeRecord, error) {
	all, err := db.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-heartbeatTimeout)
	var healthy []NodeRecord
	for _, n := range all {
		if !n.LastHeartbeat.Valid || n.LastHeartbeat.Time.Before(cutoff) {
			continue
		}
		if n.DiskUsage >= warnThreshold {
			continue
		}
		healthy = append(healthy, n)
	}
	return healthy, nil
}
