package catalog

import (
	"context"
	"database/sql"
	"time"
)

// Stream is a catalog row from the streams table.
type Stream struct {
	ID                 string
	Title              string
	DurationSec        float64
	ChunkDurationSec   float64
	ChunkSize          int64
	TotalChunks        int
	Status             string
	Popularity         int64
	RedundancyMode     string
	RedundancyOverride string
	CreatedAt          time.Time
}

// CreateStream inserts a new stream row in status "uploading".
func (db *DB) CreateStream(ctx context.Context, id, title string, durationSec, chunkDurationSec float64, chunkSize int64, totalChunks int) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO streams (id, title, duration_sec, chunk_duration_sec, chunk_size, total_chunks, status)
		VALUES (?, ?, ?, ?, ?, ?, 'uploading')`,
		id, title, durationSec, chunkDurationSec, chunkSize, totalChunks)
	return Error.Wrap(err)
}

// GetStream fetches a stream by id.
func (db *DB) GetStream(ctx context.Context, id string) (Stream, error) {
	return scanStream(db.sql.QueryRowContext(ctx, `
		SELECT id, title, duration_sec, chunk_duration_sec, chunk_size, total_chunks,
		       status, popularity, redundancy_mode, redundancy_override, created_at
		FROM streams WHERE id = ?`, id))
}

// ListStreams returns every stream in the catalog.
func (db *DB) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, title, duration_sec, chunk_duration_sec, chunk_size, total_chunks,
		       status, popularity, redundancy_mode, redundancy_override, created_at
		FROM streams ORDER BY created_at`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Stream
	for rows.Next() {
		s, err := scanStreamRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, Error.Wrap(rows.Err())
}

func scanStream(row *sql.Row) (Stream, error) {
	var s Stream
	err := row.Scan(&s.ID, &s.Title, &s.DurationSec, &s.ChunkDurationSec, &s.ChunkSize,
		&s.TotalChunks, &s.Status, &s.Popularity, &s.RedundancyMode, &s.RedundancyOverride, &s.CreatedAt)
	if err != nil {
		return Stream{}, Error.Wrap(err)
	}
	return s, nil
}

func scanStreamRows(rows *sql.Rows) (Stream, error) {
	var s Stream
	err := rows.Scan(&s.ID, &s.Title, &s.DurationSec, &s.ChunkDurationSec, &s.ChunkSize,
		&s.TotalChunks, &s.Status, &s.Popularity, &s.RedundancyMode, &s.RedundancyOverride, &s.CreatedAt)
	if err != nil {
		return Stream{}, Error.Wrap(err)
	}
	return s, nil
}

// IncrementPopularity bumps a stream's popularity counter by one and
// returns the new value. Popularity is monotonically non-decreasing:
// there is no corresponding decrement.
func (db *DB) IncrementPopularity(ctx context.Context, id string) (int64, error) {
	_, err := db.sql.ExecContext(ctx, `UPDATE streams SET popularity = popularity + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	var popularity int64
	err = db.sql.QueryRowContext(ctx, `SELECT popularity FROM streams WHERE id = ?`, id).Scan(&popularity)
	return popularity, Error.Wrap(err)
}

// SetStreamStatus updates a stream's lifecycle status.
func (db *DB) SetStreamStatus(ctx context.Context, id, status string) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE streams SET status = ? WHERE id = ?`, status, id)
	return Error.Wrap(err)
}

// SetRedundancyOverride sets or clears (mode == "") the manual
// redundancy override for a stream.
func (db *DB) SetRedundancyOverride(ctx context.Context, id, mode string) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE streams SET redundancy_override = ? WHERE id = ?`, mode, id)
	return Error.Wrap(err)
}

// ActivateStreamIfCompleteTx flips a stream from "uploading" to
// "active" once its committed chunk count reaches total_chunks. A
// stream created with total_chunks 0 stays in "uploading" until the
// writer sets its status explicitly.
func ActivateStreamIfCompleteTx(ctx context.Context, tx *sql.Tx, streamID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE streams SET status = 'active'
		WHERE id = ? AND status = 'uploading' AND total_chunks > 0
		  AND total_chunks <= (SELECT COUNT(*) FROM chunks WHERE stream_id = ?)`,
		streamID, streamID)
	return Error.Wrap(err)
}

// FreezeRedundancyModeTx records the redundancy mode chosen at a
// stream's first chunk commit, if it has not already been frozen. It
// is a no-op (returns the already-frozen mode) on subsequent calls:
// the mode observed at first commit holds for the life of the stream.
func FreezeRedundancyModeTx(ctx context.Context, tx *sql.Tx, streamID, mode string) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT redundancy_mode FROM streams WHERE id = ?`, streamID).Scan(&existing)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if existing != "" {
		return existing, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE streams SET redundancy_mode = ? WHERE id = ?`, mode, streamID); err != nil {
		return "", Error.Wrap(err)
	}
	return mode, nil
}
