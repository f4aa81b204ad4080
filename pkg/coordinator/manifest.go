package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/errkind"
)

// ChunkLocation is a resolved, read-ready placement for one chunk.
type ChunkLocation struct {
	ChunkID  string
	Sequence int
	Size     int64
	Hash     string
	Mode     string
	NodeURLs []string // replication mode: whole-chunk replicas
	Fragment []FragmentLocation
}

// FragmentLocation is one erasure-coded shard's location.
type FragmentLocation struct {
	Index   int
	NodeURL string
}

// Manifest is everything a reader needs to begin playout of a stream.
// It is immutable for the life of the stream: two fetches of an active
// stream's manifest return identical chunk lists.
type Manifest struct {
	StreamID    string
	TotalChunks int
	ChunkSize   int64
	Chunks      []ChunkLocation
}

// GetManifest assembles a stream's chunk listing, resolving each
// chunk's current node placement. It also counts as an access for
// popularity purposes: each manifest fetch bumps the stream's
// popularity counter, since that is the signal the redundancy policy
// keys off.
func (c *Coordinator) GetManifest(ctx context.Context, streamID string) (Manifest, error) {
	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return Manifest{}, errkind.NotFound.New("stream %s not found: %v", streamID, err)
	}
	if _, err := c.db.IncrementPopularity(ctx, streamID); err != nil {
		c.log.Warn("failed to record manifest access against popularity", zap.Error(err))
	}

	rows, err := c.db.ListChunksForStream(ctx, streamID)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{StreamID: streamID, TotalChunks: stream.TotalChunks, ChunkSize: stream.ChunkSize}
	for _, row := range rows {
		loc := ChunkLocation{ChunkID: row.ID, Sequence: row.Sequence, Size: row.Size, Hash: row.Hash, Mode: row.RedundancyMode}
		switch row.RedundancyMode {
		case ModeReplication:
			replicas, err := c.db.ListReplicas(ctx, row.ID)
			if err != nil {
				return Manifest{}, err
			}
			for _, r := range replicas {
				loc.NodeURLs = append(loc.NodeURLs, r.NodeURL)
			}
		case ModeErasure:
			fragments, err := c.db.ListFragments(ctx, row.ID)
			if err != nil {
				return Manifest{}, err
			}
			for _, f := range fragments {
				loc.Fragment = append(loc.Fragment, FragmentLocation{Index: f.FragmentIndex, NodeURL: f.NodeURL})
			}
		}
		m.Chunks = append(m.Chunks, loc)
	}
	return m, nil
}
