package coordinator

import (
	"context"

	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// Redundancy modes, frozen per stream at first chunk commit.
const (
	ModeReplication = "replication"
	ModeErasure     = "erasure"
)

// RedundancyConfig carries the mode-selection thresholds and coding
// parameters.
type RedundancyConfig struct {
	PopularityThreshold int64
	ReplicationFactor   int
	ErasureDataShards   int
	ErasureParityShards int
}

// DefaultRedundancyConfig: popularity threshold 1000, replication
// factor 3, erasure (3, 2).
func DefaultRedundancyConfig() RedundancyConfig {
	return RedundancyConfig{
		PopularityThreshold: 1000,
		ReplicationFactor:   3,
		ErasureDataShards:   3,
		ErasureParityShards: 2,
	}
}

// determineMode picks replication for "hot" (popular) streams and
// erasure coding for "cold" ones. A manual override always wins over
// the popularity heuristic: the overridden mode is returned as is. The threshold
// comparison is strict: popularity must exceed, not just reach, the
// threshold.
func (c *Coordinator) determineMode(stream catalog.Stream) string {
	if stream.RedundancyOverride != "" {
		return stream.RedundancyOverride
	}
	if stream.Popularity > c.redundancy.PopularityThreshold {
		return ModeReplication
	}
	return ModeErasure
}

// SetOverride persists a manual redundancy override for a stream. If
// the stream's mode has already been frozen by an earlier commit, the
// override is still recorded for future streams/operators to see but
// has no retroactive effect on already-placed chunks (see the open
// question recorded for this behavior).
func (c *Coordinator) SetOverride(ctx context.Context, streamID, mode string) (effectiveForExisting bool, err error) {
	if mode != "" && mode != ModeReplication && mode != ModeErasure {
		return false, Error.New("invalid redundancy mode %q", mode)
	}
	if err := c.db.SetRedundancyOverride(ctx, streamID, mode); err != nil {
		return false, err
	}
	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return false, err
	}
	return stream.RedundancyMode == "", nil
}

// RedundancyEfficiency summarizes storage overhead per mode for the
// operator-facing diagnostic surface.
type RedundancyEfficiency struct {
	ReplicatedStreams int
	ErasureStreams    int
	ReplicationFactor int
	ErasureOverhead   float64 // (k+m)/k
}

// Recommendation is what the mode-selection policy would choose for a
// stream right now, alongside what is already frozen or overridden.
type Recommendation struct {
	StreamID        string
	RecommendedMode string
	FrozenMode      string
	Override        string
	Popularity      int64
}

// RecommendMode reports the redundancy mode the policy would pick for
// a stream's next first-commit, without committing anything.
func (c *Coordinator) RecommendMode(ctx context.Context, streamID string) (Recommendation, error) {
	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return Recommendation{}, errkind.NotFound.New("stream %s not found: %v", streamID, err)
	}
	return Recommendation{
		StreamID:        streamID,
		RecommendedMode: c.determineMode(stream),
		FrozenMode:      stream.RedundancyMode,
		Override:        stream.RedundancyOverride,
		Popularity:      stream.Popularity,
	}, nil
}

// StorageOverhead is the catalog-wide ratio of physical stored bytes
// to logical payload bytes: R for pure replication, (K+M)/K for pure
// erasure, and a blend in between.
type StorageOverhead struct {
	LogicalBytes  int64
	PhysicalBytes int64
	Ratio         float64
}

func (c *Coordinator) StorageOverhead(ctx context.Context) (StorageOverhead, error) {
	totals, err := c.db.GetStorageTotals(ctx)
	if err != nil {
		return StorageOverhead{}, err
	}
	overhead := StorageOverhead{LogicalBytes: totals.LogicalBytes, PhysicalBytes: totals.PhysicalBytes}
	if totals.LogicalBytes > 0 {
		overhead.Ratio = float64(totals.PhysicalBytes) / float64(totals.LogicalBytes)
	}
	return overhead, nil
}

func (c *Coordinator) RedundancyEfficiency(ctx context.Context) (RedundancyEfficiency, error) {
	streams, err := c.db.ListStreams(ctx)
	if err != nil {
		return RedundancyEfficiency{}, err
	}
	eff := RedundancyEfficiency{
		ReplicationFactor: c.redundancy.ReplicationFactor,
		ErasureOverhead:   float64(c.redundancy.ErasureDataShards+c.redundancy.ErasureParityShards) / float64(c.redundancy.ErasureDataShards),
	}
	for _, s := range streams {
		switch s.RedundancyMode {
		case ModeReplication:
			eff.ReplicatedStreams++
		case ModeErasure:
			eff.ErasureStreams++
		}
	}
	return eff, nil
}
