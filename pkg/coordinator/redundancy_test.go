package coordinator

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
	"github.com/prakhar479/VStack/pkg/errkind"
)

func TestDetermineModePopularityThreshold(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)

	cold := catalog.Stream{Popularity: 0}
	require.Equal(t, ModeErasure, c.determineMode(cold))

	atThreshold := catalog.Stream{Popularity: c.redundancy.PopularityThreshold}
	require.Equal(t, ModeErasure, c.determineMode(atThreshold), "threshold must be exceeded, not reached")

	hot := catalog.Stream{Popularity: c.redundancy.PopularityThreshold + 1}
	require.Equal(t, ModeReplication, c.determineMode(hot))
}

func TestDetermineModeOverrideWins(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)

	hotButOverridden := catalog.Stream{
		Popularity:         c.redundancy.PopularityThreshold * 10,
		RedundancyOverride: ModeErasure,
	}
	require.Equal(t, ModeErasure, c.determineMode(hotButOverridden))
}

func TestSetOverrideValidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 0)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	_, err := c.SetOverride(ctx, "s1", "zfec")
	require.Error(t, err)

	effective, err := c.SetOverride(ctx, "s1", ModeReplication)
	require.NoError(t, err)
	require.True(t, effective, "no chunk committed yet, so the override still governs the first commit")

	s, err := c.db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ModeReplication, s.RedundancyOverride)

	// Clearing is mode "".
	_, err = c.SetOverride(ctx, "s1", "")
	require.NoError(t, err)
	s, err = c.db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, s.RedundancyOverride)
}

func TestRecommendMode(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 0)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	rec, err := c.RecommendMode(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ModeErasure, rec.RecommendedMode)
	require.Empty(t, rec.FrozenMode)

	_, err = c.RecommendMode(ctx, "missing")
	require.True(t, errkind.NotFound.Has(err))
}

func TestStorageOverheadAfterErasureCommit(t *testing.T) {
	ctx := context.Background()
	c, nodes := newTestCoordinator(t, 5)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	streamID, _ := chunkid.ParseStreamID(mustSeedStreamID(t, "s1"))
	id := chunkid.NewChunkID(streamID, 0)
	body := make([]byte, 3*1024)
	fragments, origLen := writerUploadFragments(t, nodes, id, body, c.redundancy.ErasureDataShards, c.redundancy.ErasureParityShards)

	_, err := c.CommitChunk(ctx, "s1", 0, id, chunkid.HashBytes(body), int64(origLen), "", nil, fragments)
	require.NoError(t, err)

	overhead, err := c.StorageOverhead(ctx)
	require.NoError(t, err)
	require.EqualValues(t, origLen, overhead.LogicalBytes)
	// (K+M)/K for a 3+2 scheme over a K-aligned payload.
	require.InDelta(t, 5.0/3.0, overhead.Ratio, 0.01)
}

func TestRedundancyEfficiencyCounts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 0)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))
	require.NoError(t, c.db.CreateStream(ctx, "s2", "t", 60, 10, 1024, 1))

	require.NoError(t, freezeMode(ctx, c, "s1", ModeReplication))
	require.NoError(t, freezeMode(ctx, c, "s2", ModeErasure))

	eff, err := c.RedundancyEfficiency(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, eff.ReplicatedStreams)
	require.Equal(t, 1, eff.ErasureStreams)
	require.InDelta(t, 5.0/3.0, eff.ErasureOverhead, 0.01)
}

func freezeMode(ctx context.Context, c *Coordinator, streamID, mode string) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := catalog.FreezeRedundancyModeTx(ctx, tx, streamID, mode)
		return err
	})
}
