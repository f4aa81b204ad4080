package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/errkind"
)

func TestManifestListsCommittedReplicas(t *testing.T) {
	ctx := context.Background()
	c, nodes := newTestCoordinator(t, 3)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 30, 10, 1024, 3))
	for i := int64(0); i <= c.redundancy.PopularityThreshold; i++ {
		_, err := c.db.IncrementPopularity(ctx, "s1")
		require.NoError(t, err)
	}

	streamID, _ := chunkid.ParseStreamID(mustSeedStreamID(t, "s1"))
	for seq := 0; seq < 3; seq++ {
		id := chunkid.NewChunkID(streamID, int64(seq))
		body := []byte{byte(seq), 1, 2, 3}
		nodeIDs := writerUpload(t, nodes, id, body)
		_, err := c.CommitChunk(ctx, "s1", seq, id, chunkid.HashBytes(body), int64(len(body)), "", nodeIDs, nil)
		require.NoError(t, err)
	}

	m, err := c.GetManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, m.Chunks, 3)
	for seq, loc := range m.Chunks {
		require.Equal(t, seq, loc.Sequence)
		require.Equal(t, ModeReplication, loc.Mode)
		require.Len(t, loc.NodeURLs, 3, "all three nodes confirmed every chunk")
	}

	s, err := c.db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "active", s.Status, "stream leaves uploading once every chunk commits")
}

func TestManifestIsStableAcrossFetches(t *testing.T) {
	ctx := context.Background()
	c, nodes := newTestCoordinator(t, 5)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 10, 10, 1024, 1))

	streamID, _ := chunkid.ParseStreamID(mustSeedStreamID(t, "s1"))
	id := chunkid.NewChunkID(streamID, 0)
	body := []byte("stable manifest payload")
	fragments, origLen := writerUploadFragments(t, nodes, id, body, c.redundancy.ErasureDataShards, c.redundancy.ErasureParityShards)
	_, err := c.CommitChunk(ctx, "s1", 0, id, chunkid.HashBytes(body), int64(origLen), "", nil, fragments)
	require.NoError(t, err)

	m1, err := c.GetManifest(ctx, "s1")
	require.NoError(t, err)
	m2, err := c.GetManifest(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, m1.Chunks, m2.Chunks)
}

func TestManifestFetchBumpsPopularity(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 0)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 10, 10, 1024, 0))

	_, err := c.GetManifest(ctx, "s1")
	require.NoError(t, err)

	s, err := c.db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Popularity)
}

func TestManifestUnknownStream(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)
	_, err := c.GetManifest(context.Background(), "missing")
	require.True(t, errkind.NotFound.Has(err))
}

func TestProposalStateAfterCommit(t *testing.T) {
	ctx := context.Background()
	c, nodes := newTestCoordinator(t, 3)
	require.NoError(t, c.db.CreateStream(ctx, "s1", "t", 10, 10, 1024, 1))
	for i := int64(0); i <= c.redundancy.PopularityThreshold; i++ {
		_, err := c.db.IncrementPopularity(ctx, "s1")
		require.NoError(t, err)
	}

	streamID, _ := chunkid.ParseStreamID(mustSeedStreamID(t, "s1"))
	id := chunkid.NewChunkID(streamID, 0)

	p, err := c.ProposalState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "none", p.Phase)

	body := []byte("commit me")
	nodeIDs := writerUpload(t, nodes, id, body)
	result, err := c.CommitChunk(ctx, "s1", 0, id, chunkid.HashBytes(body), int64(len(body)), "", nodeIDs, nil)
	require.NoError(t, err)

	p, err = c.ProposalState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "committed", p.Phase)
	require.Equal(t, result.Ballot, p.AcceptedBallot)

	// The accepted value is the confirming node-id set.
	accepted := strings.Split(p.AcceptedValue, ",")
	require.Len(t, accepted, 3)
	require.ElementsMatch(t, nodeIDs, accepted)

	placement, err := c.ChunkPlacement(ctx, id)
	require.NoError(t, err)
	require.Len(t, placement.Replicas, 3)
}
