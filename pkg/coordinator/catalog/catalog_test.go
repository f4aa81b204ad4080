package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStreamLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.CreateStream(ctx, "s1", "first stream", 60, 10, 2<<20, 6))

	s, err := db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "first stream", s.Title)
	require.Equal(t, "uploading", s.Status)
	require.Zero(t, s.Popularity)

	require.NoError(t, db.SetStreamStatus(ctx, "s1", "active"))
	s, err = db.GetStream(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "active", s.Status)

	streams, err := db.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
}

func TestPopularityIsMonotonic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	var last int64
	for i := 0; i < 5; i++ {
		p, err := db.IncrementPopularity(ctx, "s1")
		require.NoError(t, err)
		require.Greater(t, p, last)
		last = p
	}
	require.EqualValues(t, 5, last)
}

func TestHeartbeatRejectsUnregisteredNode(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.Error(t, db.Heartbeat(ctx, "ghost", 0.1, 0))

	require.NoError(t, db.RegisterNode(ctx, "n1", "http://n1", "v1"))
	require.NoError(t, db.Heartbeat(ctx, "n1", 0.1, 3))

	n, err := db.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, 3, n.ChunkCount)
	require.True(t, n.LastHeartbeat.Valid)
}

func TestReregistrationUpdatesURL(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.RegisterNode(ctx, "n1", "http://old", "v1"))
	require.NoError(t, db.RegisterNode(ctx, "n1", "http://new", "v2"))

	n, err := db.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "http://new", n.URL)
}

func TestListHealthyNodesFilters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.RegisterNode(ctx, "fresh", "http://fresh", "v"))
	require.NoError(t, db.Heartbeat(ctx, "fresh", 0.2, 0))

	require.NoError(t, db.RegisterNode(ctx, "full", "http://full", "v"))
	require.NoError(t, db.Heartbeat(ctx, "full", 0.9, 0))

	// Registered but never heartbeated: excluded.
	require.NoError(t, db.RegisterNode(ctx, "silent", "http://silent", "v"))

	healthy, err := db.ListHealthyNodes(ctx, 30*time.Second, 0.85)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	require.Equal(t, "fresh", healthy[0].ID)
}

func TestFreezeRedundancyModeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	var first, second string
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		mode, err := FreezeRedundancyModeTx(ctx, tx, "s1", "erasure")
		first = mode
		return err
	}))
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		mode, err := FreezeRedundancyModeTx(ctx, tx, "s1", "replication")
		second = mode
		return err
	}))

	require.Equal(t, "erasure", first)
	require.Equal(t, "erasure", second, "frozen mode survives a later, different request")
}

func TestProposalDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.GetProposal(ctx, "never-proposed")
	require.NoError(t, err)
	require.Equal(t, "none", p.Phase)
	require.Zero(t, p.AcceptedBallot)

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		return UpsertProposalTx(ctx, tx, Proposal{
			ChunkID: "c1", PromisedBallot: 42, AcceptedBallot: 42,
			AcceptedValue: "n1,n2", Phase: "committed",
		})
	}))

	p, err = db.GetProposal(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "committed", p.Phase)
	require.EqualValues(t, 42, p.AcceptedBallot)
	require.Equal(t, "n1,n2", p.AcceptedValue)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 1))

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, InsertChunkTx(ctx, tx, ChunkRow{
			ID: "c1", StreamID: "s1", Sequence: 0, Size: 10, Hash: "h", RedundancyMode: "replication",
		}))
		return Error.New("boom")
	})
	require.Error(t, err)

	_, err = db.GetChunk(ctx, "c1")
	require.Error(t, err, "chunk row must not survive the rolled-back transaction")
}

func TestStorageTotals(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.CreateStream(ctx, "s1", "t", 60, 10, 1024, 2))

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertChunkTx(ctx, tx, ChunkRow{ID: "c1", StreamID: "s1", Sequence: 0, Size: 100, Hash: "h1", RedundancyMode: "replication"}); err != nil {
			return err
		}
		for _, node := range []string{"n1", "n2", "n3"} {
			if err := UpsertReplicaTx(ctx, tx, Replica{ChunkID: "c1", NodeID: node, NodeURL: "http://" + node, Status: "active", AcceptedBallot: 1}); err != nil {
				return err
			}
		}
		if err := InsertChunkTx(ctx, tx, ChunkRow{ID: "c2", StreamID: "s1", Sequence: 1, Size: 90, Hash: "h2", RedundancyMode: "erasure"}); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			if err := UpsertFragmentTx(ctx, tx, Fragment{ChunkID: "c2", FragmentIndex: i, NodeID: "n1", NodeURL: "http://n1", Size: 30, Hash: "fh", Status: "active"}); err != nil {
				return err
			}
		}
		return nil
	}))

	totals, err := db.GetStorageTotals(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 190, totals.LogicalBytes)
	// 3 full copies of c1 (300) plus 5 fragments of 30 bytes (150).
	require.EqualValues(t, 450, totals.PhysicalBytes)
}
