package coordinator

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// PlacementResult is what a successful chunk commit produces.
type PlacementResult struct {
	ChunkID   chunkid.ChunkID
	Mode      string
	Ballot    int64
	Replicas  []catalog.Replica
	Fragments []catalog.Fragment
}

// FragmentCandidate pairs an erasure fragment index with the node the
// writer already uploaded it to, plus the fragment's own hash/size if
// the writer supplied them for an extra prepare-time check.
type FragmentCandidate struct {
	Index  int
	NodeID string
	Hash   chunkid.ContentHash
	Size   int64
}

// CandidateNodes returns the node set and redundancy mode a writer
// should use for a stream's next chunk: the recommended mode (per
// current popularity, or the stream's already-frozen mode) and a
// least-loaded ordering of healthy nodes to upload to before calling
// CommitChunk.
func (c *Coordinator) CandidateNodes(ctx context.Context, streamID string) (string, []catalog.NodeRecord, error) {
	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return "", nil, errkind.NotFound.New("stream %s not found: %v", streamID, err)
	}
	mode := stream.RedundancyMode
	if mode == "" {
		mode = c.determineMode(stream)
	}
	healthy, err := c.HealthyNodes(ctx)
	if err != nil {
		return "", nil, err
	}
	return mode, leastLoaded(healthy), nil
}

// leastLoaded orders candidates by ascending chunk_count so new
// placements drift toward less-utilized nodes.
func leastLoaded(nodes []catalog.NodeRecord) []catalog.NodeRecord {
	out := make([]catalog.NodeRecord, len(nodes))
	copy(out, nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkCount < out[j].ChunkCount })
	return out
}

// CommitChunk runs the placement commit protocol's prepare/accept
// phases against a chunk the writer has already uploaded to its own
// candidate node set. The coordinator never transfers chunk bytes
// itself: it mints a ballot strictly greater than any seen for this
// chunk-id, heads each candidate (or, in erasure mode, each declared
// fragment) to confirm presence and a matching checksum, and on a
// quorum of confirmations (at least K fragments for erasure) records
// the confirming set as the committed placement.
func (c *Coordinator) CommitChunk(ctx context.Context, streamID string, seq int, id chunkid.ChunkID, hash chunkid.ContentHash, size int64, declaredMode string, nodeIDs []string, fragments []FragmentCandidate) (PlacementResult, error) {
	lock := c.lockFor(id.String())
	lock.Lock()
	defer lock.Unlock()

	if existing, err := c.db.GetChunk(ctx, id.String()); err == nil {
		return c.existingPlacement(ctx, existing)
	}

	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return PlacementResult{}, errkind.NotFound.New("stream %s not found: %v", streamID, err)
	}

	mode := stream.RedundancyMode
	if mode == "" {
		mode = c.determineMode(stream)
	}
	if declaredMode != "" && declaredMode != mode {
		return PlacementResult{}, errkind.Conflict.New(
			"commit declared redundancy mode %q but stream %s uses %q", declaredMode, streamID, mode)
	}

	ballot := c.nextBallot()

	var result PlacementResult
	if mode == ModeReplication {
		result, err = c.verifyReplicas(ctx, id, hash, ballot, nodeIDs)
	} else {
		result, err = c.verifyFragments(ctx, id, ballot, fragments)
	}
	if err != nil {
		return PlacementResult{}, err
	}

	result.Mode = mode
	if err := c.persistPlacement(ctx, streamID, seq, size, hash, result); err != nil {
		return PlacementResult{}, err
	}
	return result, nil
}

// verifyReplicas heads every writer-declared candidate node and
// accepts the chunk if at least a quorum confirm both presence and a
// matching content hash. Commits below 2 candidate nodes are refused
// outright.
func (c *Coordinator) verifyReplicas(ctx context.Context, id chunkid.ChunkID, hash chunkid.ContentHash, ballot int64, nodeIDs []string) (PlacementResult, error) {
	if len(nodeIDs) < 2 {
		return PlacementResult{}, errkind.BadRequest.New("commit requires at least 2 candidate nodes, got %d", len(nodeIDs))
	}
	quorum := len(nodeIDs)/2 + 1

	var replicas []catalog.Replica
	for _, nodeID := range nodeIDs {
		node, err := c.db.GetNode(ctx, nodeID)
		if err != nil {
			c.log.Warn("commit candidate not registered", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}

		headCtx, cancel := context.WithTimeout(ctx, c.cfg.NodeCallTimeout)
		info, err := c.nodes.HeadChunk(headCtx, node.URL, id)
		cancel()
		if err != nil {
			c.log.Warn("replica prepare head failed", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		if !info.Hash.Equal(hash) {
			c.log.Warn("replica prepare hash mismatch", zap.String("node_id", nodeID))
			continue
		}

		replicas = append(replicas, catalog.Replica{
			ChunkID: id.String(), NodeID: node.ID, NodeURL: node.URL,
			Status: "active", AcceptedBallot: ballot,
		})
	}
	if len(replicas) < quorum {
		return PlacementResult{}, errkind.QuorumNotReached.New(
			"only %d/%d candidates confirmed presence, need %d", len(replicas), len(nodeIDs), quorum)
	}
	return PlacementResult{ChunkID: id, Ballot: ballot, Replicas: replicas}, nil
}

// verifyFragments heads every writer-declared fragment candidate and
// accepts the chunk if at least K (the erasure scheme's data-shard
// count) confirm presence and, where the writer supplied a per-fragment
// hash, a matching checksum.
func (c *Coordinator) verifyFragments(ctx context.Context, id chunkid.ChunkID, ballot int64, fragments []FragmentCandidate) (PlacementResult, error) {
	k := c.redundancy.ErasureDataShards
	if len(fragments) < k {
		return PlacementResult{}, errkind.BadRequest.New(
			"commit declares %d fragments, need at least %d for erasure(%d,%d)",
			len(fragments), k, k, c.redundancy.ErasureParityShards)
	}

	var confirmed []catalog.Fragment
	for _, f := range fragments {
		node, err := c.db.GetNode(ctx, f.NodeID)
		if err != nil {
			c.log.Warn("commit fragment candidate not registered", zap.String("node_id", f.NodeID), zap.Error(err))
			continue
		}

		fragID := fragmentChunkID(id, f.Index)
		headCtx, cancel := context.WithTimeout(ctx, c.cfg.NodeCallTimeout)
		info, err := c.nodes.HeadChunk(headCtx, node.URL, fragID)
		cancel()
		if err != nil {
			c.log.Warn("fragment prepare head failed", zap.String("node_id", f.NodeID), zap.Int("fragment", f.Index), zap.Error(err))
			continue
		}
		if !f.Hash.IsZero() && !info.Hash.Equal(f.Hash) {
			c.log.Warn("fragment prepare hash mismatch", zap.String("node_id", f.NodeID), zap.Int("fragment", f.Index))
			continue
		}

		confirmed = append(confirmed, catalog.Fragment{
			ChunkID: id.String(), FragmentIndex: f.Index, NodeID: node.ID, NodeURL: node.URL,
			Size: info.Size, Hash: info.Hash.String(), Status: "active",
		})
	}
	if len(confirmed) < k {
		return PlacementResult{}, errkind.QuorumNotReached.New(
			"only %d/%d fragments confirmed, need at least %d to reconstruct", len(confirmed), len(fragments), k)
	}
	return PlacementResult{ChunkID: id, Ballot: ballot, Fragments: confirmed}, nil
}

// fragmentChunkID namespaces a fragment's on-node storage key so it
// never collides with the whole-chunk id a replication-mode put would
// use.
func fragmentChunkID(id chunkid.ChunkID, index int) chunkid.ChunkID {
	return chunkid.ChunkID(id.String() + "-frag" + strconv.Itoa(index))
}

func (c *Coordinator) persistPlacement(ctx context.Context, streamID string, seq int, size int64, hash chunkid.ContentHash, result PlacementResult) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		mode, err := catalog.FreezeRedundancyModeTx(ctx, tx, streamID, result.Mode)
		if err != nil {
			return err
		}
		if err := catalog.InsertChunkTx(ctx, tx, catalog.ChunkRow{
			ID: result.ChunkID.String(), StreamID: streamID, Sequence: seq,
			Size: size, Hash: hash.String(), RedundancyMode: mode,
		}); err != nil {
			return err
		}
		for _, r := range result.Replicas {
			if err := catalog.UpsertReplicaTx(ctx, tx, r); err != nil {
				return err
			}
		}
		for _, f := range result.Fragments {
			if err := catalog.UpsertFragmentTx(ctx, tx, f); err != nil {
				return err
			}
		}
		if err := catalog.UpsertProposalTx(ctx, tx, catalog.Proposal{
			ChunkID: result.ChunkID.String(), PromisedBallot: result.Ballot,
			AcceptedBallot: result.Ballot, AcceptedValue: acceptedValue(result),
			Phase: "committed",
		}); err != nil {
			return err
		}
		// A stream whose last chunk just committed leaves "uploading".
		return catalog.ActivateStreamIfCompleteTx(ctx, tx, streamID)
	})
}

// ChunkPlacement resolves a committed chunk's full placement record:
// its catalog row plus whichever of replicas/fragments its mode uses.
func (c *Coordinator) ChunkPlacement(ctx context.Context, id chunkid.ChunkID) (PlacementResult, error) {
	chunk, err := c.db.GetChunk(ctx, id.String())
	if err != nil {
		return PlacementResult{}, errkind.NotFound.New("chunk %s not found: %v", id, err)
	}
	return c.existingPlacement(ctx, chunk)
}

// ChunkFragments returns a chunk's committed fragment listing, in
// fragment-index order.
func (c *Coordinator) ChunkFragments(ctx context.Context, id chunkid.ChunkID) ([]catalog.Fragment, error) {
	if _, err := c.db.GetChunk(ctx, id.String()); err != nil {
		return nil, errkind.NotFound.New("chunk %s not found: %v", id, err)
	}
	return c.db.ListFragments(ctx, id.String())
}

// ProposalState exposes a chunk's ballot bookkeeping for inspection.
// A chunk with no proposal row yet reports phase "none" at ballot 0.
func (c *Coordinator) ProposalState(ctx context.Context, id chunkid.ChunkID) (catalog.Proposal, error) {
	return c.db.GetProposal(ctx, id.String())
}

// acceptedValue renders the confirming node-id set as the proposal's
// accepted value: the node ids that passed the prepare head check, in
// confirmation order, comma-joined.
func acceptedValue(result PlacementResult) string {
	var ids []string
	for _, r := range result.Replicas {
		ids = append(ids, r.NodeID)
	}
	for _, f := range result.Fragments {
		ids = append(ids, f.NodeID)
	}
	return strings.Join(ids, ",")
}

// existingPlacement makes CommitChunk idempotent: re-committing an
// already-placed chunk id returns its recorded placement rather than
// re-running the protocol. It also resolves the ballot-conflict race:
// the loser of two concurrent commits for the same chunk-id blocks on
// lockFor, then lands here once the winner's transaction is visible.
func (c *Coordinator) existingPlacement(ctx context.Context, chunk catalog.ChunkRow) (PlacementResult, error) {
	replicas, err := c.db.ListReplicas(ctx, chunk.ID)
	if err != nil {
		return PlacementResult{}, err
	}
	fragments, err := c.db.ListFragments(ctx, chunk.ID)
	if err != nil {
		return PlacementResult{}, err
	}
	return PlacementResult{
		ChunkID: chunkid.ChunkID(chunk.ID), Mode: chunk.RedundancyMode,
		Replicas: replicas, Fragments: fragments,
	}, nil
}
