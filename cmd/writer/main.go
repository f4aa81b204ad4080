// Command writer is a development harness for the write path: it
// splits a local file into fixed-size chunks, creates a stream on the
// coordinator, uploads each chunk (whole copies or erasure fragments,
// per the coordinator's recommendation) directly to storage nodes, and
// asks the coordinator to commit each placement. Production ingest is
// expected to live in an external segmentation pipeline; this harness
// exercises the same request surface that pipeline would use.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
	"github.com/prakhar479/VStack/pkg/erasure"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "writer",
		Short: "Synthetic stream writer",
	}
	cmd.PersistentFlags().String("coordinator-url", "http://localhost:8090", "coordinator base URL")
	cmd.PersistentFlags().Int64("chunk-size", 2<<20, "bytes per chunk")
	cmd.PersistentFlags().Float64("chunk-duration", 10, "seconds of content per chunk")
	_ = viper.BindPFlag("coordinator_url", cmd.PersistentFlags().Lookup("coordinator-url"))
	_ = viper.BindPFlag("chunk_size", cmd.PersistentFlags().Lookup("chunk-size"))
	_ = viper.BindPFlag("chunk_duration", cmd.PersistentFlags().Lookup("chunk-duration"))
	viper.SetEnvPrefix("VSTACK_WRITER")
	viper.AutomaticEnv()

	cmd.AddCommand(newUploadCmd())
	return cmd
}

func newUploadCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Chunk a file, place every chunk, and commit the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(args[0], title)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "stream title (defaults to the file name)")
	return cmd
}

// uploader drives one stream's write: chunking, node uploads, and
// per-chunk placement commits against the coordinator.
type uploader struct {
	coordinatorURL string
	http           *http.Client
	nodes          *nodeclient.Client
	log            *zap.Logger
}

type candidateNode struct {
	ID  string
	URL string
}

type candidatesResponse struct {
	RedundancyMode string          `json:"redundancy_mode"`
	Nodes          []candidateNode `json:"nodes"`
}

type fragmentWire struct {
	Index  int    `json:"index"`
	NodeID string `json:"node_id"`
	Hash   string `json:"hash,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

type commitRequest struct {
	Hash           string         `json:"hash"`
	Size           int64          `json:"size"`
	RedundancyMode string         `json:"redundancy_mode"`
	NodeIDs        []string       `json:"node_ids,omitempty"`
	Fragments      []fragmentWire `json:"fragments,omitempty"`
}

func runUpload(path, title string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if title == "" {
		title = path
	}

	chunkSize := viper.GetInt64("chunk_size")
	chunkDuration := viper.GetFloat64("chunk_duration")

	up := &uploader{
		coordinatorURL: viper.GetString("coordinator_url"),
		http:           &http.Client{Timeout: 10 * time.Second},
		nodes:          nodeclient.New(10 * time.Second),
		log:            log,
	}

	streamID, err := chunkid.NewStreamID()
	if err != nil {
		return err
	}
	totalChunks := int((int64(len(data)) + chunkSize - 1) / chunkSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := up.createStream(ctx, streamID.String(), title, chunkSize, chunkDuration, totalChunks); err != nil {
		return err
	}
	log.Info("stream created", zap.String("stream_id", streamID.String()), zap.Int("chunks", totalChunks))

	for seq := 0; seq < totalChunks; seq++ {
		start := int64(seq) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := up.placeChunk(ctx, streamID, seq, data[start:end]); err != nil {
			return fmt.Errorf("chunk %d: %w", seq, err)
		}
		log.Info("chunk committed", zap.Int("sequence", seq))
	}

	fmt.Println(streamID.String())
	return nil
}

func (u *uploader) createStream(ctx context.Context, id, title string, chunkSize int64, chunkDuration float64, totalChunks int) error {
	payload := map[string]interface{}{
		"id":                 id,
		"title":              title,
		"duration_sec":       chunkDuration * float64(totalChunks),
		"chunk_duration_sec": chunkDuration,
		"chunk_size":         chunkSize,
		"total_chunks":       totalChunks,
	}
	return u.doJSON(ctx, http.MethodPost, "/streams", payload, http.StatusCreated)
}

// placeChunk runs the writer's half of the placement protocol for one
// chunk, retrying the commit with exponential backoff (base 1s, factor
// 2, 3 attempts) whenever a commit call fails. Every failure is
// retried alike: a transient condition or a missed quorum is not told
// apart from a rejected request.
func (u *uploader) placeChunk(ctx context.Context, stream chunkid.StreamID, seq int, body []byte) error {
	mode, candidates, err := u.fetchCandidates(ctx, stream.String(), seq)
	if err != nil {
		return err
	}

	id := chunkid.NewChunkID(stream, int64(seq))
	hash := chunkid.HashBytes(body)

	var commit commitRequest
	switch mode {
	case "erasure":
		commit, err = u.uploadFragments(ctx, id, body, candidates)
	default:
		commit, err = u.uploadReplicas(ctx, id, body, hash, candidates)
	}
	if err != nil {
		return err
	}
	commit.Hash = hash.String()
	commit.Size = int64(len(body))
	commit.RedundancyMode = mode

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = u.doJSON(ctx, http.MethodPut, fmt.Sprintf("/streams/%s/chunks/%d", stream, seq), commit, http.StatusCreated)
		if lastErr == nil {
			return nil
		}
		u.log.Warn("commit attempt failed, backing off",
			zap.Int("sequence", seq), zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (u *uploader) fetchCandidates(ctx context.Context, streamID string, seq int) (string, []candidateNode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/streams/%s/chunks/%d/candidates", u.coordinatorURL, streamID, seq), nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("coordinator returned status %d for candidates", resp.StatusCode)
	}
	var out candidatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, err
	}
	if len(out.Nodes) < 2 {
		return "", nil, fmt.Errorf("only %d candidate nodes available, need at least 2", len(out.Nodes))
	}
	return out.RedundancyMode, out.Nodes, nil
}

// uploadReplicas pushes the whole chunk body to up to three candidate
// nodes; nodes that refuse the upload are skipped and left out of the
// commit request.
func (u *uploader) uploadReplicas(ctx context.Context, id chunkid.ChunkID, body []byte, hash chunkid.ContentHash, candidates []candidateNode) (commitRequest, error) {
	target := 3
	if len(candidates) < target {
		target = len(candidates)
	}

	var nodeIDs []string
	for _, node := range candidates {
		if len(nodeIDs) == target {
			break
		}
		if err := u.nodes.PutChunk(ctx, node.URL, id, body, hash); err != nil {
			u.log.Warn("replica upload failed, trying next candidate", zap.String("node_id", node.ID), zap.Error(err))
			continue
		}
		nodeIDs = append(nodeIDs, node.ID)
	}
	if len(nodeIDs) < 2 {
		return commitRequest{}, fmt.Errorf("only %d replicas uploaded, need at least 2", len(nodeIDs))
	}
	return commitRequest{NodeIDs: nodeIDs}, nil
}

// uploadFragments erasure-encodes the chunk and places one fragment
// per node across distinct candidates.
func (u *uploader) uploadFragments(ctx context.Context, id chunkid.ChunkID, body []byte, candidates []candidateNode) (commitRequest, error) {
	const k, m = 3, 2
	scheme, err := erasure.NewScheme(k, m)
	if err != nil {
		return commitRequest{}, err
	}
	if len(candidates) < scheme.Total() {
		return commitRequest{}, fmt.Errorf("erasure placement needs %d nodes, only %d available", scheme.Total(), len(candidates))
	}

	padded, _ := erasure.PadToBlockSize(body, k)
	fragments, err := scheme.Encode(padded)
	if err != nil {
		return commitRequest{}, err
	}

	var wire []fragmentWire
	for i, frag := range fragments {
		node := candidates[i]
		fragID := chunkid.ChunkID(fmt.Sprintf("%s-frag%d", id, frag.Index))
		fragHash := chunkid.HashBytes(frag.Data)
		if err := u.nodes.PutChunk(ctx, node.URL, fragID, frag.Data, fragHash); err != nil {
			return commitRequest{}, fmt.Errorf("fragment %d to %s: %w", frag.Index, node.ID, err)
		}
		wire = append(wire, fragmentWire{
			Index: frag.Index, NodeID: node.ID,
			Hash: fragHash.String(), Size: int64(len(frag.Data)),
		})
	}
	return commitRequest{Fragments: wire}, nil
}

func (u *uploader) doJSON(ctx context.Context, method, path string, payload interface{}, want int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.coordinatorURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
