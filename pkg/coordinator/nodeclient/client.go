// Package nodeclient is the outbound HTTP client for storage nodes,
// used by the coordinator's prepare phase and by writers and readers
// that move chunk bytes directly.
package nodeclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"github.com/prakhar479/VStack/pkg/chunkid"
)

// Error classes outbound node calls.
var Error = errs.Class("nodeclient")

// Client issues chunk puts and health probes against storage nodes.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-call timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// PutChunk pushes a chunk's bytes to a storage node.
func (c *Client) PutChunk(ctx context.Context, nodeURL string, id chunkid.ChunkID, body []byte, hash chunkid.ContentHash) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, nodeURL+"/chunk/"+id.String(), bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("X-Chunk-Checksum", hash.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return Error.New("putting chunk to %s: %w", nodeURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Error.New("node %s rejected chunk %s: status %d", nodeURL, id, resp.StatusCode)
	}
	return nil
}

// GetChunk pulls a chunk's bytes back from a storage node.
func (c *Client) GetChunk(ctx context.Context, nodeURL string, id chunkid.ChunkID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL+"/chunk/"+id.String(), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Error.New("fetching chunk from %s: %w", nodeURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("node %s returned status %d for chunk %s", nodeURL, resp.StatusCode, id)
	}
	return io.ReadAll(resp.Body)
}

// HeadInfo is what a prepare-phase head request confirms about a
// chunk already sitting on a node.
type HeadInfo struct {
	Hash chunkid.ContentHash
	Size int64
}

// HeadChunk confirms a chunk's presence on a node without transferring
// its body, the coordinator's prepare-phase primitive: it returns the
// node's reported ETag as the hash, so the caller can compare it with
// the writer's declared hash without re-reading the bytes.
func (c *Client) HeadChunk(ctx context.Context, nodeURL string, id chunkid.ChunkID) (HeadInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, nodeURL+"/chunk/"+id.String(), nil)
	if err != nil {
		return HeadInfo{}, Error.Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HeadInfo{}, Error.New("heading chunk at %s: %w", nodeURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return HeadInfo{}, Error.New("node %s returned status %d for head of chunk %s", nodeURL, resp.StatusCode, id)
	}
	hash, err := chunkid.ParseContentHash(resp.Header.Get("ETag"))
	if err != nil {
		return HeadInfo{}, Error.New("node %s returned malformed ETag for chunk %s: %w", nodeURL, id, err)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return HeadInfo{Hash: hash, Size: size}, nil
}

// Probe is the latency/health snapshot of a node.
type Probe struct {
	Latency    time.Duration
	DiskUsage  float64
	ChunkCount int
	Reachable  bool
}

// Ping probes a node's lightweight health endpoint and measures
// round-trip latency.
func (c *Client) Ping(ctx context.Context, nodeURL string) Probe {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, nodeURL+"/ping", nil)
	if err != nil {
		return Probe{}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Probe{Reachable: false}
	}
	defer func() { _ = resp.Body.Close() }()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return Probe{Reachable: false, Latency: latency}
	}
	return Probe{
		Reachable:  true,
		Latency:    latency,
		DiskUsage:  parsePercent(resp.Header.Get("X-Disk-Usage-Percent")),
		ChunkCount: parseInt(resp.Header.Get("X-Chunk-Count")),
	}
}

func parsePercent(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f / 100
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
