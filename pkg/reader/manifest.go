package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeebo/errs"
)

// Error classes reader-side manifest/session failures.
var Error = errs.Class("reader")

// ChunkLocation mirrors the coordinator's manifest wire shape; the
// reader only ever talks to the coordinator over HTTP, so it keeps its
// own decode-side copy rather than importing the coordinator package.
type ChunkLocation struct {
	ChunkID  string
	Sequence int
	Size     int64
	Hash     string
	Mode     string
	NodeURLs []string
	Fragment []FragmentLocation
}

// FragmentLocation mirrors coordinator.FragmentLocation.
type FragmentLocation struct {
	Index   int
	NodeURL string
}

// Manifest mirrors coordinator.Manifest.
type Manifest struct {
	StreamID    string
	TotalChunks int
	ChunkSize   int64
	Chunks      []ChunkLocation
}

// ManifestClient fetches a stream's manifest from the coordinator.
type ManifestClient struct {
	http           *http.Client
	coordinatorURL string
}

func NewManifestClient(coordinatorURL string, timeout time.Duration) *ManifestClient {
	return &ManifestClient{http: &http.Client{Timeout: timeout}, coordinatorURL: coordinatorURL}
}

func (m *ManifestClient) Fetch(ctx context.Context, streamID string) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.coordinatorURL+"/streams/"+streamID+"/manifest", nil)
	if err != nil {
		return Manifest{}, Error.Wrap(err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return Manifest{}, Error.New("fetching manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, Error.New("coordinator returned status %d for stream %s manifest", resp.StatusCode, streamID)
	}
	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return Manifest{}, Error.New("decoding manifest: %w", err)
	}
	return manifest, nil
}
