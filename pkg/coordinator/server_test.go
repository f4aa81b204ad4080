package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHTTPServer(t *testing.T) (*httptest.Server, *Coordinator) {
	t.Helper()
	c, _ := newTestCoordinator(t, 0)
	srv := httptest.NewServer(NewServer(c, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, c
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHTTPStreamLifecycle(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	resp := postJSON(t, srv.URL+"/streams", createStreamRequest{
		ID: "s1", Title: "first", DurationSec: 30, ChunkDurationSec: 10, ChunkSize: 1024, TotalChunks: 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/streams/s1")
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	missing, err := http.Get(srv.URL + "/streams/nope")
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHTTPPopularityIncrement(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	postJSON(t, srv.URL+"/streams", createStreamRequest{ID: "s1", Title: "t"})

	resp := postJSON(t, srv.URL+"/streams/s1/popularity", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.EqualValues(t, 1, body["popularity"])
}

func TestHTTPNodeRegistrationAndListing(t *testing.T) {
	srv, c := newTestHTTPServer(t)

	resp := postJSON(t, srv.URL+"/nodes", registerNodeRequest{ID: "n1", URL: "http://n1", Version: "v1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/nodes/n1/heartbeat", heartbeatRequest{DiskUsage: 0.2, ChunkCount: 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A heartbeat for a node nobody registered is refused.
	resp = postJSON(t, srv.URL+"/nodes/ghost/heartbeat", heartbeatRequest{DiskUsage: 0.2})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	defer func() { _ = listResp.Body.Close() }()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	healthyResp, err := http.Get(srv.URL + "/nodes/healthy")
	require.NoError(t, err)
	defer func() { _ = healthyResp.Body.Close() }()
	require.Equal(t, http.StatusOK, healthyResp.StatusCode)

	nodes, err := c.HealthyNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestHTTPRedundancySurfaces(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	postJSON(t, srv.URL+"/streams", createStreamRequest{ID: "s1", Title: "t"})

	recResp, err := http.Get(srv.URL + "/streams/s1/redundancy")
	require.NoError(t, err)
	defer func() { _ = recResp.Body.Close() }()
	require.Equal(t, http.StatusOK, recResp.StatusCode)

	var rec Recommendation
	require.NoError(t, json.NewDecoder(recResp.Body).Decode(&rec))
	require.Equal(t, ModeErasure, rec.RecommendedMode)

	overheadResp, err := http.Get(srv.URL + "/redundancy/overhead")
	require.NoError(t, err)
	defer func() { _ = overheadResp.Body.Close() }()
	require.Equal(t, http.StatusOK, overheadResp.StatusCode)

	var overhead StorageOverhead
	require.NoError(t, json.NewDecoder(overheadResp.Body).Decode(&overhead))
	require.Zero(t, overhead.LogicalBytes, "empty catalog has no stored bytes")
}

func TestHTTPProposalInspection(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	resp, err := http.Get(srv.URL + "/chunks/never-proposed/proposal")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p struct {
		Phase string
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	require.Equal(t, "none", p.Phase)

	placementResp, err := http.Get(srv.URL + "/chunks/never-proposed")
	require.NoError(t, err)
	defer func() { _ = placementResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, placementResp.StatusCode)
}
