package reader

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
	"github.com/prakhar479/VStack/pkg/erasure"
	"github.com/prakhar479/VStack/pkg/storagenode"
)

func newTestNodeServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := storagenode.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.NodeID = "test-node"
	store := storagenode.New(cfg, zap.NewNop())
	require.NoError(t, store.Initialize())
	srv := httptest.NewServer(storagenode.NewServer(store, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadChunkFailsOverToSecondReplica(t *testing.T) {
	good := newTestNodeServer(t)
	bad := httptest.NewServer(nil) // closed below before use: simulates an unreachable node
	bad.Close()

	client := nodeclient.New(time.Second)
	id := chunkid.ChunkID("chunk-1")
	body := []byte("replicated payload")
	require.NoError(t, client.PutChunk(context.Background(), good.URL, id, body, chunkid.HashBytes(body)))

	monitor := NewMonitor([]string{good.URL, bad.URL}, client, zap.NewNop())
	// Seed both as "healthy" so selection doesn't just skip the dead one outright.
	for _, url := range []string{good.URL, bad.URL} {
		s := monitor.stats[url]
		s.latencyMs.add(10)
		s.bandwidth.add(50)
		s.success.add(1.0)
		s.lastUpdate = time.Now()
	}

	sched := NewScheduler(monitor, client, 2, zap.NewNop())
	data, err := sched.DownloadChunk(context.Background(), id, []string{bad.URL, good.URL}, chunkid.HashBytes(body))
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestDownloadErasureChunkReconstructsFromPartialFragments(t *testing.T) {
	k, m := 3, 2
	scheme, err := erasure.NewScheme(k, m)
	require.NoError(t, err)

	original := []byte("erasure coded chunk payload data")
	padded, origLen := erasure.PadToBlockSize(original, k)
	shards, err := scheme.Encode(padded)
	require.NoError(t, err)

	servers := make([]*httptest.Server, k+m)
	client := nodeclient.New(time.Second)
	var fragLocations []FragmentLocation
	for i, frag := range shards {
		servers[i] = newTestNodeServer(t)
		fragID := chunkid.ChunkID("chunk-1-frag" + strconv.Itoa(frag.Index))
		fragHash := chunkid.HashBytes(frag.Data)
		require.NoError(t, client.PutChunk(context.Background(), servers[i].URL, fragID, frag.Data, fragHash))
		fragLocations = append(fragLocations, FragmentLocation{Index: frag.Index, NodeURL: servers[i].URL})
	}

	monitor := NewMonitor(nil, client, zap.NewNop())
	sched := NewScheduler(monitor, client, 4, zap.NewNop())

	// Take m fragment sources offline; the k still reachable are enough
	// to reconstruct.
	servers[0].Close()
	servers[3].Close()
	data, err := sched.DownloadErasureChunk(context.Background(), "chunk-1", fragLocations, k, m, origLen, chunkid.HashBytes(original))
	require.NoError(t, err)
	require.Equal(t, original, data)
}
