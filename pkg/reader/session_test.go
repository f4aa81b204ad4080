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
)

// seedStream stores count sequenced chunks on every given node and
// returns the manifest a coordinator would hand out for them.
func seedStream(t *testing.T, nodes []*httptest.Server, count int) Manifest {
	t.Helper()
	client := nodeclient.New(time.Second)

	m := Manifest{StreamID: "stream-1", TotalChunks: count, ChunkSize: 64}
	for seq := 0; seq < count; seq++ {
		id := "stream-1-" + strconv.Itoa(seq)
		body := []byte("chunk payload " + strconv.Itoa(seq))
		hash := chunkid.HashBytes(body)

		loc := ChunkLocation{
			ChunkID:  id,
			Sequence: seq,
			Size:     int64(len(body)),
			Hash:     hash.String(),
			Mode:     "replication",
		}
		for _, n := range nodes {
			require.NoError(t, client.PutChunk(context.Background(), n.URL, chunkid.ChunkID(id), body, hash))
			loc.NodeURLs = append(loc.NodeURLs, n.URL)
		}
		m.Chunks = append(m.Chunks, loc)
	}
	return m
}

func TestSessionPlaysChunksInSequenceOrder(t *testing.T) {
	nodes := []*httptest.Server{newTestNodeServer(t), newTestNodeServer(t)}
	manifest := seedStream(t, nodes, 5)

	cfg := DefaultSessionConfig()
	cfg.FillCheckInterval = 20 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond

	session := NewSession(cfg, manifest, DefaultBufferConfig(1), zap.NewNop())
	session.Start(context.Background())
	defer session.Stop()

	var played []int
	require.Eventually(t, func() bool {
		for {
			data, ok := session.NextForPlayback()
			if !ok {
				break
			}
			seq, err := strconv.Atoi(string(data[len("chunk payload "):]))
			require.NoError(t, err)
			played = append(played, seq)
		}
		return len(played) == 5
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, []int{0, 1, 2, 3, 4}, played, "chunks surface strictly in sequence order")
	require.Equal(t, Finished, session.Status().State)
}

func TestSessionSurvivesDeadReplica(t *testing.T) {
	alive := newTestNodeServer(t)
	dead := httptest.NewServer(nil)
	dead.Close()

	manifest := seedStream(t, []*httptest.Server{alive}, 3)
	// Prepend the dead node to every chunk's replica list so the
	// scheduler has to fail over to the live one.
	for i := range manifest.Chunks {
		manifest.Chunks[i].NodeURLs = append([]string{dead.URL}, manifest.Chunks[i].NodeURLs...)
	}

	cfg := DefaultSessionConfig()
	cfg.FillCheckInterval = 20 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond

	session := NewSession(cfg, manifest, DefaultBufferConfig(1), zap.NewNop())
	session.Start(context.Background())
	defer session.Stop()

	var played int
	require.Eventually(t, func() bool {
		for {
			if _, ok := session.NextForPlayback(); !ok {
				break
			}
			played++
		}
		return played == 3
	}, 15*time.Second, 20*time.Millisecond)
}
