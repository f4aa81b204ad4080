package storagenode

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.NodeID = "node-test"
	s := New(cfg, zap.NewNop())
	require.NoError(t, s.Initialize())
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	body := []byte("hello chunk")

	hash, created, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, chunkid.HashBytes(body), hash)

	got, gotHash, err := s.Get("chunk-1")
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, hash, gotHash)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	body := []byte("same bytes")

	h1, created, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.NoError(t, err)
	require.True(t, created)
	h2, recreated, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.NoError(t, err)
	require.False(t, recreated, "re-put of identical bytes reports the existing chunk")
	require.Equal(t, h1, h2)
	require.Equal(t, 1, s.idx.count())
}

func TestPutRejectsDifferentBytesForSameID(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put("chunk-1", []byte("first"), chunkid.ContentHash{})
	require.NoError(t, err)

	_, _, err = s.Put("chunk-1", []byte("second, different"), chunkid.ContentHash{})
	require.Error(t, err)
	require.True(t, errkind.IntegrityMismatch.Has(err))
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	wrong := chunkid.HashBytes([]byte("not the body"))
	_, _, err := s.Put("chunk-1", []byte("actual body"), wrong)
	require.Error(t, err)
	require.True(t, errkind.IntegrityMismatch.Has(err))
}

func TestPutRejectsEmptyBody(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put("chunk-1", nil, chunkid.ContentHash{})
	require.Error(t, err)
	require.True(t, errkind.BadRequest.Has(err))
}

func TestPutRejectsOversizeBody(t *testing.T) {
	s := newTestStore(t)
	body := make([]byte, s.cfg.MaxBodySize()+1)
	_, _, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.Error(t, err)
	require.True(t, errkind.BadRequest.Has(err))
}

func TestPutAcceptsExactCeiling(t *testing.T) {
	s := newTestStore(t)
	body := make([]byte, s.cfg.MaxBodySize())
	_, _, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.NoError(t, err)
}

func TestPutRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put("bad id with spaces", []byte("x"), chunkid.ContentHash{})
	require.Error(t, err)
	require.True(t, errkind.BadRequest.Has(err))

	_, _, err = s.Put(chunkid.ChunkID(string(make([]byte, 65))), []byte("x"), chunkid.ContentHash{})
	require.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Get("missing")
	require.Error(t, err)
	require.True(t, errkind.NotFound.Has(err))
}

func TestGetDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	body := []byte("corrupt me")
	_, _, err := s.Put("chunk-1", body, chunkid.ContentHash{})
	require.NoError(t, err)

	entry, err := s.Head("chunk-1")
	require.NoError(t, err)

	// Flip a byte directly on disk to simulate corruption.
	path := s.sb.path(entry.Superblock)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[entry.Offset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = s.Get("chunk-1")
	require.Error(t, err)
	require.True(t, errkind.Corruption.Has(err))
}

func TestDeleteIsIdempotentAndRemovesIndexOnly(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put("chunk-1", []byte("data"), chunkid.ContentHash{})
	require.NoError(t, err)

	require.NoError(t, s.Delete("chunk-1"))
	require.NoError(t, s.Delete("chunk-1")) // idempotent

	_, _, err = s.Get("chunk-1")
	require.True(t, errkind.NotFound.Has(err))
}

func TestSuperblockRotation(t *testing.T) {
	s := newTestStore(t)
	s.cfg.MaxSuperblockSize = 100
	s.sb.maxSize = 100

	_, _, err := s.Put("chunk-1", make([]byte, 60), chunkid.ContentHash{})
	require.NoError(t, err)
	e1, _ := s.Head("chunk-1")
	require.Equal(t, 0, e1.Superblock)

	_, _, err = s.Put("chunk-2", make([]byte, 60), chunkid.ContentHash{})
	require.NoError(t, err)
	e2, _ := s.Head("chunk-2")
	require.Equal(t, 1, e2.Superblock, "second chunk should rotate to a new superblock")
}

func TestIndexRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.NodeID = "node-test"

	s1 := New(cfg, zap.NewNop())
	require.NoError(t, s1.Initialize())
	_, _, err := s1.Put("chunk-1", []byte("persisted"), chunkid.ContentHash{})
	require.NoError(t, err)
	s1.Shutdown()

	s2 := New(cfg, zap.NewNop())
	require.NoError(t, s2.Initialize())
	got, _, err := s2.Get("chunk-1")
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)

	// A chunk id never indexed is accepted as new, never treated as a
	// truncated pre-existing superblock.
	_, _, err = s2.Put("chunk-2", []byte("fresh after restart"), chunkid.ContentHash{})
	require.NoError(t, err)
}

func TestProbeAndHealth(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put("chunk-1", []byte("x"), chunkid.ContentHash{})
	require.NoError(t, err)

	probe := s.Probe()
	require.Equal(t, 1, probe.ChunkCount)
	require.Equal(t, "node-test", probe.NodeID)

	health := s.Health()
	require.Equal(t, 1, health.ChunkCount)
	require.Equal(t, Healthy, health.State)
}
