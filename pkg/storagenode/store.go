package storagenode

import (
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// HealthState is the node's self-reported condition, derived from disk
// usage and the index-persistence failure counter.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Warning  HealthState = "warning"
	Critical HealthState = "critical"
)

// ProbeInfo is the minimal-latency payload returned by Probe: an index
// read-lock for the chunk count plus one statfs call for disk usage;
// no chunk data is read and no usage figure is cached.
type ProbeInfo struct {
	NodeID     string
	DiskUsage  float64
	ChunkCount int
}

// HealthInfo is the richer diagnostic payload returned by Health.
type HealthInfo struct {
	NodeID     string
	DiskUsage  float64
	ChunkCount int
	Uptime     time.Duration
	State      HealthState
}

// Store is the storage node's durable chunk engine: an append-only
// superblock sequence plus an in-memory offset index. The superblocks'
// own lock serializes appends (and rotation) across all puts, a
// per-id in-flight marker keeps a second put or a delete of the same
// id out while a write is under way, the index entry is published under
// the index write-lock, and gets only ever take the index read-lock
// before doing disk I/O lock-free.
type Store struct {
	cfg   Config
	log   *zap.Logger
	sb    *superblocks
	idx   *index
	start time.Time

	// writeMu guards inFlight only. It is held while that set is
	// checked or updated, never across the append + index-publish
	// sequence, so puts of different ids are not serialized by it.
	writeMu sync.Mutex
	// inFlight tracks ids currently mid-write so delete can refuse
	// them.
	inFlight map[chunkid.ChunkID]struct{}
}

// New constructs a Store, discovering existing superblocks and loading
// the index snapshot if present. Call Initialize before serving
// traffic.
func New(cfg Config, log *zap.Logger) *Store {
	return &Store{
		cfg:      cfg,
		log:      log,
		sb:       newSuperblocks(filepath.Join(cfg.DataDir, "data"), cfg.MaxSuperblockSize),
		idx:      newIndex(filepath.Join(cfg.DataDir, "index", "chunk_index.json")),
		start:    time.Now(),
		inFlight: make(map[chunkid.ChunkID]struct{}),
	}
}

// Initialize performs the startup recovery sequence: load the index
// snapshot (best effort), then scan data/ to resume the highest
// superblock ordinal.
func (s *Store) Initialize() error {
	if err := s.idx.load(); err != nil {
		s.log.Warn("failed to load index snapshot, starting empty", zap.Error(err))
	}
	if err := s.sb.discover(); err != nil {
		return errkind.StorageFault.Wrap(err)
	}
	return nil
}

// Shutdown flushes the index snapshot. Cancellation of any in-flight
// request is the caller's (HTTP server's) responsibility.
func (s *Store) Shutdown() {
	if err := s.idx.save(); err != nil {
		s.log.Error("failed to save index during shutdown", zap.Error(err))
	}
}

func (s *Store) beginWrite(id chunkid.ChunkID) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Store) endWrite(id chunkid.ChunkID) {
	s.writeMu.Lock()
	delete(s.inFlight, id)
	s.writeMu.Unlock()
}

// Put stores body under id, idempotently. An existing id
// short-circuits as success with created=false; content-addressability
// means a second *different* body for an already-present id is an
// integrity-mismatch rather than an overwrite.
func (s *Store) Put(id chunkid.ChunkID, body []byte, expected chunkid.ContentHash) (hash chunkid.ContentHash, created bool, err error) {
	if err := id.Validate(); err != nil {
		return chunkid.ContentHash{}, false, errkind.BadRequest.Wrap(err)
	}
	if len(body) == 0 {
		return chunkid.ContentHash{}, false, errkind.BadRequest.New("empty chunk body")
	}
	if int64(len(body)) > s.cfg.MaxBodySize() {
		return chunkid.ContentHash{}, false, errkind.BadRequest.New("chunk exceeds payload ceiling: %d > %d", len(body), s.cfg.MaxBodySize())
	}

	if existing, ok := s.idx.get(id); ok {
		computed := chunkid.HashBytes(body)
		if !computed.Equal(existing.Hash) {
			return chunkid.ContentHash{}, false, errkind.IntegrityMismatch.New("chunk %s already stored with a different hash", id)
		}
		return existing.Hash, false, nil
	}

	computed := chunkid.HashBytes(body)
	if !expected.IsZero() && !expected.Equal(computed) {
		return chunkid.ContentHash{}, false, errkind.IntegrityMismatch.New("supplied hash does not match body")
	}

	if usage := s.diskUsage(); usage >= s.cfg.CritThreshold {
		return chunkid.ContentHash{}, false, errkind.CapacityExhausted.New("disk usage %.2f at or above critical threshold", usage)
	}

	if !s.beginWrite(id) {
		// A concurrent put of the same id is already in flight; the
		// idempotent-put invariant is satisfied by the winner, so the
		// loser simply reports a transient conflict for the caller to
		// retry against, rather than racing the superblock append.
		return chunkid.ContentHash{}, false, errkind.Transient.New("chunk %s is already being written", id)
	}
	defer s.endWrite(id)

	// A put of the same id may have published between the presence
	// check above and beginWrite; re-check so it is never overwritten.
	if existing, ok := s.idx.get(id); ok {
		if !computed.Equal(existing.Hash) {
			return chunkid.ContentHash{}, false, errkind.IntegrityMismatch.New("chunk %s already stored with a different hash", id)
		}
		return existing.Hash, false, nil
	}

	ordinal, offset, err := s.sb.append(body)
	if err != nil {
		return chunkid.ContentHash{}, false, errkind.StorageFault.Wrap(err)
	}

	entry := IndexEntry{
		Superblock: ordinal,
		Offset:     offset,
		Length:     int64(len(body)),
		Hash:       computed,
		StoredAt:   time.Now(),
	}
	s.idx.put(id, entry)

	if err := s.idx.save(); err != nil {
		s.log.Warn("failed to persist index snapshot after put", zap.String("chunk_id", id.String()), zap.Error(err))
	}

	return computed, true, nil
}

// Get reads back a previously committed chunk, verifying its hash.
func (s *Store) Get(id chunkid.ChunkID) ([]byte, chunkid.ContentHash, error) {
	entry, ok := s.idx.get(id)
	if !ok {
		return nil, chunkid.ContentHash{}, errkind.NotFound.New("chunk %s not found", id)
	}
	data, err := s.sb.read(entry.Superblock, entry.Offset, entry.Length)
	if err != nil {
		return nil, chunkid.ContentHash{}, errkind.Corruption.Wrap(err)
	}
	computed := chunkid.HashBytes(data)
	if !computed.Equal(entry.Hash) {
		return nil, chunkid.ContentHash{}, errkind.Corruption.New("hash mismatch for chunk %s", id)
	}
	return data, computed, nil
}

// Head returns a chunk's metadata without reading its body.
func (s *Store) Head(id chunkid.ChunkID) (IndexEntry, error) {
	entry, ok := s.idx.get(id)
	if !ok {
		return IndexEntry{}, errkind.NotFound.New("chunk %s not found", id)
	}
	return entry, nil
}

// Delete removes id's index entry. It is idempotent and fails if id is
// currently mid-write.
func (s *Store) Delete(id chunkid.ChunkID) error {
	s.writeMu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.writeMu.Unlock()
		return errkind.Conflict.New("chunk %s is mid-write", id)
	}
	s.writeMu.Unlock()

	s.idx.delete(id)

	if err := s.idx.save(); err != nil {
		s.log.Warn("failed to persist index snapshot after delete", zap.String("chunk_id", id.String()), zap.Error(err))
	}
	return nil
}

// Probe returns the latency-measurement payload. Disk usage comes from
// a fresh statfs call on each probe; no chunk data is read.
func (s *Store) Probe() ProbeInfo {
	return ProbeInfo{
		NodeID:     s.cfg.NodeID,
		DiskUsage:  s.diskUsage(),
		ChunkCount: s.idx.count(),
	}
}

// Health returns the richer diagnostic payload including the derived
// state.
func (s *Store) Health() HealthInfo {
	usage := s.diskUsage()
	failed := s.idx.failedSaves()

	state := Healthy
	switch {
	case usage >= s.cfg.CritThreshold || failed > 5:
		state = Critical
	case usage >= s.cfg.WarnThreshold || failed > 0:
		state = Warning
	}

	return HealthInfo{
		NodeID:     s.cfg.NodeID,
		DiskUsage:  usage,
		ChunkCount: s.idx.count(),
		Uptime:     time.Since(s.start),
		State:      state,
	}
}

// diskUsage reports the fraction of the data directory's filesystem
// currently in use. A statfs failure is treated as 0 usage rather than
// failing the whole probe.
func (s *Store) diskUsage() float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.cfg.DataDir, &stat); err != nil {
		s.log.Warn("failed to stat data directory filesystem", zap.Error(err))
		return 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	return float64(used) / float64(total)
}
