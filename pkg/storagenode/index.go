package storagenode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/zeebo/errs"
)

// IndexEntry is the in-memory record for one fully written chunk:
// which superblock it lives on, its byte range, and the hash computed
// at store time. Every entry returned as "present" is backed by a
// readable byte range; entries are only published after a successful
// fsync.
type IndexEntry struct {
	Superblock int                 `json:"superblock"`
	Offset     int64               `json:"offset"`
	Length     int64               `json:"length"`
	Hash       chunkid.ContentHash `json:"hash"`
	StoredAt   time.Time           `json:"stored_at"`
}

// index is the storage node's in-memory chunk lookup table, guarded by
// a reader-writer lock so gets never serialize behind each other or
// behind puts.
type index struct {
	mu     sync.RWMutex
	byID   map[chunkid.ChunkID]IndexEntry
	path   string
	failed int64 // atomic count of failed snapshot persists
}

func newIndex(snapshotPath string) *index {
	return &index{
		byID: make(map[chunkid.ChunkID]IndexEntry),
		path: snapshotPath,
	}
}

func (idx *index) get(id chunkid.ChunkID) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byID[id]
	return e, ok
}

func (idx *index) put(id chunkid.ChunkID, e IndexEntry) {
	idx.mu.Lock()
	idx.byID[id] = e
	idx.mu.Unlock()
}

func (idx *index) delete(id chunkid.ChunkID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.byID[id]
	delete(idx.byID, id)
	return ok
}

func (idx *index) count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

func (idx *index) failedSaves() int64 { return atomic.LoadInt64(&idx.failed) }

// load restores the snapshot if present. A missing snapshot is not an
// error: the snapshot is a strict subset of durable state and may lag
// the last put.
func (idx *index) load() error {
	f, err := os.Open(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	return errs.Wrap(json.NewDecoder(f).Decode(&idx.byID))
}

// save persists a snapshot via write-temp + fsync + atomic rename, the
// crash-safe pattern the storage node uses everywhere it must not
// leave a half-written file behind.
func (idx *index) save() (err error) {
	idx.mu.RLock()
	snapshot := make(map[chunkid.ChunkID]IndexEntry, len(idx.byID))
	for k, v := range idx.byID {
		snapshot[k] = v
	}
	idx.mu.RUnlock()

	defer func() {
		if err != nil {
			atomic.AddInt64(&idx.failed, 1)
		} else {
			atomic.StoreInt64(&idx.failed, 0)
		}
	}()

	tmp := idx.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return errs.Wrap(err)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := json.NewEncoder(f).Encode(snapshot); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Wrap(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(err)
	}
	return nil
}
