package storagenode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/zeebo/errs"
)

var superblockName = regexp.MustCompile(`^superblock_(\d+)\.dat$`)

// superblocks manages the append-only sequence of data/superblock_N.dat
// files: finding the highest existing ordinal at startup, appending
// under a single writer lock, and rotating when the current file would
// grow past the configured cap.
type superblocks struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	current int
}

func newSuperblocks(dataDir string, maxSize int64) *superblocks {
	return &superblocks{dir: dataDir, maxSize: maxSize}
}

func (s *superblocks) path(ordinal int) string {
	return filepath.Join(s.dir, fmt.Sprintf("superblock_%d.dat", ordinal))
}

// discover scans data/ for the highest existing superblock ordinal and
// resumes appends to it. It never truncates or otherwise touches
// existing files.
func (s *superblocks) discover() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errs.Wrap(err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errs.Wrap(err)
	}
	highest := -1
	for _, e := range entries {
		m := superblockName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	s.mu.Lock()
	if highest >= 0 {
		s.current = highest
	}
	s.mu.Unlock()
	return nil
}

// append writes data to the current superblock, rotating first if
// appending would strictly exceed maxSize. It returns the ordinal and
// the pre-append offset the chunk now occupies. Store.Put holds no
// store-wide lock when it calls append; s.mu, held across the size
// check, any rotation and the write, is what serializes appends of
// different chunks.
func (s *superblocks) append(data []byte) (ordinal int, offset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordinal = s.current
	size, err := s.sizeOf(ordinal)
	if err != nil {
		return 0, 0, err
	}
	if size+int64(len(data)) > s.maxSize {
		ordinal = s.current + 1
		s.current = ordinal
		size = 0
	}

	f, err := os.OpenFile(s.path(ordinal), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, errs.Wrap(err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()

	offset = size
	n, werr := f.Write(data)
	if werr != nil {
		return 0, 0, errs.Wrap(werr)
	}
	if n != len(data) {
		return 0, 0, errs.New("short write: wrote %d of %d bytes", n, len(data))
	}
	if serr := f.Sync(); serr != nil {
		return 0, 0, errs.Wrap(serr)
	}
	return ordinal, offset, nil
}

func (s *superblocks) sizeOf(ordinal int) (int64, error) {
	info, err := os.Stat(s.path(ordinal))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(err)
	}
	return info.Size(), nil
}

// read returns exactly length bytes starting at offset on the given
// superblock ordinal.
func (s *superblocks) read(ordinal int, offset, length int64) ([]byte, error) {
	f, err := os.Open(s.path(ordinal))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.Wrap(err)
	}
	buf := make([]byte, length)
	n := 0
	for n < len(buf) {
		m, rerr := f.Read(buf[n:])
		n += m
		if rerr != nil {
			if m == 0 {
				return nil, errs.Wrap(rerr)
			}
			break
		}
	}
	if int64(n) != length {
		return nil, errs.New("short read: got %d of %d bytes", n, length)
	}
	return buf, nil
}
