package reader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
)

// SessionConfig bundles everything a playout Session needs beyond the
// manifest it's serving.
type SessionConfig struct {
	CoordinatorURL    string
	MaxConcurrent     int
	PingInterval      time.Duration
	FillCheckInterval time.Duration
	ErasureDataShards int
	ErasureParity     int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConcurrent:     4,
		PingInterval:      defaultPingInterval,
		FillCheckInterval: 500 * time.Millisecond,
		ErasureDataShards: 3,
		ErasureParity:     2,
	}
}

// Session drives one stream's playout: probing nodes, keeping the
// buffer filled, and serving chunks to the caller in order via
// NextForPlayback.
type Session struct {
	cfg       SessionConfig
	manifest  Manifest
	buffer    *PlayoutBuffer
	monitor   *Monitor
	scheduler *Scheduler
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession builds a Session for an already-fetched manifest. The
// monitor is seeded with every distinct node URL the manifest
// references across all chunks/fragments.
func NewSession(cfg SessionConfig, manifest Manifest, bufCfg BufferConfig, log *zap.Logger) *Session {
	nodeURLs := distinctNodeURLs(manifest)
	client := nodeclient.New(5 * time.Second)
	monitor := NewMonitor(nodeURLs, client, log)
	scheduler := NewScheduler(monitor, client, cfg.MaxConcurrent, log)

	return &Session{
		cfg:       cfg,
		manifest:  manifest,
		buffer:    NewPlayoutBuffer(bufCfg, manifest.TotalChunks),
		monitor:   monitor,
		scheduler: scheduler,
		log:       log,
	}
}

func distinctNodeURLs(m Manifest) []string {
	seen := map[string]bool{}
	var out []string
	add := func(url string) {
		if url != "" && !seen[url] {
			seen[url] = true
			out = append(out, url)
		}
	}
	for _, c := range m.Chunks {
		for _, url := range c.NodeURLs {
			add(url)
		}
		for _, f := range c.Fragment {
			add(f.NodeURL)
		}
	}
	return out
}

// Start launches background probing and the buffer-fill loop.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.monitor.Start(ctx, s.cfg.PingInterval)

	s.wg.Add(1)
	go s.fillLoop(ctx)
}

// Stop halts background work and waits for it to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.monitor.Stop()
	s.wg.Wait()
}

// fillLoop keeps the playout buffer topped up by downloading whichever
// sequences the buffer reports it's missing, fanned out across the
// scheduler's concurrency budget.
func (s *Session) fillLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FillCheckInterval)
	defer ticker.Stop()

	inFlight := map[int]bool{}
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.buffer.Status().State == Finished {
				return
			}
			if !s.buffer.NeedsMoreChunks() {
				continue
			}
			want := s.buffer.NextSequencesToFetch(s.cfg.MaxConcurrent * 2)
			for _, seq := range want {
				mu.Lock()
				busy := inFlight[seq]
				if !busy {
					inFlight[seq] = true
				}
				mu.Unlock()
				if busy {
					continue
				}

				go func(seq int) {
					defer func() {
						mu.Lock()
						delete(inFlight, seq)
						mu.Unlock()
					}()
					s.fetchSequence(ctx, seq)
				}(seq)
			}
		}
	}
}

func (s *Session) fetchSequence(ctx context.Context, seq int) {
	var loc ChunkLocation
	found := false
	for _, c := range s.manifest.Chunks {
		if c.Sequence == seq {
			loc = c
			found = true
			break
		}
	}
	if !found {
		return
	}

	var expectedHash chunkid.ContentHash
	if loc.Hash != "" {
		h, err := chunkid.ParseContentHash(loc.Hash)
		if err != nil {
			s.log.Warn("manifest chunk hash is malformed, skipping verification", zap.Int("sequence", seq), zap.Error(err))
		} else {
			expectedHash = h
		}
	}

	var data []byte
	var err error
	switch loc.Mode {
	case "erasure":
		data, err = s.scheduler.DownloadErasureChunk(ctx, chunkid.ChunkID(loc.ChunkID), loc.Fragment,
			s.cfg.ErasureDataShards, s.cfg.ErasureParity, int(loc.Size), expectedHash)
	default:
		data, err = s.scheduler.DownloadChunk(ctx, chunkid.ChunkID(loc.ChunkID), loc.NodeURLs, expectedHash)
	}
	if err != nil {
		s.log.Warn("failed to fetch chunk for playout", zap.Int("sequence", seq), zap.Error(err))
		return
	}
	s.buffer.AddChunk(seq, data)
}

// NextForPlayback exposes the buffer's next in-sequence chunk to the
// caller (a video player, a test harness, etc.).
func (s *Session) NextForPlayback() ([]byte, bool) {
	return s.buffer.NextForPlayback()
}

// Status reports the session's current buffer/playout state.
func (s *Session) Status() Status {
	return s.buffer.Status()
}
