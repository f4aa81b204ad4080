package reader

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
	"github.com/prakhar479/VStack/pkg/erasure"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// maxRetriesPerNode is how many times to retry the same node before
// failing over to the next best candidate.
const maxRetriesPerNode = 2

// Scheduler selects storage nodes for chunk/fragment downloads using
// monitor-derived scores with a load-balancing penalty, and runs
// downloads with bounded concurrency and automatic failover.
type Scheduler struct {
	monitor       *Monitor
	client        *nodeclient.Client
	log           *zap.Logger
	maxConcurrent int

	mu   sync.Mutex
	load map[string]int
	sem  chan struct{}
}

func NewScheduler(monitor *Monitor, client *nodeclient.Client, maxConcurrent int, log *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Scheduler{
		monitor:       monitor,
		client:        client,
		log:           log,
		maxConcurrent: maxConcurrent,
		load:          make(map[string]int),
		sem:           make(chan struct{}, maxConcurrent),
	}
}

func (s *Scheduler) selectBestNode(candidates []string, exclude map[string]bool) string {
	var pool []string
	for _, n := range candidates {
		if !exclude[n] {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		return ""
	}

	var healthy []string
	for _, n := range pool {
		if s.monitor.IsHealthy(n) {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		healthy = pool
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(healthy, func(i, j int) bool {
		return s.adjustedScore(healthy[i]) > s.adjustedScore(healthy[j])
	})
	return healthy[0]
}

// adjustedScore applies a load-balancing penalty to a node's raw
// score, 1/(1+load*0.2). Caller must hold s.mu.
func (s *Scheduler) adjustedScore(nodeURL string) float64 {
	score := s.monitor.Score(nodeURL)
	penalty := 1.0 / (1.0 + float64(s.load[nodeURL])*0.2)
	return score * penalty
}

func (s *Scheduler) beginLoad(nodeURL string) {
	s.mu.Lock()
	s.load[nodeURL]++
	s.mu.Unlock()
}

func (s *Scheduler) endLoad(nodeURL string) {
	s.mu.Lock()
	s.load[nodeURL]--
	s.mu.Unlock()
}

// DownloadChunk fetches a whole (replicated) chunk, trying candidates
// in score order and failing over to the next candidate once the first
// attempt and maxRetriesPerNode retries against the current one have
// all failed.
// expectedHash, if non-zero, is verified against the downloaded bytes:
// a node that returns bytes failing that check is treated the same as
// one that failed to respond, and the scheduler fails over to the
// next candidate.
func (s *Scheduler) DownloadChunk(ctx context.Context, id chunkid.ChunkID, candidates []string, expectedHash chunkid.ContentHash) ([]byte, error) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	tried := map[string]bool{}
	for len(tried) < len(candidates) {
		node := s.selectBestNode(candidates, tried)
		if node == "" {
			break
		}

		data, ok := s.attemptNode(ctx, node, id, expectedHash)
		if ok {
			return data, nil
		}
		tried[node] = true
	}
	return nil, errkind.Transient.New("chunk %s: exhausted all %d candidate nodes", id, len(candidates))
}

func (s *Scheduler) attemptNode(ctx context.Context, nodeURL string, id chunkid.ChunkID, expectedHash chunkid.ContentHash) ([]byte, bool) {
	s.beginLoad(nodeURL)
	defer s.endLoad(nodeURL)

	for attempt := 0; attempt <= maxRetriesPerNode; attempt++ {
		start := time.Now()
		data, err := s.client.GetChunk(ctx, nodeURL, id)
		if err != nil {
			s.log.Debug("download attempt failed", zap.String("node_url", nodeURL), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !expectedHash.IsZero() && !chunkid.HashBytes(data).Equal(expectedHash) {
			s.log.Warn("downloaded chunk failed hash verification", zap.String("node_url", nodeURL), zap.String("chunk_id", id.String()), zap.Int("attempt", attempt))
			continue
		}

		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			mbps := (float64(len(data)) * 8 / 1e6) / elapsed
			s.monitor.RecordBandwidth(nodeURL, mbps)
		}
		return data, true
	}
	return nil, false
}

// DownloadErasureChunk reconstructs an erasure-coded chunk: it fetches
// every reachable fragment from the candidate nodes in parallel
// (bounded by the scheduler's concurrency budget), then reconstructs
// via pkg/erasure. expectedHash, if non-zero, is verified against the
// reconstructed (and length-trimmed) bytes; a fragment can decode
// cleanly through the FEC math yet still be corrupted, so on mismatch
// the scheduler retries reconstruction with a different k-sized
// combination drawn from the fetched pool before giving up.
func (s *Scheduler) DownloadErasureChunk(ctx context.Context, id chunkid.ChunkID, fragments []FragmentLocation, k, m int, originalLen int, expectedHash chunkid.ContentHash) ([]byte, error) {
	scheme, err := erasure.NewScheme(k, m)
	if err != nil {
		return nil, err
	}

	type result struct {
		frag erasure.Fragment
		err  error
	}
	results := make(chan result, len(fragments))

	var wg sync.WaitGroup
	for _, f := range fragments {
		wg.Add(1)
		go func(f FragmentLocation) {
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			fragID := chunkid.ChunkID(id.String() + "-frag" + strconv.Itoa(f.Index))
			data, err := s.client.GetChunk(ctx, f.NodeURL, fragID)
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{frag: erasure.Fragment{Index: f.Index, Data: data}}
		}(f)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var got []erasure.Fragment
	for r := range results {
		if r.err != nil {
			continue
		}
		got = append(got, r.frag)
	}
	if len(got) < k {
		return nil, errkind.QuorumNotReached.New("chunk %s: only %d/%d fragments recovered, need %d", id, len(got), len(fragments), k)
	}

	data, err := s.reconstructVerified(scheme, got, k, originalLen, expectedHash)
	if err != nil {
		return nil, errkind.Corruption.New("chunk %s: %w", id, err)
	}
	return data, nil
}

// reconstructVerified tries successive k-sized windows over the
// fetched fragment pool, returning the first reconstruction whose
// bytes match expectedHash. If expectedHash is zero (caller has no
// hash to check against), the first window's reconstruction is
// returned unverified.
func (s *Scheduler) reconstructVerified(scheme *erasure.Scheme, pool []erasure.Fragment, k, originalLen int, expectedHash chunkid.ContentHash) ([]byte, error) {
	var lastErr error
	for start := 0; start+k <= len(pool); start++ {
		window := pool[start : start+k]
		data, err := scheme.Reconstruct(window)
		if err != nil {
			lastErr = err
			continue
		}
		if originalLen > 0 && originalLen < len(data) {
			data = data[:originalLen]
		}
		if expectedHash.IsZero() || chunkid.HashBytes(data).Equal(expectedHash) {
			return data, nil
		}
		s.log.Warn("reconstructed chunk failed hash verification, trying alternate fragment set", zap.Int("window_start", start))
		lastErr = errkind.Corruption.New("reconstructed bytes did not match expected hash")
	}
	if lastErr == nil {
		lastErr = errkind.Corruption.New("no fragment combination available")
	}
	return nil, lastErr
}

