// Package reader is the adaptive streaming client: a node-performance
// monitor, a playout buffer state machine, and a parallel download
// scheduler with failover.
package reader

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
)

const (
	// Latency and bandwidth react over a short window; reliability
	// remembers twice as many probes so a single blip doesn't mark a
	// node unhealthy.
	defaultLatencyWindowSize     = 10
	defaultBandwidthWindowSize   = 10
	defaultReliabilityWindowSize = 20

	defaultPingInterval = 3 * time.Second
	defaultNodeTimeout  = 10 * time.Second
)

// window is a small fixed-capacity ring buffer of float samples;
// adding beyond capacity evicts the oldest.
type window struct {
	r     *ring.Ring
	count int
}

func newWindow(size int) *window {
	return &window{r: ring.New(size)}
}

func (w *window) add(v float64) {
	w.r.Value = v
	w.r = w.r.Next()
	if w.count < w.r.Len() {
		w.count++
	}
}

func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	n := 0
	w.r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		sum += v.(float64)
		n++
	})
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// nodeStats is one node's rolling performance picture.
type nodeStats struct {
	latencyMs  *window
	bandwidth  *window
	success    *window
	lastUpdate time.Time
}

// Monitor tracks latency/bandwidth/reliability for a set of storage
// nodes and derives a selection score for each.
type Monitor struct {
	mu          sync.Mutex
	stats       map[string]*nodeStats
	client      *nodeclient.Client
	log         *zap.Logger
	nodeTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor over the given node URLs.
func NewMonitor(nodeURLs []string, client *nodeclient.Client, log *zap.Logger) *Monitor {
	m := &Monitor{
		stats:       make(map[string]*nodeStats, len(nodeURLs)),
		client:      client,
		log:         log,
		nodeTimeout: defaultNodeTimeout,
	}
	for _, url := range nodeURLs {
		m.stats[url] = &nodeStats{
			latencyMs: newWindow(defaultLatencyWindowSize),
			bandwidth: newWindow(defaultBandwidthWindowSize),
			success:   newWindow(defaultReliabilityWindowSize),
		}
	}
	return m
}

// Start launches the background ping loop, pinging every known node
// once per pingInterval until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pingAll(ctx)
			}
		}
	}()
}

// Stop halts the background ping loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) pingAll(ctx context.Context) {
	m.mu.Lock()
	urls := make([]string, 0, len(m.stats))
	for url := range m.stats {
		urls = append(urls, url)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			m.pingOne(ctx, url)
		}(url)
	}
	wg.Wait()
}

func (m *Monitor) pingOne(ctx context.Context, url string) {
	probe := m.client.Ping(ctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[url]
	if !ok {
		return
	}
	if probe.Reachable {
		s.latencyMs.add(float64(probe.Latency.Milliseconds()))
		s.success.add(1.0)
		s.lastUpdate = time.Now()
		if s.bandwidth.count == 0 {
			s.bandwidth.add(50.0) // seed estimate until a real download updates it
		}
	} else {
		s.success.add(0.0)
	}
}

// RecordBandwidth updates a node's bandwidth estimate after an actual
// chunk download, recalibrating away from the seed estimate.
func (m *Monitor) RecordBandwidth(url string, mbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[url]; ok {
		s.bandwidth.add(mbps)
	}
}

// Score computes a node's selection score,
// bandwidth * reliability / (1 + latency_ms * 0.1). The 0.1 constant
// keeps a soft preference for low latency without letting a single
// outlier dominate.
func (m *Monitor) Score(url string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[url]
	if !ok || s.latencyMs.count == 0 {
		return 0
	}
	bandwidth := s.bandwidth.mean()
	reliability := s.success.mean()
	latency := s.latencyMs.mean()
	return (bandwidth * reliability) / (1 + latency*0.1)
}

// IsHealthy reports whether a node has pinged successfully recently
// with a reasonable recent success rate.
func (m *Monitor) IsHealthy(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[url]
	if !ok || s.lastUpdate.IsZero() {
		return false
	}
	if time.Since(s.lastUpdate) > m.nodeTimeout {
		return false
	}
	return s.success.mean() > 0.5
}

// HealthyNodesByScore returns every healthy node URL, ranked
// highest-score first, for use by the download scheduler's failover
// ordering.
func (m *Monitor) HealthyNodesByScore() []string {
	m.mu.Lock()
	urls := make([]string, 0, len(m.stats))
	for url := range m.stats {
		urls = append(urls, url)
	}
	m.mu.Unlock()

	var healthy []string
	for _, url := range urls {
		if m.IsHealthy(url) {
			healthy = append(healthy, url)
		}
	}
	sortByScoreDesc(healthy, m.Score)
	return healthy
}

func sortByScoreDesc(urls []string, score func(string) float64) {
	for i := 1; i < len(urls); i++ {
		for j := i; j > 0 && score(urls[j]) > score(urls[j-1]); j-- {
			urls[j], urls[j-1] = urls[j-1], urls[j]
		}
	}
}
