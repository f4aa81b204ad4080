// Package coordinator is the control plane of the chunk store: a
// relational catalog of streams/chunks/nodes, a quorum-based placement
// commit protocol, and popularity-driven redundancy selection.
package coordinator

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
	"github.com/prakhar479/VStack/pkg/coordinator/nodeclient"
)

// Error is the class for coordinator-level failures not otherwise
// classified by errkind.
var Error = errs.Class("coordinator")

// Config bundles everything the coordinator needs beyond its catalog
// connection.
type Config struct {
	HeartbeatTimeout time.Duration
	NodeWarnUsage    float64
	NodeCallTimeout  time.Duration
	Redundancy       RedundancyConfig
}

// DefaultConfig carries the standard heartbeat and outbound-call
// timeouts.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		NodeWarnUsage:    0.85,
		NodeCallTimeout:  5 * time.Second,
		Redundancy:       DefaultRedundancyConfig(),
	}
}

// Coordinator is the control-plane service: catalog + node registry +
// placement protocol + redundancy policy.
type Coordinator struct {
	db         *catalog.DB
	nodes      *nodeclient.Client
	log        *zap.Logger
	cfg        Config
	redundancy RedundancyConfig

	// chunkLocks serializes the propose/accept sequence for a given
	// chunk id so two concurrent commit attempts never interleave
	// their ballot bookkeeping. Distinct chunk ids stay fully
	// concurrent.
	chunkLocks sync.Map // chunkid.ChunkID -> *sync.Mutex

	ballotCounter int64
	ballotMu      sync.Mutex
}

// New builds a Coordinator over an already-opened catalog.
func New(db *catalog.DB, cfg Config, log *zap.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		nodes:      nodeclient.New(cfg.NodeCallTimeout),
		log:        log,
		cfg:        cfg,
		redundancy: cfg.Redundancy,
	}
}

func (c *Coordinator) lockFor(chunkID string) *sync.Mutex {
	v, _ := c.chunkLocks.LoadOrStore(chunkID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// nextBallot mints a strictly increasing ballot number,
// (timestamp_ms << 16 | counter & 0xFFFF), so ballots remain
// comparable across coordinator restarts without a persisted counter.
func (c *Coordinator) nextBallot() int64 {
	c.ballotMu.Lock()
	defer c.ballotMu.Unlock()
	c.ballotCounter++
	return (time.Now().UnixNano()/int64(time.Millisecond))<<16 | (c.ballotCounter & 0xFFFF)
}
