package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
)

// RegisterNode admits a storage node into the catalog.
// Re-registration with the same id refreshes the node's URL, so a
// node may be replaced in place.
func (c *Coordinator) RegisterNode(ctx context.Context, id, url, version string) error {
	if id == "" || url == "" {
		return Error.New("node id and url are required")
	}
	if err := c.db.RegisterNode(ctx, id, url, version); err != nil {
		return err
	}
	c.log.Info("node registered", zap.String("node_id", id), zap.String("url", url))
	return nil
}

// Heartbeat records a storage node's latest probe response against the
// catalog's liveness row.
func (c *Coordinator) Heartbeat(ctx context.Context, id string, diskUsage float64, chunkCount int) error {
	return c.db.Heartbeat(ctx, id, diskUsage, chunkCount)
}

// HealthyNodes returns the candidate set eligible for new placements:
// nodes heartbeating within the configured timeout and below the warn
// usage threshold.
func (c *Coordinator) HealthyNodes(ctx context.Context) ([]catalog.NodeRecord, error) {
	return c.db.ListHealthyNodes(ctx, c.cfg.HeartbeatTimeout, c.cfg.NodeWarnUsage)
}

// NodeHealthSummary is a coarse roll-up of node states, useful for an
// operator dashboard without listing every node row.
type NodeHealthSummary struct {
	Total   int
	Healthy int
	// Degraded nodes still heartbeat but sit at or above the warn
	// usage threshold; Down nodes have missed the heartbeat window.
	Degraded int
	Down     int
}

func (c *Coordinator) NodeHealthSummary(ctx context.Context) (NodeHealthSummary, error) {
	all, err := c.db.ListNodes(ctx)
	if err != nil {
		return NodeHealthSummary{}, err
	}
	healthy, err := c.HealthyNodes(ctx)
	if err != nil {
		return NodeHealthSummary{}, err
	}
	healthySet := make(map[string]struct{}, len(healthy))
	for _, n := range healthy {
		healthySet[n.ID] = struct{}{}
	}

	cutoff := time.Now().Add(-c.cfg.HeartbeatTimeout)
	summary := NodeHealthSummary{Total: len(all)}
	for _, n := range all {
		if _, ok := healthySet[n.ID]; ok {
			summary.Healthy++
			continue
		}
		heartbeating := n.LastHeartbeat.Valid && !n.LastHeartbeat.Time.Before(cutoff)
		if heartbeating && n.DiskUsage >= c.cfg.NodeWarnUsage {
			summary.Degraded++
			continue
		}
		summary.Down++
	}
	return summary, nil
}
