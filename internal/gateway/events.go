// ABOUTME: Cluster event loop reacting to leadership and membership changes
// ABOUTME: Drives queue ownership republish and downed-node failover

package gateway

import (
	"context"

	"github.com/2389/cpx-gateway/internal/cluster"
)

// clusterEvents consumes leadership and membership changes from the raft
// node and drives the queue manager: elections and surrenders republish
// local ownership, a downed peer hands its queues to this node when it
// leads.
func (g *Gateway) clusterEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.node.Events():
			g.logger.Info("cluster event", "type", ev.Type.String(), "node", ev.Node)
			switch ev.Type {
			case cluster.EventLeaderElected:
				g.queues.LeaderElected(ctx)
			case cluster.EventLeaderSurrendered:
				g.queues.LeaderSurrendered(ctx)
			case cluster.EventNodeDown:
				g.queues.NodeDown(ctx, ev.Node)
			}
		}
	}
}
