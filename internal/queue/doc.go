// ABOUTME: Package documentation for the queue layer
// ABOUTME: Queue workers, bindable ranking, and the replicated manager

// Package queue holds waiting calls and decides which queue an idle agent
// should be bound to.
//
// # Workers
//
// Each queue runs one worker goroutine owning an ordered call set, sorted by
// (priority ascending, enqueue time ascending). Enqueue, Ask, Remove, and
// the snapshots are messages into that goroutine; there is no shared state.
// A worker that dies without being stopped deliberately is restarted by the
// manager from the stored queue configuration.
//
// # Ranking
//
// GetBestBindableQueues ranks every local queue currently holding a call:
// compute w = weight x call count, order by enqueue time, then stable-sort
// by priority, then stable-sort by w descending, and collapse the position
// into one score: the entry at 1-based position c gets w + L - c.
//
// # Cluster
//
// Queue names are unique across the cluster. The manager publishes its
// workers to the replicated registry through the Cluster interface and
// forwards enqueues for remotely-owned queues to their owner node. On node
// failure the leader adopts the lost queues by restarting them locally from
// the config store. A nil Cluster runs the manager standalone.
package queue
