// ABOUTME: Package documentation for the cluster layer
// ABOUTME: Raft-backed queue registry, leadership events, and node RPC

// Package cluster replicates the queue-name registry across gateway nodes.
//
// A raft ensemble (hashicorp/raft with boltdb log/stable stores) carries a
// small FSM: the map queue name -> owner node. All mutations are raft
// applies routed through the elected leader; every node serves reads from
// its replicated copy.
//
// Each node also runs a gRPC service for the traffic that cannot ride the
// raft log: followers forward registry commands and authoritative lookups
// to the leader, and enqueues for a queue owned elsewhere travel to the
// owner node. The wire format is JSON over hand-rolled method descriptors,
// so no generated stubs are committed. Calls authenticate with a shared
// cluster secret.
//
// The Node publishes leadership changes and failed peer heartbeats on an
// event channel. The queue manager consumes those to republish ownership
// after elections and to adopt the queues of a dead node.
package cluster
