// ABOUTME: Replicated registry FSM applied through the raft log
// ABOUTME: Holds the queue name to owner node map with JSON snapshots

package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
)

// Registry command opcodes carried in the raft log.
const (
	opAddQueue    = "add_queue"
	opRemoveQueue = "remove_queue"
	opRemoveNode  = "remove_node"
)

// command is one replicated registry mutation. Add is an upsert, so
// republishing after elections is idempotent.
type command struct {
	Op    string `json:"op"`
	Name  string `json:"name,omitempty"`
	Owner string `json:"owner,omitempty"`
	Node  string `json:"node,omitempty"`
}

// registryFSM is the raft state machine: queue name -> owner node.
type registryFSM struct {
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]string
}

func newRegistryFSM(logger *slog.Logger) *registryFSM {
	return &registryFSM{
		logger: logger.With("component", "cluster-fsm"),
		queues: make(map[string]string),
	}
}

// Apply mutates the registry with one committed log entry.
func (f *registryFSM) Apply(entry *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("decode registry command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Op {
	case opAddQueue:
		f.queues[cmd.Name] = cmd.Owner
		f.logger.Debug("registry add", "queue", cmd.Name, "owner", cmd.Owner)
	case opRemoveQueue:
		delete(f.queues, cmd.Name)
		f.logger.Debug("registry remove", "queue", cmd.Name)
	case opRemoveNode:
		for name, owner := range f.queues {
			if owner == cmd.Node {
				delete(f.queues, name)
			}
		}
		f.logger.Debug("registry purge", "node", cmd.Node)
	default:
		return fmt.Errorf("unknown registry op %q", cmd.Op)
	}
	return nil
}

// Owner reads one entry from the replicated copy.
func (f *registryFSM) Owner(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	owner, ok := f.queues[name]
	return owner, ok
}

// Snapshot returns a point-in-time copy for raft compaction.
func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	queues := make(map[string]string, len(f.queues))
	for k, v := range f.queues {
		queues[k] = v
	}
	return &registrySnapshot{queues: queues}, nil
}

// Restore replaces the registry from a snapshot stream.
func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	queues := make(map[string]string)
	if err := json.NewDecoder(rc).Decode(&queues); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}
	f.mu.Lock()
	f.queues = queues
	f.mu.Unlock()
	return nil
}

// registry copies the full map.
func (f *registryFSM) registry() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.queues))
	for k, v := range f.queues {
		out[k] = v
	}
	return out
}

type registrySnapshot struct {
	queues map[string]string
}

func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.queues); err != nil {
		sink.Cancel() //nolint:errcheck
		return err
	}
	return sink.Close()
}

func (s *registrySnapshot) Release() {}
