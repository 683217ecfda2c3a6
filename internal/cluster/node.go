// ABOUTME: Raft node wiring: transport, stores, observers, and lifecycle
// ABOUTME: Implements the registry operations the queue manager consumes

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	// applyTimeout bounds local raft applies.
	applyTimeout = 5 * time.Second

	// defaultDownAfter is how long a peer may miss heartbeats before the
	// leader declares it down.
	defaultDownAfter = 5 * time.Second

	snapshotRetain = 2
	transportPool  = 3
)

// ErrNoLeader is returned when an operation needs the leader and no node
// currently holds the lease.
var ErrNoLeader = errors.New("cluster has no leader")

// EventType classifies cluster events.
type EventType int

const (
	// EventLeaderElected fires when this node wins an election.
	EventLeaderElected EventType = iota
	// EventLeaderSurrendered fires when another node takes leadership.
	EventLeaderSurrendered
	// EventNodeDown fires on the leader when a peer stops heartbeating.
	EventNodeDown
)

func (t EventType) String() string {
	switch t {
	case EventLeaderElected:
		return "leader-elected"
	case EventLeaderSurrendered:
		return "leader-surrendered"
	case EventNodeDown:
		return "node-down"
	}
	return "unknown"
}

// Event is one membership or leadership change. Node carries the downed
// peer for EventNodeDown and the leader id otherwise.
type Event struct {
	Type EventType
	Node string
}

// Peer is one other ensemble member, from static configuration.
type Peer struct {
	Name     string `toml:"name"`
	RaftAddr string `toml:"raft_addr"`
	RPCAddr  string `toml:"rpc_addr"`
}

// Config carries everything the node needs to join the ensemble.
type Config struct {
	NodeName string
	RaftBind string
	RaftDir  string

	// RPCAddr is this node's cluster RPC listen address, advertised to
	// peers through the static peer list.
	RPCAddr string

	Peers     []Peer
	Bootstrap bool

	// Secret authenticates cluster RPC calls.
	Secret string

	// DownAfter is how long a peer may be silent before it is reported
	// down. Zero uses the default.
	DownAfter time.Duration

	// RPCTimeout bounds calls to peer RPC servers. Zero uses the default.
	RPCTimeout time.Duration

	Logger *slog.Logger
}

// Node is one gateway's membership in the raft ensemble.
type Node struct {
	cfg    Config
	logger *slog.Logger

	raft  *raft.Raft
	fsm   *registryFSM
	trans raft.Transport
	bolt  *raftboltdb.BoltStore

	observer *raft.Observer
	obsCh    chan raft.Observation
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once

	clients *rpcClients

	downMu sync.Mutex
	down   map[raft.ServerID]bool
}

// NewNode starts a raft member with a TCP transport and boltdb-backed log
// and stable stores under cfg.RaftDir.
func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeName == "" {
		return nil, errors.New("cluster node needs a name")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logOut := &raftLogWriter{logger: logger.With("component", "raft")}

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftBind)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind %q: %w", cfg.RaftBind, err)
	}
	trans, err := raft.NewTCPTransport(cfg.RaftBind, addr, transportPool, 10*time.Second, logOut)
	if err != nil {
		return nil, fmt.Errorf("raft transport: %w", err)
	}

	snaps, err := raft.NewFileSnapshotStore(cfg.RaftDir, snapshotRetain, logOut)
	if err != nil {
		return nil, fmt.Errorf("raft snapshot store: %w", err)
	}
	bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.RaftDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("raft log store: %w", err)
	}

	n, err := newNode(cfg, logger, trans, bolt, bolt, snaps)
	if err != nil {
		bolt.Close() //nolint:errcheck
		trans.Close()
		return nil, err
	}
	n.bolt = bolt
	return n, nil
}

// newNode finishes construction from explicit raft pieces. Tests inject
// in-memory stores and transports here.
func newNode(cfg Config, logger *slog.Logger, trans raft.Transport, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore) (*Node, error) {
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = defaultDownAfter
	}
	log := logger.With("component", "cluster", "node", cfg.NodeName)

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeName)
	rc.LogOutput = &raftLogWriter{logger: log}
	rc.LogLevel = "WARN"

	fsm := newRegistryFSM(log)
	r, err := raft.NewRaft(rc, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("start raft: %w", err)
	}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: rc.LocalID, Address: trans.LocalAddr()}}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(p.Name),
				Address: raft.ServerAddress(p.RaftAddr),
			})
		}
		f := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown() //nolint:errcheck
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	n := &Node{
		cfg:     cfg,
		logger:  log,
		raft:    r,
		fsm:     fsm,
		trans:   trans,
		obsCh:   make(chan raft.Observation, 64),
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		clients: newRPCClients(cfg.Secret, cfg.RPCTimeout),
		down:    make(map[raft.ServerID]bool),
	}
	n.observer = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.FailedHeartbeatObservation, raft.ResumedHeartbeatObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(n.observer)
	go n.observe()

	log.Info("cluster node started", "bind", cfg.RaftBind, "bootstrap", cfg.Bootstrap, "peers", len(cfg.Peers))
	return n, nil
}

// NodeName returns this node's cluster identity.
func (n *Node) NodeName() string { return n.cfg.NodeName }

// IsLeader reports whether this node currently holds the lease.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// Events delivers leadership and membership changes. The channel is
// buffered; events overflowing a stalled consumer are dropped.
func (n *Node) Events() <-chan Event { return n.events }

// Owner reads one registry entry from the replicated copy.
func (n *Node) Owner(name string) (string, bool) { return n.fsm.Owner(name) }

// Registry snapshots the replicated registry.
func (n *Node) Registry() map[string]string { return n.fsm.registry() }

// PublishQueue replicates name -> owner, applying locally on the leader
// and forwarding otherwise.
func (n *Node) PublishQueue(ctx context.Context, name, owner string) error {
	return n.submit(ctx, command{Op: opAddQueue, Name: name, Owner: owner})
}

// RetractQueue removes one registry entry.
func (n *Node) RetractQueue(ctx context.Context, name string) error {
	return n.submit(ctx, command{Op: opRemoveQueue, Name: name})
}

// RetractNode removes every entry owned by node.
func (n *Node) RetractNode(ctx context.Context, node string) error {
	return n.submit(ctx, command{Op: opRemoveNode, Node: node})
}

// LeaderQueryQueue asks the leader who owns name.
func (n *Node) LeaderQueryQueue(ctx context.Context, name string) (string, bool, error) {
	if n.IsLeader() {
		owner, ok := n.fsm.Owner(name)
		return owner, ok, nil
	}
	addr, err := n.leaderRPCAddr()
	if err != nil {
		return "", false, err
	}
	return n.clients.queryQueue(ctx, addr, name)
}

// LeaderQueues fetches the leader's registry.
func (n *Node) LeaderQueues(ctx context.Context) (map[string]string, error) {
	if n.IsLeader() {
		return n.fsm.registry(), nil
	}
	addr, err := n.leaderRPCAddr()
	if err != nil {
		return nil, err
	}
	return n.clients.queues(ctx, addr)
}

// RemoteEnqueue hands a call shell to the queue's owner node.
func (n *Node) RemoteEnqueue(ctx context.Context, owner, queue, callID, mediaType, client, callerID string, priority int) error {
	addr, err := n.rpcAddrFor(owner)
	if err != nil {
		return err
	}
	return n.clients.enqueue(ctx, addr, enqueueRequest{
		Queue:     queue,
		CallID:    callID,
		MediaType: mediaType,
		Client:    client,
		CallerID:  callerID,
		Priority:  priority,
	})
}

// Status reports raft state for the ops API.
type Status struct {
	NodeName string            `json:"node_name"`
	State    string            `json:"state"`
	Leader   string            `json:"leader"`
	Members  []string          `json:"members"`
	Registry map[string]string `json:"registry"`
}

// Status snapshots the node's view of the ensemble.
func (n *Node) Status() Status {
	_, leaderID := n.raft.LeaderWithID()
	st := Status{
		NodeName: n.cfg.NodeName,
		State:    n.raft.State().String(),
		Leader:   string(leaderID),
		Registry: n.fsm.registry(),
	}
	if cf := n.raft.GetConfiguration(); cf.Error() == nil {
		for _, s := range cf.Configuration().Servers {
			st.Members = append(st.Members, string(s.ID))
		}
		sort.Strings(st.Members)
	}
	return st
}

// Close leaves the ensemble and releases transports and stores.
func (n *Node) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })
	n.raft.DeregisterObserver(n.observer)
	err := n.raft.Shutdown().Error()
	n.clients.close()
	if c, ok := n.trans.(io.Closer); ok {
		c.Close() //nolint:errcheck
	}
	if n.bolt != nil {
		n.bolt.Close() //nolint:errcheck
	}
	n.logger.Info("cluster node stopped")
	return err
}

// submit routes a registry command: applied directly on the leader,
// forwarded over RPC from followers.
func (n *Node) submit(ctx context.Context, cmd command) error {
	if n.IsLeader() {
		return n.apply(cmd)
	}
	addr, err := n.leaderRPCAddr()
	if err != nil {
		return err
	}
	return n.clients.apply(ctx, addr, cmd)
}

// apply commits one command through the local raft log. Leader only.
func (n *Node) apply(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f := n.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp, ok := f.Response().(error); ok {
		return resp
	}
	return nil
}

// leaderRPCAddr maps the current raft leader to its cluster RPC address.
func (n *Node) leaderRPCAddr() (string, error) {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	return n.rpcAddrFor(string(id))
}

func (n *Node) rpcAddrFor(node string) (string, error) {
	if node == n.cfg.NodeName {
		return n.cfg.RPCAddr, nil
	}
	for _, p := range n.cfg.Peers {
		if p.Name == node {
			return p.RPCAddr, nil
		}
	}
	return "", fmt.Errorf("no RPC address configured for node %q", node)
}

// observe translates raft observations into cluster events.
func (n *Node) observe() {
	for {
		select {
		case <-n.stop:
			return
		case o := <-n.obsCh:
			switch data := o.Data.(type) {
			case raft.LeaderObservation:
				n.handleLeaderChange(data)
			case raft.FailedHeartbeatObservation:
				n.handleFailedHeartbeat(data)
			case raft.ResumedHeartbeatObservation:
				n.downMu.Lock()
				delete(n.down, data.PeerID)
				n.downMu.Unlock()
			}
		}
	}
}

func (n *Node) handleLeaderChange(o raft.LeaderObservation) {
	leader := string(o.LeaderID)
	if leader == "" {
		// Election in progress; the next observation names the winner.
		return
	}
	if leader == n.cfg.NodeName {
		n.logger.Info("became cluster leader")
		n.emit(Event{Type: EventLeaderElected, Node: leader})
		return
	}
	n.logger.Info("cluster leader changed", "leader", leader)
	n.emit(Event{Type: EventLeaderSurrendered, Node: leader})
}

// handleFailedHeartbeat declares a peer down once it has been silent past
// the threshold. Only the leader reports, and each down peer reports once
// until it resumes. The dead server is also removed from the voting set so
// the remaining majority keeps committing.
func (n *Node) handleFailedHeartbeat(o raft.FailedHeartbeatObservation) {
	if !n.IsLeader() {
		return
	}
	if time.Since(o.LastContact) < n.cfg.DownAfter {
		return
	}
	n.downMu.Lock()
	seen := n.down[o.PeerID]
	n.down[o.PeerID] = true
	n.downMu.Unlock()
	if seen {
		return
	}

	n.logger.Warn("peer declared down", "peer", string(o.PeerID), "last_contact", o.LastContact)
	go func(peer raft.ServerID) {
		if err := n.raft.RemoveServer(peer, 0, 0).Error(); err != nil {
			n.logger.Warn("failed to remove downed peer from ensemble", "peer", string(peer), "error", err)
		}
	}(o.PeerID)
	n.emit(Event{Type: EventNodeDown, Node: string(o.PeerID)})
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("cluster event dropped", "type", ev.Type.String(), "node", ev.Node)
	}
}

// raftLogWriter funnels the raft library's text logs into slog.
type raftLogWriter struct {
	logger *slog.Logger
}

func (w *raftLogWriter) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		w.logger.Debug(line)
	}
	return len(p), nil
}
