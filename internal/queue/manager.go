// ABOUTME: Queue manager: local workers plus the replicated name registry
// ABOUTME: Handles adds, lookups, remote enqueue forwarding, and failover

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/store"
)

// ErrUnknownQueue is returned when no queue by that name exists anywhere
// in the cluster.
var ErrUnknownQueue = errors.New("unknown queue")

// storeTimeout bounds config lookups made outside a request context.
const storeTimeout = 2 * time.Second

// Cluster is the slice of the cluster layer the manager consumes. Reads
// against the replicated registry are local; Leader* calls and the
// mutations go through the elected leader. A nil Cluster runs the manager
// standalone.
type Cluster interface {
	NodeName() string
	IsLeader() bool

	// PublishQueue replicates name -> owner through the leader.
	PublishQueue(ctx context.Context, name, owner string) error
	// RetractQueue removes one registry entry through the leader.
	RetractQueue(ctx context.Context, name string) error
	// RetractNode removes every registry entry owned by node.
	RetractNode(ctx context.Context, node string) error

	// Owner reads the locally replicated registry.
	Owner(name string) (string, bool)
	// Registry snapshots the locally replicated registry, name -> owner.
	Registry() map[string]string

	// LeaderQueryQueue asks the leader who owns name.
	LeaderQueryQueue(ctx context.Context, name string) (owner string, ok bool, err error)
	// LeaderQueues fetches the leader's registry.
	LeaderQueues(ctx context.Context) (map[string]string, error)

	// RemoteEnqueue hands a call shell to the queue's owner node. Only the
	// call identity travels; media re-attaches when the media gateway
	// redials through the owning node.
	RemoteEnqueue(ctx context.Context, owner, queue, callID, mediaType, client, callerID string, priority int) error
}

// Handle identifies a queue and where it runs. Weight and CallCount are
// filled for queues local to the reporting node.
type Handle struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	Local     bool   `json:"local"`
	Weight    int    `json:"weight,omitempty"`
	CallCount int    `json:"call_count,omitempty"`
}

// Config carries the manager's collaborators.
type Config struct {
	// NodeName identifies this node in handles. Ignored when Cluster is
	// set; defaults to "local" standalone.
	NodeName string

	Store   store.Store
	Cluster Cluster // optional
	Logger  *slog.Logger
}

// Manager owns this node's queue workers and resolves names against the
// cluster registry.
type Manager struct {
	nodeName string
	store    store.Store
	cluster  Cluster
	logger   *slog.Logger
	base     *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	closed  bool
}

// NewManager builds a manager. Call LoadFromStore to start the workers
// for persisted queue configs.
func NewManager(cfg Config) *Manager {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	name := cfg.NodeName
	if cfg.Cluster != nil {
		name = cfg.Cluster.NodeName()
	}
	if name == "" {
		name = "local"
	}
	return &Manager{
		nodeName: name,
		store:    cfg.Store,
		cluster:  cfg.Cluster,
		logger:   base.With("component", "queue-manager", "node", name),
		base:     base,
		workers:  make(map[string]*Worker),
	}
}

// NodeName returns the identity used as owner in published handles.
func (m *Manager) NodeName() string { return m.nodeName }

// LoadFromStore starts a worker for every persisted queue config. Failures
// are logged per queue; the rest still come up.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	cfgs, err := m.store.ListQueueConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list queue configs: %w", err)
	}
	for _, qc := range cfgs {
		if _, _, err := m.AddQueue(ctx, qc); err != nil {
			m.logger.Error("queue failed to start", "queue", qc.Name, "error", err)
		}
	}
	return nil
}

// AddQueue creates the named queue: local check, then cluster check, then
// start a worker, register it, and publish ownership. created is false
// when the queue already exists, here or on another node.
func (m *Manager) AddQueue(ctx context.Context, qc *store.QueueConfig) (Handle, bool, error) {
	if qc == nil || qc.Name == "" {
		return Handle{}, false, errors.New("queue config missing name")
	}

	if h, ok := m.localHandle(qc.Name); ok {
		return h, false, nil
	}
	if m.cluster != nil {
		if owner, ok := m.cluster.Owner(qc.Name); ok && owner != m.nodeName {
			return Handle{Name: qc.Name, Owner: owner}, false, nil
		}
		if !m.cluster.IsLeader() {
			owner, ok, err := m.cluster.LeaderQueryQueue(ctx, qc.Name)
			if err != nil {
				return Handle{}, false, fmt.Errorf("leader queue lookup: %w", err)
			}
			if ok && owner != m.nodeName {
				return Handle{Name: qc.Name, Owner: owner}, false, nil
			}
		}
	}

	if err := m.store.PutQueueConfig(ctx, qc); err != nil {
		return Handle{}, false, fmt.Errorf("persist queue config: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, false, errors.New("queue manager closed")
	}
	if _, ok := m.workers[qc.Name]; ok {
		m.mu.Unlock()
		h, _ := m.localHandle(qc.Name)
		return h, false, nil
	}
	w := StartWorker(WorkerConfig{
		Name:   qc.Name,
		Recipe: qc.Recipe,
		Weight: qc.Weight,
		Logger: m.base,
	})
	m.workers[qc.Name] = w
	m.mu.Unlock()
	go m.supervise(w)

	if m.cluster != nil {
		if err := m.cluster.PublishQueue(ctx, qc.Name, m.nodeName); err != nil {
			// Keep the worker; ownership is republished on the next
			// leadership event.
			m.logger.Warn("queue ownership not replicated", "queue", qc.Name, "error", err)
		}
	}
	m.logger.Info("queue added", "queue", qc.Name, "weight", w.Weight())
	return m.handleFor(w), true, nil
}

// GetQueue resolves a name to a handle, local first, then the replicated
// registry, then the leader.
func (m *Manager) GetQueue(ctx context.Context, name string) (Handle, bool) {
	if h, ok := m.localHandle(name); ok {
		return h, true
	}
	if m.cluster == nil {
		return Handle{}, false
	}
	if owner, ok := m.cluster.Owner(name); ok {
		return Handle{Name: name, Owner: owner, Local: owner == m.nodeName}, true
	}
	if !m.cluster.IsLeader() {
		owner, ok, err := m.cluster.LeaderQueryQueue(ctx, name)
		if err != nil {
			m.logger.Warn("leader queue lookup failed", "queue", name, "error", err)
			return Handle{}, false
		}
		if ok {
			return Handle{Name: name, Owner: owner}, true
		}
	}
	return Handle{}, false
}

// QueryQueue reports whether the named queue exists anywhere.
func (m *Manager) QueryQueue(ctx context.Context, name string) bool {
	_, ok := m.GetQueue(ctx, name)
	return ok
}

// Queues lists every queue in the cluster, sorted by name. The local
// worker set overrides the registry for queues this node owns.
func (m *Manager) Queues(ctx context.Context) []Handle {
	byName := make(map[string]Handle)
	if m.cluster != nil {
		reg := m.cluster.Registry()
		if !m.cluster.IsLeader() {
			if lr, err := m.cluster.LeaderQueues(ctx); err == nil {
				reg = lr
			} else {
				m.logger.Warn("leader queue list failed, using local registry", "error", err)
			}
		}
		for name, owner := range reg {
			byName[name] = Handle{Name: name, Owner: owner, Local: owner == m.nodeName}
		}
	}

	m.mu.RLock()
	for name, w := range m.workers {
		byName[name] = m.handleFor(w)
	}
	m.mu.RUnlock()

	out := make([]Handle, 0, len(byName))
	for _, h := range byName {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetBestBindableQueues ranks this node's queues that currently hold a
// call, best first.
func (m *Manager) GetBestBindableQueues() []Ranked {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()
	return rankBindable(workers)
}

// EnqueueCall adds a call to the named queue with the default priority.
// The connection worker's queue transfer lands here.
func (m *Manager) EnqueueCall(ctx context.Context, queueName string, call *agent.Call) error {
	return m.Enqueue(ctx, queueName, call, DefaultPriority)
}

// Enqueue adds a call with an explicit priority, forwarding to the owner
// node when the queue is not local.
func (m *Manager) Enqueue(ctx context.Context, queueName string, call *agent.Call, priority int) error {
	m.mu.RLock()
	w := m.workers[queueName]
	m.mu.RUnlock()
	if w != nil {
		return w.Enqueue(call, priority)
	}
	if m.cluster != nil {
		if owner, ok := m.cluster.Owner(queueName); ok && owner != m.nodeName {
			return m.cluster.RemoteEnqueue(ctx, owner, queueName,
				call.ID, string(call.Type), call.Client, call.CallerID, priority)
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
}

// EnqueueRemote rebuilds a call shell forwarded from another node and
// queues it locally. The cluster RPC server calls this.
func (m *Manager) EnqueueRemote(queueName, callID, mediaType, client, callerID string, priority int) error {
	mt, err := agent.ParseMediaType(mediaType)
	if err != nil {
		return err
	}
	m.mu.RLock()
	w := m.workers[queueName]
	m.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	call := agent.NewCall(mt, client, callerID, nil)
	call.ID = callID
	return w.Enqueue(call, priority)
}

// LeaderElected runs after this node wins an election. Local ownership is
// republished; registry adds are idempotent.
func (m *Manager) LeaderElected(ctx context.Context) {
	m.logger.Info("leadership acquired, republishing local queues")
	m.republish(ctx)
}

// LeaderSurrendered runs when another node takes the leadership, including
// a rejoin after a partition. The new leader's registry is canonical: local
// workers it assigns to another node are ceded, the rest republished. If a
// queue was adopted elsewhere while this node was cut off, both sides held a
// live worker until this point; stopping the loser restores a single owner.
func (m *Manager) LeaderSurrendered(ctx context.Context) {
	m.logger.Info("leadership surrendered, reconciling local queues")
	if m.cluster == nil {
		return
	}
	canon, err := m.cluster.LeaderQueues(ctx)
	if err != nil {
		m.logger.Warn("leader registry unavailable, republishing without reconciling", "error", err)
		m.republish(ctx)
		return
	}
	m.mu.Lock()
	var ceded []*Worker
	for name, w := range m.workers {
		if owner, ok := canon[name]; ok && owner != m.nodeName {
			delete(m.workers, name)
			ceded = append(ceded, w)
		}
	}
	m.mu.Unlock()
	for _, w := range ceded {
		w.Stop()
		m.logger.Info("queue ceded to new owner", "queue", w.Name(), "owner", canon[w.Name()])
	}
	m.republish(ctx)
}

func (m *Manager) republish(ctx context.Context) {
	if m.cluster == nil {
		return
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		if err := m.cluster.PublishQueue(ctx, name, m.nodeName); err != nil {
			m.logger.Warn("republish failed", "queue", name, "error", err)
		}
	}
}

// NodeDown adopts the queues owned by a dead node. Only the leader acts.
// Each orphaned queue restarts locally from the persisted config, and the
// config schema is re-asserted as authoritative afterwards.
func (m *Manager) NodeDown(ctx context.Context, node string) {
	if m.cluster == nil || node == m.nodeName || !m.cluster.IsLeader() {
		return
	}
	var orphaned []string
	for name, owner := range m.cluster.Registry() {
		if owner == node {
			orphaned = append(orphaned, name)
		}
	}
	sort.Strings(orphaned)
	if err := m.cluster.RetractNode(ctx, node); err != nil {
		m.logger.Warn("registry retract for downed node failed", "node", node, "error", err)
	}

	adopted := 0
	for _, name := range orphaned {
		qc, err := m.store.GetQueueConfig(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("no stored config for orphaned queue", "queue", name)
			continue
		}
		if err != nil {
			m.logger.Error("orphaned queue config lookup failed", "queue", name, "error", err)
			continue
		}
		if _, created, err := m.AddQueue(ctx, qc); err != nil {
			m.logger.Error("queue adoption failed", "queue", name, "error", err)
		} else if created {
			adopted++
		}
	}
	if err := m.store.AssertMaster(ctx); err != nil {
		m.logger.Warn("config master assertion failed", "error", err)
	}
	m.logger.Info("node down handled", "node", node, "orphaned", len(orphaned), "adopted", adopted)
}

// Close stops every local worker. Stopped workers are not restarted.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// supervise restarts a worker that exits without a deliberate stop, using
// the persisted config. A queue whose config is gone is dropped from the
// registry instead.
func (m *Manager) supervise(w *Worker) {
	<-w.Done()
	if w.ExitReason() == reasonStopped {
		return
	}
	m.mu.Lock()
	if m.workers[w.Name()] != w {
		m.mu.Unlock()
		return
	}
	delete(m.workers, w.Name())
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	qc, err := m.store.GetQueueConfig(ctx, w.Name())
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("queue config gone, dropping queue", "queue", w.Name())
		if m.cluster != nil {
			if rerr := m.cluster.RetractQueue(ctx, w.Name()); rerr != nil {
				m.logger.Warn("registry retract failed", "queue", w.Name(), "error", rerr)
			}
		}
		return
	}
	if err != nil {
		m.logger.Error("queue restart config lookup failed", "queue", w.Name(), "error", err)
		return
	}

	nw := StartWorker(WorkerConfig{
		Name:   qc.Name,
		Recipe: qc.Recipe,
		Weight: qc.Weight,
		Logger: m.base,
	})
	m.mu.Lock()
	if m.closed || m.workers[qc.Name] != nil {
		m.mu.Unlock()
		nw.Stop()
		return
	}
	m.workers[qc.Name] = nw
	m.mu.Unlock()
	go m.supervise(nw)
	m.logger.Info("queue worker restarted", "queue", qc.Name, "exit_reason", w.ExitReason())
}

// localHandle returns the handle for a locally-running queue.
func (m *Manager) localHandle(name string) (Handle, bool) {
	m.mu.RLock()
	w := m.workers[name]
	m.mu.RUnlock()
	if w == nil {
		return Handle{}, false
	}
	return m.handleFor(w), true
}

func (m *Manager) handleFor(w *Worker) Handle {
	return Handle{
		Name:      w.Name(),
		Owner:     m.nodeName,
		Local:     true,
		Weight:    w.Weight(),
		CallCount: w.CallCount(),
	}
}
