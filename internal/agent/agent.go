// ABOUTME: Per-agent availability state machine and the live-agent registry
// ABOUTME: Owns channels, fans astate changes out to the browser session

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/store"
)

// Availability is the agent-level state: released (not taking calls) or
// idle (ready for routing). Channel states live on the channels themselves.
type Availability string

const (
	AvailReleased Availability = "released"
	AvailIdle     Availability = "idle"
)

// Release carries the reason an agent is not taking calls.
type Release struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Bias  int    `json:"bias"`
}

// DefaultRelease is used at login and when no release option is named.
var DefaultRelease = Release{ID: "default", Label: "Default", Bias: 0}

// ErrAgentStopped is returned by operations on an agent that has logged out.
var ErrAgentStopped = errors.New("agent stopped")

// Notifier receives the events an agent's browser session must see. The
// connection worker implements this by queueing poll events.
type Notifier interface {
	AState(avail Availability, release *Release, since time.Time)
	SetChannel(channelID string, state ChannelState, call CallSummary)
	EndChannel(channelID string)
	MediaEvent(channelID string, data map[string]any)
	Blab(from, text string)
}

// Snapshot is the immutable agent view returned by check_cookie and
// dump_agent. Times are unix seconds.
type Snapshot struct {
	Login     string   `json:"login"`
	Profile   string   `json:"profile"`
	Security  string   `json:"securitylevel"`
	Skills    []string `json:"skills,omitempty"`
	State     string   `json:"state"`
	StateData any      `json:"statedata,omitempty"`
	StateTime int64    `json:"statetime"`
	Timestamp int64    `json:"timestamp"`
}

// Agent is the in-memory record of one logged-in operator. It is created at
// successful authentication and stopped on logout or connection loss.
// Channels are linked to the agent: stopping the agent kills them.
type Agent struct {
	id       string
	login    string
	profile  string
	security string
	skills   []string

	events *event.Manager
	logger *slog.Logger

	mu        sync.Mutex
	endpoint  EndpointSpec
	avail     Availability
	release   Release
	stateTime time.Time
	channels  map[string]*Channel
	notifier  Notifier
	stopped   bool
}

// New creates an agent FSM from its stored record. Agents start released
// with the default reason; the client flips them idle when ready. The
// record's ring path seeds the default endpoint until login options or the
// set_endpoint verb replace it.
func New(rec store.Agent, events *event.Manager, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, _ := ResolveEndpointSpec("", "", rec.Login, rec.RingPath == store.RingPathOutband)
	return &Agent{
		id:        rec.ID,
		login:     rec.Login,
		profile:   rec.Profile,
		security:  rec.Security,
		skills:    append([]string(nil), rec.Skills...),
		events:    events,
		logger:    logger.With("component", "agent", "login", rec.Login),
		endpoint:  endpoint,
		avail:     AvailReleased,
		release:   DefaultRelease,
		stateTime: time.Now().UTC(),
		channels:  make(map[string]*Channel),
	}
}

// ID returns the stored agent id.
func (a *Agent) ID() string { return a.id }

// Login returns the agent's login name.
func (a *Agent) Login() string { return a.login }

// Profile returns the agent's profile name.
func (a *Agent) Profile() string { return a.profile }

// Security returns the agent's security level.
func (a *Agent) Security() string { return a.security }

// Skills returns a copy of the agent's skill list.
func (a *Agent) Skills() []string {
	return append([]string(nil), a.skills...)
}

// Attach binds the notifier that receives this agent's session events,
// replacing any previous one.
func (a *Agent) Attach(n Notifier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifier = n
}

// SetEndpoint replaces the agent's default endpoint. Applied at login and by
// the set_endpoint verb; channels created afterwards use the new spec.
func (a *Agent) SetEndpoint(spec EndpointSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoint = spec
	a.logger.Debug("endpoint set",
		"endpoint_type", string(spec.Type),
		"ring_path", string(spec.RingPath))
}

// Endpoint returns the agent's current default endpoint spec.
func (a *Agent) Endpoint() EndpointSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoint
}

// GoIdle marks the agent ready for routing. Any channel still in wrapup is
// stopped first (ending wrapup is implied by going idle).
func (a *Agent) GoIdle() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrAgentStopped
	}
	old := a.avail
	a.avail = AvailIdle
	a.release = Release{}
	a.stateTime = time.Now().UTC()
	since := a.stateTime
	notifier := a.notifier
	channels := make([]*Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		channels = append(channels, ch)
	}
	a.mu.Unlock()

	// Going idle ends any after-call work. State queries happen outside the
	// agent lock: channels take it back during their own transitions.
	for _, ch := range channels {
		if ch.State() != StateWrapup {
			continue
		}
		if err := ch.Stop(); err != nil {
			a.logger.Warn("ending wrapup on idle failed", "channel_id", ch.ID(), "error", err)
		}
	}

	if notifier != nil {
		notifier.AState(AvailIdle, nil, since)
	}
	if a.events != nil {
		a.events.AgentState(a.login, string(old), string(AvailIdle), nil)
	}
	a.logger.Info("agent idle")
	return nil
}

// SetRelease marks the agent released with the given reason.
func (a *Agent) SetRelease(rel Release) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrAgentStopped
	}
	old := a.avail
	a.avail = AvailReleased
	a.release = rel
	a.stateTime = time.Now().UTC()
	since := a.stateTime
	notifier := a.notifier
	a.mu.Unlock()

	if notifier != nil {
		r := rel
		notifier.AState(AvailReleased, &r, since)
	}
	if a.events != nil {
		a.events.AgentState(a.login, string(old), string(AvailReleased), map[string]any{
			"reason": rel.Label,
			"bias":   rel.Bias,
		})
	}
	a.logger.Info("agent released", "reason", rel.Label)
	return nil
}

// Available reports whether the agent is idle and has no active channels.
func (a *Agent) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.stopped && a.avail == AvailIdle && len(a.channels) == 0
}

// Availability returns the current agent-level state.
func (a *Agent) Availability() Availability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avail
}

// Snapshot returns the immutable view served to clients.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Login:     a.login,
		Profile:   a.profile,
		Security:  a.security,
		Skills:    append([]string(nil), a.skills...),
		State:     string(a.avail),
		StateTime: a.stateTime.Unix(),
		Timestamp: time.Now().Unix(),
	}
	if a.avail == AvailReleased {
		snap.StateData = a.release
	}
	return snap
}

// Channels returns the agent's live channels.
func (a *Agent) Channels() []*Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		out = append(out, ch)
	}
	return out
}

// Channel returns the live channel with the given id.
func (a *Agent) Channel(id string) (*Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	return ch, ok
}

// OncallChannel returns the channel currently in oncall, if any. Transfer
// verbs operate on it.
func (a *Agent) OncallChannel() (*Channel, bool) {
	for _, ch := range a.Channels() {
		if ch.State() == StateOncall {
			return ch, true
		}
	}
	return nil, false
}

// Blab forwards a supervisor message to the agent's session.
func (a *Agent) Blab(from, text string) {
	a.mu.Lock()
	notifier := a.notifier
	a.mu.Unlock()

	if notifier != nil {
		notifier.Blab(from, text)
	}
	if a.events != nil {
		a.events.Blab(a.login, from, text)
	}
}

// Stop kills every channel and marks the agent dead. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	channels := make([]*Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		channels = append(channels, ch)
	}
	a.mu.Unlock()

	for _, ch := range channels {
		ch.Kill("agent stopped")
	}
	a.logger.Info("agent stopped")
}

func (a *Agent) addChannel(ch *Channel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrAgentStopped
	}
	a.channels[ch.ID()] = ch
	return nil
}

func (a *Agent) removeChannel(id string) {
	a.mu.Lock()
	delete(a.channels, id)
	a.mu.Unlock()
}

func (a *Agent) getNotifier() Notifier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notifier
}

// Registry tracks the logged-in agents by login name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *slog.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger.With("component", "agents"),
	}
}

// Register inserts the agent, returning any agent previously registered
// under the same login. The caller stops the evicted agent's session
// (second login wins).
func (r *Registry) Register(a *Agent) (evicted *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.agents[a.Login()]
	r.agents[a.Login()] = a
	r.logger.Debug("agent registered", "login", a.Login(), "evicted", evicted != nil)
	return evicted
}

// Unregister removes the agent only if it is still the registered one for
// its login. Protects against a replaced agent's late logout removing its
// successor.
func (r *Registry) Unregister(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[a.Login()]; ok && cur == a {
		delete(r.agents, a.Login())
		r.logger.Debug("agent unregistered", "login", a.Login())
	}
}

// Get returns the live agent for a login.
func (r *Registry) Get(login string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[login]
	return a, ok
}

// List returns snapshots of all logged-in agents.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	return out
}

// ListAvailable returns snapshots of agents currently idle with no active
// channel, the get_avail_agents result.
func (r *Registry) ListAvailable() []Snapshot {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		if a.Available() {
			out = append(out, a.Snapshot())
		}
	}
	return out
}

// Len returns the number of logged-in agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
