// ABOUTME: Per-session connection worker: poll queue, idle timer, kill path
// ABOUTME: Implements agent.Notifier by serializing events for the browser

package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/store"
)

var (
	// ErrKilled is returned by operations on a terminated worker.
	ErrKilled = errors.New("connection killed")

	// ErrPollTimeout is returned when a poll's bounded wait expires with
	// nothing to deliver. The session stays intact.
	ErrPollTimeout = errors.New("poll timed out")

	// ErrUnknownFunction is returned for verbs outside the allowlist.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrNotPermitted is returned when the agent's security level does not
	// cover the verb.
	ErrNotPermitted = errors.New("not permitted")
)

// Queues is the slice of the queue layer the transfer verbs use.
type Queues interface {
	EnqueueCall(ctx context.Context, queueName string, call *agent.Call) error
}

// Config carries the worker's collaborators.
type Config struct {
	SessionID string
	Agent     *agent.Agent
	Agents    *agent.Registry
	Store     store.Store
	Queues    Queues
	Events    *event.Manager
	CDR       agent.CDRSink

	// IdleTimeout kills the worker when no KeepAlive arrives in time.
	// Zero disables the timer (tests).
	IdleTimeout time.Duration

	Logger *slog.Logger
}

type pollResult struct {
	events []map[string]any
	killed bool
	reason string
}

// Worker is one logged-in agent session. It queues events for the browser's
// long poll and forwards API verbs to the agent FSM.
type Worker struct {
	sessionID string
	agent     *agent.Agent
	agents    *agent.Registry
	store     store.Store
	queues    Queues
	events    *event.Manager
	cdr       agent.CDRSink
	base      *slog.Logger
	logger    *slog.Logger

	mu          sync.Mutex
	queue       []map[string]any
	unacked     map[uint64]map[string]any
	counter     uint64
	poller      chan pollResult
	idle        *time.Timer
	idleTimeout time.Duration
	killed      bool
	killReason  string

	done chan struct{}
}

// NewWorker creates the worker, attaches it to the agent as its notifier,
// and arms the idle timer.
func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		sessionID:   cfg.SessionID,
		agent:       cfg.Agent,
		agents:      cfg.Agents,
		store:       cfg.Store,
		queues:      cfg.Queues,
		events:      cfg.Events,
		cdr:         cfg.CDR,
		base:        logger,
		idleTimeout: cfg.IdleTimeout,
		unacked:     make(map[uint64]map[string]any),
		done:        make(chan struct{}),
	}
	w.logger = logger.With("component", "conn",
		"session_id", cfg.SessionID,
		"login", cfg.Agent.Login())

	if cfg.IdleTimeout > 0 {
		w.idle = time.AfterFunc(cfg.IdleTimeout, func() {
			w.Kill("idle timeout")
		})
	}

	cfg.Agent.Attach(w)
	return w
}

// SessionID returns the session this worker is bound to.
func (w *Worker) SessionID() string { return w.sessionID }

// Agent returns the agent FSM behind this session.
func (w *Worker) Agent() *agent.Agent { return w.agent }

// Login returns the bound agent's login name.
func (w *Worker) Login() string { return w.agent.Login() }

// Done is closed when the worker is killed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// KillReason describes why the worker died. Valid after Done.
func (w *Worker) KillReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killReason
}

// KeepAlive resets the idle timer. Called for every request that reaches
// this session.
func (w *Worker) KeepAlive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idle != nil && !w.killed {
		w.idle.Reset(w.idleTimeout)
	}
}

// Poll delivers pending events, or waits until events arrive, the context
// expires (ErrPollTimeout), or the worker dies (ErrKilled). A newer poll
// supersedes this one with an empty flush.
func (w *Worker) Poll(ctx context.Context) ([]map[string]any, error) {
	w.mu.Lock()
	if w.killed {
		reason := w.killReason
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKilled, reason)
	}
	if len(w.queue) > 0 {
		evs := w.flushLocked()
		w.mu.Unlock()
		return evs, nil
	}
	if w.poller != nil {
		// Supersede the previous poller with an empty flush.
		w.poller <- pollResult{}
	}
	ch := make(chan pollResult, 1)
	w.poller = ch
	w.mu.Unlock()

	select {
	case res := <-ch:
		if res.killed {
			return nil, fmt.Errorf("%w: %s", ErrKilled, res.reason)
		}
		return res.events, nil
	case <-ctx.Done():
		w.mu.Lock()
		taken := w.poller != ch
		if !taken {
			w.poller = nil
		}
		w.mu.Unlock()
		if !taken {
			return nil, ErrPollTimeout
		}
		// A flush, kill, or supersede claimed the channel before the
		// timeout could unregister it. The claimant's buffered send is
		// committed, so this receive completes; dropping it here would
		// strand the flushed batch in the unacked set.
		res := <-ch
		if res.killed {
			return nil, fmt.Errorf("%w: %s", ErrKilled, res.reason)
		}
		return res.events, nil
	}
}

// Ack acknowledges delivery of the event with the given counter.
func (w *Worker) Ack(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.unacked[counter]; !ok {
		return false
	}
	delete(w.unacked, counter)
	return true
}

// Err records a client-side failure handling the event with the given
// counter. The event is dropped either way.
func (w *Worker) Err(counter uint64, message string) {
	w.mu.Lock()
	_, known := w.unacked[counter]
	delete(w.unacked, counter)
	w.mu.Unlock()
	w.logger.Warn("client reported event error",
		"counter", counter,
		"known", known,
		"message", message)
}

// SetEndpoint replaces the agent's default endpoint spec.
func (w *Worker) SetEndpoint(spec agent.EndpointSpec) {
	w.agent.SetEndpoint(spec)
}

// DumpAgent returns the immutable agent view.
func (w *Worker) DumpAgent() agent.Snapshot {
	return w.agent.Snapshot()
}

// Kill terminates the worker: pending polls fail, the agent and its
// channels are stopped, and the registry entry is dropped. Idempotent.
func (w *Worker) Kill(reason string) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.killed = true
	w.killReason = reason
	poller := w.poller
	w.poller = nil
	if w.idle != nil {
		w.idle.Stop()
	}
	w.mu.Unlock()

	if poller != nil {
		poller <- pollResult{killed: true, reason: reason}
	}
	close(w.done)

	w.agent.Stop()
	if w.agents != nil {
		w.agents.Unregister(w.agent)
	}
	w.logger.Info("connection killed", "reason", reason)
}

// push queues one event and wakes the waiting poller, if any.
func (w *Worker) push(command string, fields map[string]any) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.counter++
	ev := make(map[string]any, len(fields)+2)
	ev["command"] = command
	ev["counter"] = w.counter
	for k, v := range fields {
		ev[k] = v
	}
	w.queue = append(w.queue, ev)

	var poller chan pollResult
	var evs []map[string]any
	if w.poller != nil {
		poller = w.poller
		w.poller = nil
		evs = w.flushLocked()
	}
	w.mu.Unlock()

	if poller != nil {
		poller <- pollResult{events: evs}
	}
}

// flushLocked moves the queue into the unacked set and returns it. Caller
// holds the mutex.
func (w *Worker) flushLocked() []map[string]any {
	evs := w.queue
	w.queue = nil
	for _, ev := range evs {
		if n, ok := ev["counter"].(uint64); ok {
			w.unacked[n] = ev
		}
	}
	return evs
}

// AState implements agent.Notifier.
func (w *Worker) AState(avail agent.Availability, release *agent.Release, since time.Time) {
	fields := map[string]any{
		"state":     string(avail),
		"statetime": since.Unix(),
	}
	if release != nil {
		fields["statedata"] = release
	}
	w.push("astate", fields)
}

// SetChannel implements agent.Notifier.
func (w *Worker) SetChannel(channelID string, state agent.ChannelState, call agent.CallSummary) {
	w.push("setchannel", map[string]any{
		"channelid": channelID,
		"state":     string(state),
		"call":      call,
	})
}

// EndChannel implements agent.Notifier.
func (w *Worker) EndChannel(channelID string) {
	w.push("endchannel", map[string]any{
		"channelid": channelID,
	})
}

// MediaEvent implements agent.Notifier.
func (w *Worker) MediaEvent(channelID string, data map[string]any) {
	w.push("mediaevent", map[string]any{
		"channelid": channelID,
		"media":     data,
	})
}

// Blab implements agent.Notifier.
func (w *Worker) Blab(from, text string) {
	w.push("blab", map[string]any{
		"from": from,
		"text": text,
	})
}
