// ABOUTME: Per-queue worker goroutine owning the ordered call set
// ABOUTME: Single goroutine with a typed inbox; manager supervises Done

package queue

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
)

const (
	// DefaultPriority is assigned to calls enqueued without an explicit
	// priority. Lower values are served first.
	DefaultPriority = 10

	// DefaultWeight is used for queues configured without a weight.
	DefaultWeight = 1
)

// ErrWorkerStopped is returned by operations on a worker whose goroutine
// has exited.
var ErrWorkerStopped = errors.New("queue worker stopped")

// reasonStopped marks a deliberate shutdown. The manager restarts workers
// that exit with any other reason.
const reasonStopped = "stopped"

// QueuedCall is one waiting call together with its queue position keys.
type QueuedCall struct {
	Priority    int
	EnqueueTime time.Time
	Call        *agent.Call
}

// WorkerConfig carries everything a queue worker needs at construction.
type WorkerConfig struct {
	Name string

	// Recipe is stored verbatim and reported back on snapshots. The
	// gateway does not execute recipes.
	Recipe string

	Weight int
	Logger *slog.Logger
}

// Worker owns one queue's calls. All state lives in the run goroutine;
// public methods post messages and wait for the reply.
type Worker struct {
	name   string
	recipe string
	weight int
	logger *slog.Logger

	inbox chan queueMsg
	done  chan struct{}

	// Owned by the run goroutine: sorted by (priority asc, enqueue asc).
	calls []QueuedCall

	// Written before done closes, readable after.
	exitReason string
}

type queueMsgKind int

const (
	msgEnqueue queueMsgKind = iota
	msgAsk
	msgCount
	msgRemove
	msgCalls
	msgStop
)

type queueMsg struct {
	kind   queueMsgKind
	queued QueuedCall
	callID string
	reason string
	reply  chan queueReply
}

type queueReply struct {
	queued QueuedCall
	ok     bool
	count  int
	calls  []QueuedCall
}

// StartWorker spawns the queue goroutine. Weight defaults when absent.
func StartWorker(cfg WorkerConfig) *Worker {
	if cfg.Weight < 1 {
		cfg.Weight = DefaultWeight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:   cfg.Name,
		recipe: cfg.Recipe,
		weight: cfg.Weight,
		logger: logger.With("component", "queue", "queue", cfg.Name),
		inbox:  make(chan queueMsg, 8),
		done:   make(chan struct{}),
	}
	go w.run()
	w.logger.Info("queue worker started", "weight", cfg.Weight)
	return w
}

// Name returns the queue name.
func (w *Worker) Name() string { return w.name }

// Recipe returns the stored recipe text.
func (w *Worker) Recipe() string { return w.recipe }

// Weight returns the configured queue weight.
func (w *Worker) Weight() int { return w.weight }

// Done closes when the worker goroutine exits, for any reason.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitReason reports why the worker exited. Valid once Done is closed.
func (w *Worker) ExitReason() string { return w.exitReason }

// Enqueue adds a call with the given priority. The enqueue time is stamped
// now.
func (w *Worker) Enqueue(call *agent.Call, priority int) error {
	_, err := w.send(queueMsg{kind: msgEnqueue, queued: QueuedCall{
		Priority:    priority,
		EnqueueTime: time.Now().UTC(),
		Call:        call,
	}})
	return err
}

// Requeue puts a previously-taken call back without losing its original
// priority or enqueue time, so a failed ring does not cost the caller
// their place.
func (w *Worker) Requeue(qc QueuedCall) error {
	_, err := w.send(queueMsg{kind: msgEnqueue, queued: qc})
	return err
}

// Ask returns the call the queue would hand out next, without removing it.
// A call is bindable while it is still in the queue; taken calls are not.
func (w *Worker) Ask() (QueuedCall, bool) {
	r, err := w.send(queueMsg{kind: msgAsk})
	if err != nil {
		return QueuedCall{}, false
	}
	return r.queued, r.ok
}

// CallCount returns the number of waiting calls.
func (w *Worker) CallCount() int {
	r, err := w.send(queueMsg{kind: msgCount})
	if err != nil {
		return 0
	}
	return r.count
}

// Remove takes the identified call out of the queue and returns it.
func (w *Worker) Remove(callID string) (QueuedCall, bool) {
	r, err := w.send(queueMsg{kind: msgRemove, callID: callID})
	if err != nil {
		return QueuedCall{}, false
	}
	return r.queued, r.ok
}

// Calls returns a snapshot of the waiting calls in queue order.
func (w *Worker) Calls() []QueuedCall {
	r, err := w.send(queueMsg{kind: msgCalls})
	if err != nil {
		return nil
	}
	return r.calls
}

// Stop shuts the worker down deliberately. The manager will not restart it.
func (w *Worker) Stop() {
	w.send(queueMsg{kind: msgStop, reason: reasonStopped}) //nolint:errcheck
}

// kill stops the worker with a non-deliberate reason, as when its node
// lost the queue to adoption. The manager treats it like a crash unless
// it initiated the kill itself.
func (w *Worker) kill(reason string) {
	w.send(queueMsg{kind: msgStop, reason: reason}) //nolint:errcheck
}

func (w *Worker) send(m queueMsg) (queueReply, error) {
	m.reply = make(chan queueReply, 1)
	select {
	case w.inbox <- m:
	case <-w.done:
		return queueReply{}, ErrWorkerStopped
	}
	select {
	case r := <-m.reply:
		return r, nil
	case <-w.done:
		// The handler may have replied just before exiting.
		select {
		case r := <-m.reply:
			return r, nil
		default:
			return queueReply{}, ErrWorkerStopped
		}
	}
}

func (w *Worker) run() {
	for m := range w.inbox {
		if w.handle(m) {
			break
		}
	}
	close(w.done)
	w.logger.Info("queue worker exited", "reason", w.exitReason, "waiting", len(w.calls))
}

// handle processes one message. Returning true exits the run loop.
func (w *Worker) handle(m queueMsg) bool {
	switch m.kind {
	case msgEnqueue:
		w.insert(m.queued)
		w.logger.Debug("call queued",
			"call", m.queued.Call.ID,
			"priority", m.queued.Priority,
			"depth", len(w.calls))
		m.reply <- queueReply{ok: true}

	case msgAsk:
		if len(w.calls) == 0 {
			m.reply <- queueReply{}
			break
		}
		m.reply <- queueReply{queued: w.calls[0], ok: true}

	case msgCount:
		m.reply <- queueReply{count: len(w.calls)}

	case msgRemove:
		for i, qc := range w.calls {
			if qc.Call.ID == m.callID {
				w.calls = append(w.calls[:i], w.calls[i+1:]...)
				m.reply <- queueReply{queued: qc, ok: true}
				return false
			}
		}
		m.reply <- queueReply{}

	case msgCalls:
		snap := make([]QueuedCall, len(w.calls))
		copy(snap, w.calls)
		m.reply <- queueReply{calls: snap}

	case msgStop:
		w.exitReason = m.reason
		m.reply <- queueReply{ok: true}
		return true
	}
	return false
}

// insert keeps calls sorted by priority ascending, then enqueue time
// ascending, so the head is always the next call to hand out.
func (w *Worker) insert(qc QueuedCall) {
	i := sort.Search(len(w.calls), func(i int) bool {
		if w.calls[i].Priority != qc.Priority {
			return w.calls[i].Priority > qc.Priority
		}
		return w.calls[i].EnqueueTime.After(qc.EnqueueTime)
	})
	w.calls = append(w.calls, QueuedCall{})
	copy(w.calls[i+1:], w.calls[i:])
	w.calls[i] = qc
}
