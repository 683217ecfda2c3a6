// ABOUTME: Routes queued calls onto agents as they become available
// ABOUTME: Watches availability events and offers the best-ranked waiting call

// Package route binds idle agents to waiting calls. It subscribes to the
// availability event stream; whenever an agent turns idle (or frees up by
// finishing a channel) it ranks the bindable queues, takes the top call,
// and builds a prering channel on the agent's default endpoint. A failed
// offer puts the call back with its original queue position.
package route

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/queue"
	"github.com/2389/cpx-gateway/internal/store"
)

// storeTimeout bounds the client wrapup-option lookup per offer.
const storeTimeout = 2 * time.Second

// Config carries the router's collaborators.
type Config struct {
	Agents *agent.Registry
	Queues *queue.Manager
	Events *event.Manager
	Store  store.Store
	CDR    agent.CDRSink // optional
	Logger *slog.Logger
}

// Router is the single goroutine matching agents to calls. Offers are
// serialized, so two events can never hand one call to two agents.
type Router struct {
	agents *agent.Registry
	queues *queue.Manager
	events *event.Manager
	store  store.Store
	cdr    agent.CDRSink
	base   *slog.Logger
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the router. Close stops it.
func New(cfg Config) *Router {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		agents: cfg.Agents,
		queues: cfg.Queues,
		events: cfg.Events,
		store:  cfg.Store,
		cdr:    cfg.CDR,
		base:   base,
		logger: base.With("component", "route"),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	agentEvs, _ := cfg.Events.Subscribe(ctx, event.TopicAgents)
	chanEvs, _ := cfg.Events.Subscribe(ctx, event.TopicChannels)
	go r.run(ctx, agentEvs, chanEvs)
	return r
}

// Close stops the router and waits for the loop to exit. In-flight offers
// finish; queued events are abandoned.
func (r *Router) Close() {
	r.cancel()
	<-r.done
}

func (r *Router) run(ctx context.Context, agentEvs, chanEvs <-chan *event.Event) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-agentEvs:
			if !ok {
				return
			}
			if ev.Name == event.NameAgentState && ev.NewState == string(agent.AvailIdle) {
				r.tryBind(ev.Agent)
			}
		case ev, ok := <-chanEvs:
			if !ok {
				return
			}
			// A terminated channel may have freed its agent for the next
			// call; the agent's availability did not change, so no astate
			// fires. Channels that died in prering never reached the agent
			// and must not rebind: a failing endpoint would otherwise retry
			// in a tight loop.
			if ev.Name == event.NameTerminatedChannel &&
				ev.OldState != string(agent.StatePrering) {
				r.tryBind(ev.Agent)
			}
		}
	}
}

// tryBind offers the best waiting call to the agent, if it is actually
// available. Remove-before-offer keeps the call bindable nowhere else while
// it rings.
func (r *Router) tryBind(login string) {
	a, ok := r.agents.Get(login)
	if !ok || !a.Available() {
		return
	}
	for _, cand := range r.queues.GetBestBindableQueues() {
		qc, ok := cand.Worker.Remove(cand.Call.Call.ID)
		if !ok {
			// Taken between ranking and removal; the next queue still holds
			// its own head.
			continue
		}
		r.offer(a, cand, qc)
		return
	}
}

// offer builds the prering channel and rings the agent's default endpoint.
func (r *Router) offer(a *agent.Agent, cand queue.Ranked, qc queue.QueuedCall) {
	ch, err := agent.StartChannel(agent.ChannelConfig{
		Agent:         a,
		Call:          qc.Call,
		Endpoint:      a.Endpoint(),
		InitialState:  agent.StatePrering,
		Events:        r.events,
		CDR:           r.cdr,
		AutoEndWrapup: r.autoEndFor(qc.Call.Client),
		Logger:        r.base,
	})
	if err != nil {
		r.logger.Warn("offer channel failed, requeueing",
			"queue", cand.Name,
			"call", qc.Call.ID,
			"login", a.Login(),
			"error", err)
		r.requeue(cand, qc)
		return
	}
	if err := ch.Ring(qc.Call); err != nil {
		ch.Kill("ring failed")
		r.logger.Warn("ring failed, requeueing",
			"queue", cand.Name,
			"call", qc.Call.ID,
			"login", a.Login(),
			"error", err)
		r.requeue(cand, qc)
		return
	}
	r.logger.Info("call routed",
		"queue", cand.Name,
		"call", qc.Call.ID,
		"login", a.Login(),
		"score", cand.EffectiveWeight)
}

// requeue puts a failed offer back with its original priority and enqueue
// time, so the caller keeps their place in line.
func (r *Router) requeue(cand queue.Ranked, qc queue.QueuedCall) {
	if err := cand.Worker.Requeue(qc); err != nil {
		r.logger.Error("requeue failed, call dropped",
			"queue", cand.Name,
			"call", qc.Call.ID,
			"error", err)
	}
}

// autoEndFor resolves the client's wrapup auto-end option for a routed call.
// Missing clients and lookup failures leave wrapup manual.
func (r *Router) autoEndFor(client string) time.Duration {
	if client == "" || r.store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	cl, err := r.store.GetClient(ctx, client)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("client lookup failed", "client", client, "error", err)
		}
		return 0
	}
	return time.Duration(cl.AutoEndWrapup) * time.Second
}
