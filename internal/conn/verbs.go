// ABOUTME: Verb allowlist for the session API: an explicit handler map, no reflection
// ABOUTME: Handlers translate wire arguments into agent FSM and queue operations

package conn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/store"
)

// storeTimeout bounds config lookups done on behalf of a verb.
const storeTimeout = 2 * time.Second

// VerbError is a failure whose message is safe to hand back to the caller.
// Anything else surfaces as a generic unknown error.
type VerbError struct {
	msg string
}

func (e *VerbError) Error() string { return e.msg }

// Failf builds a user-visible verb failure.
func Failf(format string, args ...any) error {
	return &VerbError{msg: fmt.Sprintf(format, args...)}
}

type verbHandler func(ctx context.Context, w *Worker, args []any) (any, error)

// verbs is the whole API surface a logged-in session can reach. Anything not
// listed here fails with ErrUnknownFunction, whatever the request claims.
var verbs = map[string]verbHandler{
	"set_state":              verbSetState,
	"state":                  verbSetState,
	"ack":                    verbAck,
	"err":                    verbErr,
	"dial":                   verbDial,
	"get_avail_agents":       verbGetAvailAgents,
	"agent_transfer":         verbAgentTransfer,
	"mediapush":              verbMediaPush,
	"warm_transfer":          verbWarmTransfer,
	"warm_transfer_complete": verbWarmTransferComplete,
	"warm_transfer_cancel":   verbWarmTransferCancel,
	"queue_transfer":         verbQueueTransfer,
	"init_outbound":          verbInitOutbound,
	"set_endpoint":           verbSetEndpoint,
	"dump_agent":             verbDumpAgent,
	"supervisor":             verbSupervisor,
}

// API dispatches one verb for this session. The result is the success
// payload. Errors are sentinels (the dispatcher maps those to error codes) or
// VerbErrors carrying a caller-safe message.
func (w *Worker) API(ctx context.Context, function string, args []any) (any, error) {
	w.mu.Lock()
	killed, reason := w.killed, w.killReason
	w.mu.Unlock()
	if killed {
		return nil, fmt.Errorf("%w: %s", ErrKilled, reason)
	}
	h, ok := verbs[function]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	return h(ctx, w, args)
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", Failf("missing argument %d", i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", Failf("argument %d must be a string", i+1)
	}
	return s, nil
}

func optArgString(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

// argCounter accepts both JSON numbers and legacy path segments.
func argCounter(args []any, i int) (uint64, error) {
	if i >= len(args) {
		return 0, Failf("missing argument %d", i+1)
	}
	switch v := args[i].(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, Failf("argument %d must be an event counter", i+1)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, Failf("argument %d must be an event counter", i+1)
		}
		return n, nil
	default:
		return 0, Failf("argument %d must be an event counter", i+1)
	}
}

func verbSetState(ctx context.Context, w *Worker, args []any) (any, error) {
	state, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	switch state {
	case "idle":
		return nil, w.agent.GoIdle()
	case "released":
		rel, err := w.resolveRelease(ctx, optArgString(args, 1))
		if err != nil {
			return nil, err
		}
		return nil, w.agent.SetRelease(rel)
	default:
		return nil, Failf("unknown state %q", state)
	}
}

// resolveRelease maps a wire release id onto a configured option. Empty and
// "default" mean the default reason.
func (w *Worker) resolveRelease(ctx context.Context, id string) (agent.Release, error) {
	if id == "" || id == agent.DefaultRelease.ID {
		return agent.DefaultRelease, nil
	}
	if w.store == nil {
		return agent.Release{}, Failf("unknown release option %q", id)
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	opts, err := w.store.ListReleaseOpts(ctx)
	if err != nil {
		return agent.Release{}, fmt.Errorf("list release opts: %w", err)
	}
	for _, opt := range opts {
		if strconv.FormatInt(opt.ID, 10) == id {
			return agent.Release{ID: id, Label: opt.Label, Bias: opt.Bias}, nil
		}
	}
	return agent.Release{}, Failf("unknown release option %q", id)
}

func verbAck(_ context.Context, w *Worker, args []any) (any, error) {
	n, err := argCounter(args, 0)
	if err != nil {
		return nil, err
	}
	w.Ack(n)
	return nil, nil
}

func verbErr(_ context.Context, w *Worker, args []any) (any, error) {
	n, err := argCounter(args, 0)
	if err != nil {
		return nil, err
	}
	w.Err(n, optArgString(args, 1))
	return nil, nil
}

func verbDial(_ context.Context, w *Worker, args []any) (any, error) {
	number, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	ch, ok := findChannel(w.agent, agent.StatePrecall)
	if !ok {
		return nil, Failf("no outbound call to dial")
	}
	return nil, ch.Dial(number)
}

func verbGetAvailAgents(_ context.Context, w *Worker, _ []any) (any, error) {
	return w.agents.ListAvailable(), nil
}

func verbAgentTransfer(ctx context.Context, w *Worker, args []any) (any, error) {
	target, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	if caseID := optArgString(args, 1); caseID != "" {
		w.logger.Debug("agent transfer case tag", "case", caseID)
	}
	ch, ok := w.agent.OncallChannel()
	if !ok {
		return nil, Failf("no call to transfer")
	}
	ta, ok := w.agents.Get(target)
	if !ok {
		return nil, Failf("agent %q is not logged in", target)
	}
	if !ta.Available() {
		return nil, Failf("agent %q is not available", target)
	}

	call := ch.Call()
	tch, err := w.startChannelOn(ctx, ta, call, agent.StatePrering)
	if err != nil {
		w.logger.Error("transfer channel start failed", "target", target, "error", err)
		return nil, Failf("could not offer the call to %q", target)
	}
	if err := tch.Ring(call); err != nil {
		tch.Kill("transfer offer failed")
		return nil, Failf("could not ring %q", target)
	}
	if err := ch.TransferWrapup(); err != nil {
		return nil, err
	}
	return map[string]any{"agent": target, "channelid": tch.ID()}, nil
}

func verbMediaPush(_ context.Context, w *Worker, args []any) (any, error) {
	if len(args) == 0 {
		return nil, Failf("missing media payload")
	}
	var data map[string]any
	switch v := args[0].(type) {
	case map[string]any:
		data = v
	case string:
		data = map[string]any{"data": v}
	default:
		return nil, Failf("media payload must be an object or a string")
	}
	ch, ok := w.agent.OncallChannel()
	if !ok {
		return nil, Failf("no call to push to")
	}
	return nil, ch.MediaPush(data)
}

func verbWarmTransfer(_ context.Context, w *Worker, args []any) (any, error) {
	number, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	ch, ok := w.agent.OncallChannel()
	if !ok {
		return nil, Failf("no call to transfer")
	}
	// Deprecated pass-through: the media gateway dials the third party on
	// its own; the channel just tracks the hold / consult hops.
	if err := ch.WarmTransferHold(); err != nil {
		return nil, err
	}
	if err := ch.WarmTransfer3rdParty(); err != nil {
		return nil, err
	}
	w.logger.Info("warm transfer consult", "number", number)
	return nil, nil
}

func verbWarmTransferComplete(_ context.Context, w *Worker, args []any) (any, error) {
	ch, ok := findChannel(w.agent, agent.StateWarmTransferHold, agent.StateWarmTransfer3rd)
	if !ok {
		return nil, Failf("no warm transfer in progress")
	}
	if ch.State() == agent.StateWarmTransferHold {
		if err := ch.WarmTransfer3rdParty(); err != nil {
			return nil, err
		}
	}
	return nil, ch.Wrapup(false)
}

func verbWarmTransferCancel(_ context.Context, w *Worker, args []any) (any, error) {
	ch, ok := findChannel(w.agent, agent.StateWarmTransferHold, agent.StateWarmTransfer3rd)
	if !ok {
		return nil, Failf("no warm transfer in progress")
	}
	if ch.State() == agent.StateWarmTransfer3rd {
		if err := ch.WarmTransferHold(); err != nil {
			return nil, err
		}
	}
	return nil, ch.Oncall(nil)
}

func verbQueueTransfer(ctx context.Context, w *Worker, args []any) (any, error) {
	queueName, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	ch, ok := w.agent.OncallChannel()
	if !ok {
		return nil, Failf("no call to transfer")
	}
	if w.queues == nil {
		return nil, Failf("queueing is not available on this node")
	}
	if err := w.queues.EnqueueCall(ctx, queueName, ch.Call()); err != nil {
		w.logger.Error("queue transfer failed", "queue", queueName, "error", err)
		return nil, Failf("could not requeue on %q", queueName)
	}
	return nil, ch.TransferWrapup()
}

func verbInitOutbound(ctx context.Context, w *Worker, args []any) (any, error) {
	client, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	typ, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	mt, err := agent.ParseMediaType(typ)
	if err != nil {
		return nil, Failf("unknown media type %q", typ)
	}
	call := agent.NewCall(mt, client, "", nil)
	ch, err := w.startChannelOn(ctx, w.agent, call, agent.StatePrecall)
	if err != nil {
		if errors.Is(err, agent.ErrAgentStopped) {
			return nil, err
		}
		w.logger.Error("init outbound failed", "client", client, "error", err)
		return nil, Failf("could not start an outbound call")
	}
	return map[string]any{"channelid": ch.ID(), "callid": call.ID}, nil
}

func verbSetEndpoint(_ context.Context, w *Worker, args []any) (any, error) {
	typ, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	data := optArgString(args, 1)
	outband := false
	if len(args) > 2 {
		switch v := args[2].(type) {
		case bool:
			outband = v
		case string:
			outband = v == "true" || v == "outband"
		}
	}
	spec, err := agent.ResolveEndpointSpec(typ, data, w.agent.Login(), outband)
	if err != nil {
		return nil, Failf("bad endpoint: %v", err)
	}
	w.agent.SetEndpoint(spec)
	return nil, nil
}

func verbDumpAgent(_ context.Context, w *Worker, _ []any) (any, error) {
	return w.agent.Snapshot(), nil
}

func verbSupervisor(_ context.Context, w *Worker, args []any) (any, error) {
	switch w.agent.Security() {
	case store.SecuritySupervisor, store.SecurityAdmin:
	default:
		return nil, fmt.Errorf("%w: supervisor access requires elevated security", ErrNotPermitted)
	}
	cmd, err := argString(args, 0)
	if err != nil {
		return nil, err
	}

	switch cmd {
	case "status":
		return map[string]any{
			"agents":    w.agents.Len(),
			"available": len(w.agents.ListAvailable()),
			"channels":  w.events.Props().Len(),
		}, nil

	case "agents":
		return w.agents.List(), nil

	case "channels":
		return w.events.Props().List(), nil

	case "blab":
		target, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		var words []string
		for i := 2; i < len(args); i++ {
			if s, ok := args[i].(string); ok {
				words = append(words, s)
			}
		}
		text := strings.Join(words, " ")
		if text == "" {
			return nil, Failf("nothing to say")
		}
		ta, ok := w.agents.Get(target)
		if !ok {
			return nil, Failf("agent %q is not logged in", target)
		}
		ta.Blab(w.agent.Login(), text)
		return nil, nil

	case "hangup":
		target, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		ta, ok := w.agents.Get(target)
		if !ok {
			return nil, Failf("agent %q is not logged in", target)
		}
		ch, ok := ta.OncallChannel()
		if !ok {
			return nil, Failf("agent %q has no call up", target)
		}
		return nil, ch.Wrapup(true)

	case "endwrapup":
		target, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		ta, ok := w.agents.Get(target)
		if !ok {
			return nil, Failf("agent %q is not logged in", target)
		}
		ch, ok := findChannel(ta, agent.StateWrapup)
		if !ok {
			return nil, Failf("agent %q is not in wrapup", target)
		}
		return nil, ch.Stop()

	default:
		return nil, Failf("unknown supervisor command %q", cmd)
	}
}

// findChannel returns the target's first channel sitting in one of the given
// states.
func findChannel(a *agent.Agent, states ...agent.ChannelState) (*agent.Channel, bool) {
	for _, ch := range a.Channels() {
		st := ch.State()
		for _, want := range states {
			if st == want {
				return ch, true
			}
		}
	}
	return nil, false
}

// startChannelOn builds a channel on the target agent with the worker's
// collaborators, resolving the client's wrapup options along the way.
func (w *Worker) startChannelOn(ctx context.Context, target *agent.Agent, call *agent.Call, initial agent.ChannelState) (*agent.Channel, error) {
	return agent.StartChannel(agent.ChannelConfig{
		Agent:         target,
		Call:          call,
		Endpoint:      target.Endpoint(),
		InitialState:  initial,
		Events:        w.events,
		CDR:           w.cdr,
		AutoEndWrapup: w.autoEndFor(ctx, call.Client),
		Logger:        w.base,
	})
}

// autoEndFor looks up the client's autoend_wrapup option. Missing clients and
// lookup failures leave wrapup manual.
func (w *Worker) autoEndFor(ctx context.Context, client string) time.Duration {
	if client == "" || w.store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	cl, err := w.store.GetClient(ctx, client)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("client lookup failed", "client", client, "error", err)
		}
		return 0
	}
	return time.Duration(cl.AutoEndWrapup) * time.Second
}
