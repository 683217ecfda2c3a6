// ABOUTME: Per-interaction channel state machine (prering through wrapup)
// ABOUTME: Single goroutine with a typed inbox; owns the endpoint lifetime

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/store"
)

// ChannelState is one of the channel FSM states.
type ChannelState string

const (
	StatePrering          ChannelState = "prering"
	StateRinging          ChannelState = "ringing"
	StatePrecall          ChannelState = "precall"
	StateOncall           ChannelState = "oncall"
	StateWarmTransferHold ChannelState = "warmtransfer_hold"
	StateWarmTransfer3rd  ChannelState = "warmtransfer_3rd_party"
	StateWrapup           ChannelState = "wrapup"
)

var (
	// ErrInvalidTransition is returned for inputs the current state does
	// not accept. The channel stays where it is, with no side effects.
	ErrInvalidTransition = errors.New("invalid channel transition")

	// ErrChannelDone is returned by operations on a terminated channel.
	ErrChannelDone = errors.New("channel terminated")
)

// mediaCallTimeout bounds synchronous calls into the media gateway.
const mediaCallTimeout = 5 * time.Second

// CDRSink receives the final call record when a channel terminates from
// wrapup. The gateway backs this with the store.
type CDRSink interface {
	RecordCDR(ctx context.Context, cdr store.CDR)
}

// ChannelConfig carries everything a channel needs at construction.
type ChannelConfig struct {
	Agent        *Agent
	Call         *Call
	Endpoint     EndpointSpec
	InitialState ChannelState // StatePrering or StatePrecall
	Events       *event.Manager
	CDR          CDRSink // optional

	// AutoEndWrapup arms a timer that ends wrapup after this long. Zero
	// leaves wrapup manual. Resolved from the call's client options.
	AutoEndWrapup time.Duration

	Logger *slog.Logger
}

// Channel is one media interaction bound to one agent. All state lives in
// the run goroutine; public methods post messages and wait for the reply.
type Channel struct {
	id     string
	agent  *Agent
	events *event.Manager
	cdr    CDRSink

	autoEnd time.Duration
	logger  *slog.Logger

	inbox chan chanMsg
	done  chan struct{}

	// Owned by the run goroutine once started.
	call        *Call
	spec        EndpointSpec
	endpoint    Endpoint
	state       ChannelState
	startedAt   time.Time
	wrapupTimer *time.Timer

	// Written before done closes, readable after.
	finalState ChannelState
	exitReason string
	exitErr    error
}

type chanMsgKind int

const (
	msgQuery chanMsgKind = iota
	msgRing
	msgOncall
	msgWrapup
	msgWarmHold
	msgWarm3rd
	msgStop
	msgKill
	msgDial
	msgMediaPush
	msgMediaEvent
)

// wrapupMode distinguishes who is tearing the bridge down.
type wrapupMode int

const (
	wrapupSelf     wrapupMode = iota // agent initiated: drive the media into wrapup
	wrapupRemote                     // far side initiated: media may already be gone
	wrapupTransfer                   // call moved to another owner: leave the media alone
)

type chanMsg struct {
	kind   chanMsgKind
	call   *Call
	wrapup wrapupMode
	number string
	data   map[string]any
	reason string
	reply  chan chanReply
}

type chanReply struct {
	state ChannelState
	call  *Call
	err   error
}

// StartChannel constructs a channel, registers its property, announces it,
// starts the endpoint for prering channels, notifies the session, and spawns
// the run goroutine. An endpoint start failure tears everything down again
// and returns the error.
func StartChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Agent == nil || cfg.Call == nil || cfg.Events == nil {
		return nil, errors.New("channel config missing agent, call, or events")
	}
	if cfg.InitialState != StatePrering && cfg.InitialState != StatePrecall {
		return nil, fmt.Errorf("channel cannot start in state %q", cfg.InitialState)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		id:        uuid.New().String(),
		agent:     cfg.Agent,
		events:    cfg.Events,
		cdr:       cfg.CDR,
		autoEnd:   cfg.AutoEndWrapup,
		call:      cfg.Call,
		spec:      cfg.Endpoint,
		state:     cfg.InitialState,
		startedAt: time.Now().UTC(),
		inbox:     make(chan chanMsg, 8),
		done:      make(chan struct{}),
	}
	c.logger = logger.With("component", "channel",
		"channel_id", c.id,
		"login", cfg.Agent.Login())

	// Ring path is the endpoint's to decide; the media path arrived with
	// the call.
	c.call.RingPath = c.spec.RingPath
	c.call.AppendState(string(c.state))
	c.events.ChannelInitiated(c.prop())

	if c.state == StatePrering {
		if err := c.startEndpoint(); err != nil {
			c.events.ChannelTerminated(c.prop())
			return nil, fmt.Errorf("starting endpoint: %w", err)
		}
	}

	if err := c.agent.addChannel(c); err != nil {
		if c.endpoint != nil {
			c.endpoint.Hangup()
		}
		c.events.ChannelTerminated(c.prop())
		return nil, err
	}

	if n := c.agent.getNotifier(); n != nil {
		n.SetChannel(c.id, c.state, c.call.Summary())
	}

	c.logger.Info("channel started",
		"call_id", c.call.ID,
		"state", string(c.state),
		"media_type", string(c.call.Type))

	go c.run()
	return c, nil
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// Call returns the channel's current call. Precall channels swap their
// shell for the live call at oncall, so the pointer is fetched through the
// run goroutine while the channel is alive.
func (c *Channel) Call() *Call {
	m := chanMsg{kind: msgQuery, reply: make(chan chanReply, 1)}
	select {
	case c.inbox <- m:
	case <-c.done:
		return c.call
	}
	select {
	case r := <-m.reply:
		return r.call
	case <-c.done:
		select {
		case r := <-m.reply:
			return r.call
		default:
			return c.call
		}
	}
}

// Done is closed when the channel terminates.
func (c *Channel) Done() <-chan struct{} { return c.done }

// ExitReason describes why the channel ended. Valid after Done.
func (c *Channel) ExitReason() string { return c.exitReason }

// Err returns the terminal error, if the channel ended abnormally.
func (c *Channel) Err() error { return c.exitErr }

// State returns the current state, or the final state after termination.
func (c *Channel) State() ChannelState {
	st, _ := c.send(chanMsg{kind: msgQuery})
	return st
}

// Ring moves a prering channel to ringing. A non-nil call must match the
// channel's call.
func (c *Channel) Ring(call *Call) error {
	_, err := c.send(chanMsg{kind: msgRing, call: call})
	return err
}

// Oncall delivers the answer event. A nil call means the session answered
// (inband ringing); a non-nil call is the media gateway confirming, matched
// by call id (or client, for precall outbound shells). From
// warmtransfer_hold it resumes the conversation.
func (c *Channel) Oncall(call *Call) error {
	_, err := c.send(chanMsg{kind: msgOncall, call: call})
	return err
}

// Wrapup moves an oncall channel to after-call work. self marks agent-side
// initiation, which drives the media into wrapup; otherwise the media is
// assumed to be on its way there already and failures are tolerated.
func (c *Channel) Wrapup(self bool) error {
	mode := wrapupRemote
	if self {
		mode = wrapupSelf
	}
	_, err := c.send(chanMsg{kind: msgWrapup, wrapup: mode})
	return err
}

// TransferWrapup moves an oncall channel to wrapup without touching the
// media: the call itself now belongs to a queue or another agent.
func (c *Channel) TransferWrapup() error {
	_, err := c.send(chanMsg{kind: msgWrapup, wrapup: wrapupTransfer})
	return err
}

// WarmTransferHold parks the caller for a warm transfer.
func (c *Channel) WarmTransferHold() error {
	_, err := c.send(chanMsg{kind: msgWarmHold})
	return err
}

// WarmTransfer3rdParty joins the third party while the caller stays parked.
func (c *Channel) WarmTransfer3rdParty() error {
	_, err := c.send(chanMsg{kind: msgWarm3rd})
	return err
}

// Stop ends a ringing or wrapup channel. Other states refuse.
func (c *Channel) Stop() error {
	_, err := c.send(chanMsg{kind: msgStop})
	if errors.Is(err, ErrChannelDone) {
		return nil
	}
	return err
}

// Kill terminates the channel regardless of state. Used when the owning
// agent goes away.
func (c *Channel) Kill(reason string) {
	_, err := c.send(chanMsg{kind: msgKill, reason: reason})
	_ = err
}

// Dial starts the outbound leg of a precall channel.
func (c *Channel) Dial(number string) error {
	_, err := c.send(chanMsg{kind: msgDial, number: number})
	return err
}

// MediaPush forwards an agent payload to the media while oncall.
func (c *Channel) MediaPush(data map[string]any) error {
	_, err := c.send(chanMsg{kind: msgMediaPush, data: data})
	return err
}

// MediaEvent forwards a media-originated notification to the session.
func (c *Channel) MediaEvent(data map[string]any) error {
	_, err := c.send(chanMsg{kind: msgMediaEvent, data: data})
	return err
}

func (c *Channel) send(m chanMsg) (ChannelState, error) {
	m.reply = make(chan chanReply, 1)
	select {
	case c.inbox <- m:
	case <-c.done:
		return c.finalState, ErrChannelDone
	}
	select {
	case r := <-m.reply:
		return r.state, r.err
	case <-c.done:
		// The handler may have replied just before exiting.
		select {
		case r := <-m.reply:
			return r.state, r.err
		default:
			return c.finalState, ErrChannelDone
		}
	}
}

func (c *Channel) run() {
	defer c.finish()
	for {
		var epDone <-chan struct{}
		if c.endpoint != nil {
			epDone = c.endpoint.Done()
		}
		var wrapupC <-chan time.Time
		if c.wrapupTimer != nil {
			wrapupC = c.wrapupTimer.C
		}

		select {
		case m := <-c.inbox:
			if exit := c.handle(m); exit {
				return
			}
		case <-epDone:
			if exit := c.endpointExited(); exit {
				return
			}
		case <-wrapupC:
			c.logger.Info("wrapup auto-ended", "call_id", c.call.ID)
			c.exitReason = "wrapup timeout"
			return
		}
	}
}

// handle processes one message. Returning true terminates the channel.
func (c *Channel) handle(m chanMsg) bool {
	reply := func(err error) {
		m.reply <- chanReply{state: c.state, call: c.call, err: err}
	}

	switch m.kind {
	case msgQuery:
		reply(nil)

	case msgRing:
		if c.state != StatePrering || (m.call != nil && m.call.ID != c.call.ID) {
			reply(ErrInvalidTransition)
			return false
		}
		c.transition(StateRinging)
		reply(nil)

	case msgOncall:
		return c.handleOncall(m, reply)

	case msgWrapup:
		switch c.state {
		case StateOncall:
			switch m.wrapup {
			case wrapupSelf:
				if err := c.mediaWrapup(); err != nil {
					reply(err)
					return false
				}
			case wrapupRemote:
				c.tryMediaWrapup()
			case wrapupTransfer:
				// The media rides along with the transferred call.
			}
		case StateWarmTransfer3rd:
			// Transfer completed; the third party holds the media now.
		default:
			reply(ErrInvalidTransition)
			return false
		}
		c.enterWrapup()
		reply(nil)

	case msgWarmHold:
		if c.state != StateOncall && c.state != StateWarmTransfer3rd {
			reply(ErrInvalidTransition)
			return false
		}
		c.transition(StateWarmTransferHold)
		reply(nil)

	case msgWarm3rd:
		if c.state != StateWarmTransferHold {
			reply(ErrInvalidTransition)
			return false
		}
		c.transition(StateWarmTransfer3rd)
		reply(nil)

	case msgStop:
		switch c.state {
		case StateRinging:
			c.exitReason = "stopped while ringing"
		case StateWrapup:
			c.exitReason = "wrapup ended"
		default:
			reply(ErrInvalidTransition)
			return false
		}
		reply(nil)
		return true

	case msgKill:
		c.exitReason = m.reason
		reply(nil)
		return true

	case msgDial:
		if c.state != StatePrecall {
			reply(ErrInvalidTransition)
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
		err := c.call.Source.Dial(ctx, m.number)
		cancel()
		if err != nil {
			reply(fmt.Errorf("media dial: %w", err))
			return false
		}
		reply(nil)

	case msgMediaPush:
		if c.state != StateOncall {
			reply(ErrInvalidTransition)
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
		err := c.call.Source.Push(ctx, m.data)
		cancel()
		if err != nil {
			reply(fmt.Errorf("media push: %w", err))
			return false
		}
		reply(nil)

	case msgMediaEvent:
		if n := c.agent.getNotifier(); n != nil {
			n.MediaEvent(c.id, m.data)
		}
		reply(nil)

	default:
		reply(ErrInvalidTransition)
	}
	return false
}

func (c *Channel) handleOncall(m chanMsg, reply func(error)) bool {
	switch c.state {
	case StateRinging:
		switch {
		case m.call == nil:
			// Answer from the session. Only meaningful when ringing rode
			// the event stream.
			if c.call.RingPath != PathInband {
				reply(ErrInvalidTransition)
				return false
			}
			if err := c.mediaOncall(); err != nil {
				reply(err)
				return false
			}
			if c.call.MediaPath == PathOutband && c.endpoint != nil {
				// The driver only carried the media leg setup; once
				// bridged it has no further role.
				c.endpoint.Hangup()
				c.endpoint = nil
			}
			c.transition(StateOncall)
			reply(nil)
		case m.call.ID == c.call.ID:
			c.transition(StateOncall)
			reply(nil)
		default:
			reply(ErrInvalidTransition)
		}

	case StatePrecall:
		if m.call == nil || (m.call.ID != c.call.ID && m.call.Client != c.call.Client) {
			reply(ErrInvalidTransition)
			return false
		}
		// Adopt the live call from the media gateway.
		if m.call != c.call {
			m.call.RingPath = c.call.RingPath
			c.call = m.call
		}
		c.transition(StateOncall)
		reply(nil)

	case StateWarmTransferHold:
		// Resume the held conversation.
		c.transition(StateOncall)
		reply(nil)

	default:
		reply(ErrInvalidTransition)
	}
	return false
}

func (c *Channel) endpointExited() bool {
	err := c.endpoint.Err()
	c.endpoint = nil

	switch c.state {
	case StateOncall:
		c.logger.Info("endpoint exited oncall, moving to wrapup", "call_id", c.call.ID)
		c.tryMediaWrapup()
		c.enterWrapup()
		return false
	case StateWrapup:
		return false
	default:
		if err != nil {
			c.exitErr = err
			c.exitReason = fmt.Sprintf("endpoint exit: %v", err)
		} else {
			c.exitReason = "endpoint exit"
		}
		return true
	}
}

// startEndpoint spawns the driver for channels whose ringing or media runs
// out of band. Inband-only channels keep the nil sentinel: ring events flow
// through the session.
func (c *Channel) startEndpoint() error {
	if c.spec.RingPath == PathInband && c.call.MediaPath == PathInband {
		return nil
	}
	ep, err := SpawnEndpoint(c.spec, c.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
	defer cancel()
	if err := ep.Ring(ctx, c.call); err != nil {
		ep.Hangup()
		return err
	}
	c.endpoint = ep
	return nil
}

func (c *Channel) transition(to ChannelState) {
	old := c.state
	c.state = to
	c.call.AppendState(string(to))
	c.events.ChannelStateChange(c.prop(), string(old))
	if n := c.agent.getNotifier(); n != nil {
		n.SetChannel(c.id, to, c.call.Summary())
	}
	c.logger.Debug("channel transition",
		"call_id", c.call.ID,
		"from", string(old),
		"to", string(to))
}

func (c *Channel) enterWrapup() {
	c.transition(StateWrapup)
	if c.autoEnd > 0 {
		c.wrapupTimer = time.NewTimer(c.autoEnd)
	}
}

func (c *Channel) mediaOncall() error {
	ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
	defer cancel()
	if err := c.call.Source.Oncall(ctx); err != nil {
		return fmt.Errorf("media oncall: %w", err)
	}
	return nil
}

func (c *Channel) mediaWrapup() error {
	ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
	defer cancel()
	if err := c.call.Source.Wrapup(ctx); err != nil {
		return fmt.Errorf("media wrapup: %w", err)
	}
	return nil
}

// tryMediaWrapup is the tolerant variant used when the far side initiated
// the teardown: the media may already be gone.
func (c *Channel) tryMediaWrapup() {
	if err := c.mediaWrapup(); err != nil {
		c.logger.Debug("media wrapup refused", "call_id", c.call.ID, "error", err)
	}
}

func (c *Channel) finish() {
	c.finalState = c.state
	if c.wrapupTimer != nil {
		c.wrapupTimer.Stop()
	}
	if c.endpoint != nil {
		c.endpoint.Hangup()
		c.endpoint = nil
	}

	if c.finalState == StateWrapup && c.cdr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mediaCallTimeout)
		c.cdr.RecordCDR(ctx, store.CDR{
			CallID:       c.call.ID,
			AgentLogin:   c.agent.Login(),
			Client:       c.call.Client,
			CallerID:     c.call.CallerID,
			MediaType:    string(c.call.Type),
			StateChanges: c.call.StateChanges(),
			StartedAt:    c.startedAt,
			EndedAt:      time.Now().UTC(),
		})
		cancel()
	}

	if n := c.agent.getNotifier(); n != nil {
		n.EndChannel(c.id)
	}
	c.agent.removeChannel(c.id)
	// Announce last: anyone reacting to the termination must see the agent
	// already freed.
	c.events.ChannelTerminated(c.prop())

	c.logger.Info("channel terminated",
		"call_id", c.call.ID,
		"final_state", string(c.finalState),
		"reason", c.exitReason)

	close(c.done)
}

func (c *Channel) prop() event.ChannelProp {
	return event.ChannelProp{
		ChannelID: c.id,
		Login:     c.agent.Login(),
		Profile:   c.agent.Profile(),
		Type:      string(c.call.Type),
		Client:    c.call.Client,
		CallerID:  c.call.CallerID,
		State:     string(c.state),
	}
}
