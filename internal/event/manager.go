// ABOUTME: Event manager combining the property registry and the broadcaster
// ABOUTME: Channel and agent workers report transitions through these methods

package event

import (
	"context"
	"log/slog"
)

// Manager owns the property registry and the broadcaster. Channel workers
// call the emit methods below on every transition; the manager updates the
// registry and publishes to the channel topics. Agent availability changes
// go to the agent topics.
type Manager struct {
	broadcaster *Broadcaster
	props       *PropRegistry
	logger      *slog.Logger
}

// NewManager creates an event manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		broadcaster: NewBroadcaster(logger),
		props:       NewPropRegistry(),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events on a topic. See Broadcaster.Subscribe.
func (m *Manager) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	return m.broadcaster.Subscribe(ctx, topic)
}

// Unsubscribe removes a subscription. See Broadcaster.Unsubscribe.
func (m *Manager) Unsubscribe(topic, subID string) {
	m.broadcaster.Unsubscribe(topic, subID)
}

// Props returns the node-local channel property registry.
func (m *Manager) Props() *PropRegistry {
	return m.props
}

// ChannelInitiated records a new channel property and announces the channel.
func (m *Manager) ChannelInitiated(prop ChannelProp) {
	m.props.Set(prop)

	ev := newEvent(NameInitiatedChannel, prop.Login)
	ev.NewState = prop.State
	p := prop
	ev.Prop = &p
	m.publishChannel(ev)
}

// ChannelStateChange records a state transition on an existing channel.
func (m *Manager) ChannelStateChange(prop ChannelProp, oldState string) {
	m.props.Set(prop)

	ev := newEvent(NameChannelState, prop.Login)
	ev.OldState = oldState
	ev.NewState = prop.State
	p := prop
	ev.Prop = &p
	m.publishChannel(ev)
}

// ChannelTerminated removes the channel property and announces the exit.
func (m *Manager) ChannelTerminated(prop ChannelProp) {
	m.props.Remove(prop.ChannelID)

	ev := newEvent(NameTerminatedChannel, prop.Login)
	ev.OldState = prop.State
	p := prop
	ev.Prop = &p
	m.publishChannel(ev)
}

// AgentState announces an availability change for an agent. The data map
// carries release details when the agent released.
func (m *Manager) AgentState(login, oldState, newState string, data map[string]any) {
	ev := newEvent(NameAgentState, login)
	ev.OldState = oldState
	ev.NewState = newState
	ev.Data = data
	m.broadcaster.Publish(TopicAgents, ev, "")
	m.broadcaster.Publish(AgentTopic(login), ev, "")
}

// Blab publishes a supervisor message addressed to one agent.
func (m *Manager) Blab(login, from, text string) {
	ev := newEvent(NameBlab, login)
	ev.Data = map[string]any{"from": from, "text": text}
	m.broadcaster.Publish(AgentTopic(login), ev, "")
}

// Close shuts down the broadcaster and all subscriber channels.
func (m *Manager) Close() {
	m.broadcaster.Close()
}

func (m *Manager) publishChannel(ev *Event) {
	m.broadcaster.Publish(TopicChannels, ev, "")
	if ev.Agent != "" {
		m.broadcaster.Publish(AgentTopic(ev.Agent), ev, "")
	}
}
