// ABOUTME: Event and channel property types published by the event manager
// ABOUTME: Defines the lifecycle event names and their JSON wire shapes

package event

import (
	"time"

	"github.com/google/uuid"
)

// Event names published by the manager.
const (
	NameInitiatedChannel  = "initiated_channel"
	NameChannelState      = "channel_state_update"
	NameTerminatedChannel = "terminated_channel"
	NameAgentState        = "agent_state"
	NameBlab              = "blab"
)

// Topics for Subscribe. Channel lifecycle events are published both to
// TopicChannels and to AgentTopic(login) so a watcher can follow one agent
// without filtering the firehose.
const (
	TopicChannels = "channels"
	TopicAgents   = "agents"
)

// AgentTopic returns the per-agent topic key for the given login.
func AgentTopic(login string) string {
	return "agent/" + login
}

// ChannelProp is the registry record a channel worker maintains for its
// channel. It is written only by the owning worker and read by everyone
// else through the manager.
type ChannelProp struct {
	ChannelID string `json:"channel_id"`
	Login     string `json:"login"`
	Profile   string `json:"profile"`
	Type      string `json:"type"`
	Client    string `json:"client,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
	State     string `json:"state"`
}

// Event is a single lifecycle notification. Prop carries the channel
// property snapshot taken at publish time; it is nil for agent-only events.
type Event struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Time     time.Time      `json:"time"`
	Agent    string         `json:"agent,omitempty"`
	OldState string         `json:"old_state,omitempty"`
	NewState string         `json:"new_state,omitempty"`
	Prop     *ChannelProp   `json:"prop,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func newEvent(name, agent string) *Event {
	return &Event{
		ID:    uuid.New().String(),
		Name:  name,
		Time:  time.Now().UTC(),
		Agent: agent,
	}
}
