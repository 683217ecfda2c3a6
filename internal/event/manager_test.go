// ABOUTME: Tests for the event manager and channel property registry
// ABOUTME: Covers registry updates, lifecycle event fan-out, and per-agent topics

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeProp(channelID, login, state string) ChannelProp {
	return ChannelProp{
		ChannelID: channelID,
		Login:     login,
		Profile:   "Default",
		Type:      "voice",
		Client:    "acme",
		CallerID:  "15551234567",
		State:     state,
	}
}

func TestManager_ChannelInitiatedRegistersProp(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	ch, _ := m.Subscribe(t.Context(), TopicChannels)

	m.ChannelInitiated(makeProp("chan-1", "alice", "prering"))

	prop, ok := m.Props().Get("chan-1")
	require.True(t, ok)
	assert.Equal(t, "prering", prop.State)
	assert.Equal(t, "alice", prop.Login)

	select {
	case ev := <-ch:
		assert.Equal(t, NameInitiatedChannel, ev.Name)
		assert.Equal(t, "prering", ev.NewState)
		require.NotNil(t, ev.Prop)
		assert.Equal(t, "chan-1", ev.Prop.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initiated_channel")
	}
}

func TestManager_StateChangeUpdatesRegistryAndPublishes(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	m.ChannelInitiated(makeProp("chan-1", "alice", "prering"))

	ch, _ := m.Subscribe(t.Context(), TopicChannels)

	m.ChannelStateChange(makeProp("chan-1", "alice", "ringing"), "prering")

	prop, ok := m.Props().Get("chan-1")
	require.True(t, ok)
	assert.Equal(t, "ringing", prop.State)

	select {
	case ev := <-ch:
		assert.Equal(t, NameChannelState, ev.Name)
		assert.Equal(t, "prering", ev.OldState)
		assert.Equal(t, "ringing", ev.NewState)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel_state_update")
	}
}

func TestManager_ChannelTerminatedRemovesProp(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	m.ChannelInitiated(makeProp("chan-1", "alice", "prering"))
	require.Equal(t, 1, m.Props().Len())

	ch, _ := m.Subscribe(t.Context(), TopicChannels)

	m.ChannelTerminated(makeProp("chan-1", "alice", "wrapup"))

	_, ok := m.Props().Get("chan-1")
	assert.False(t, ok, "terminated channel should leave the registry")
	assert.Equal(t, 0, m.Props().Len())

	select {
	case ev := <-ch:
		assert.Equal(t, NameTerminatedChannel, ev.Name)
		assert.Equal(t, "wrapup", ev.OldState)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminated_channel")
	}
}

func TestManager_ChannelEventsReachAgentTopic(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	aliceCh, _ := m.Subscribe(t.Context(), AgentTopic("alice"))
	bobCh, _ := m.Subscribe(t.Context(), AgentTopic("bob"))

	m.ChannelInitiated(makeProp("chan-1", "alice", "prering"))

	select {
	case ev := <-aliceCh:
		assert.Equal(t, NameInitiatedChannel, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("alice's watcher timed out")
	}

	select {
	case <-bobCh:
		t.Fatal("bob's watcher should not see alice's channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_AgentStateGoesToAgentsTopic(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	ch, _ := m.Subscribe(t.Context(), TopicAgents)

	m.AgentState("alice", "released", "idle", nil)

	select {
	case ev := <-ch:
		assert.Equal(t, NameAgentState, ev.Name)
		assert.Equal(t, "alice", ev.Agent)
		assert.Equal(t, "released", ev.OldState)
		assert.Equal(t, "idle", ev.NewState)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent_state")
	}
}

func TestManager_BlabReachesOnlyTargetAgent(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	aliceCh, _ := m.Subscribe(t.Context(), AgentTopic("alice"))

	m.Blab("alice", "supervisor", "take a break after this call")

	select {
	case ev := <-aliceCh:
		assert.Equal(t, NameBlab, ev.Name)
		assert.Equal(t, "supervisor", ev.Data["from"])
		assert.Equal(t, "take a break after this call", ev.Data["text"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blab")
	}
}

func TestPropRegistry_ByAgentFiltersAndSorts(t *testing.T) {
	r := NewPropRegistry()

	r.Set(makeProp("chan-b", "alice", "oncall"))
	r.Set(makeProp("chan-a", "alice", "ringing"))
	r.Set(makeProp("chan-c", "bob", "prering"))

	got := r.ByAgent("alice")
	require.Len(t, got, 2)
	assert.Equal(t, "chan-a", got[0].ChannelID)
	assert.Equal(t, "chan-b", got[1].ChannelID)

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, "chan-a", all[0].ChannelID)
	assert.Equal(t, "chan-c", all[2].ChannelID)
}

func TestPropRegistry_SetReplacesExisting(t *testing.T) {
	r := NewPropRegistry()

	r.Set(makeProp("chan-1", "alice", "prering"))
	r.Set(makeProp("chan-1", "alice", "oncall"))

	require.Equal(t, 1, r.Len())
	prop, ok := r.Get("chan-1")
	require.True(t, ok)
	assert.Equal(t, "oncall", prop.State)
}
