// ABOUTME: Tests for the agent availability FSM and the live-agent registry
// ABOUTME: Covers astate fan-out, wrapup-on-idle, channel linkage, and eviction

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/store"
)

func TestAgent_StartsReleasedWithDefaultReason(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)

	snap := a.Snapshot()
	assert.Equal(t, "alice", snap.Login)
	assert.Equal(t, "Default", snap.Profile)
	assert.Equal(t, string(AvailReleased), snap.State)
	require.NotNil(t, snap.StateData)
	rel, ok := snap.StateData.(Release)
	require.True(t, ok)
	assert.Equal(t, DefaultRelease.ID, rel.ID)
	assert.False(t, a.Available())
}

func TestAgent_DefaultEndpointFromRecord(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()

	a := New(store.Agent{Login: "erin", RingPath: store.RingPathOutband}, events, nil)
	spec := a.Endpoint()
	assert.Equal(t, EndpointSIPRegistration, spec.Type)
	assert.Equal(t, "erin", spec.Data)
	assert.Equal(t, PathOutband, spec.RingPath)

	b := New(store.Agent{Login: "frank"}, events, nil)
	assert.Equal(t, PathInband, b.Endpoint().RingPath)
}

func TestAgent_GoIdleFansOutAState(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, n := testAgent(t, events)

	agentEvents, _ := events.Subscribe(t.Context(), event.TopicAgents)

	require.NoError(t, a.GoIdle())
	assert.True(t, a.Available())
	assert.Equal(t, AvailIdle, a.Availability())

	n.mu.Lock()
	astates := append([]Availability(nil), n.astates...)
	n.mu.Unlock()
	assert.Equal(t, []Availability{AvailIdle}, astates)

	select {
	case ev := <-agentEvents:
		assert.Equal(t, event.NameAgentState, ev.Name)
		assert.Equal(t, "alice", ev.Agent)
		assert.Equal(t, "idle", ev.NewState)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent_state broadcast")
	}

	snap := a.Snapshot()
	assert.Equal(t, string(AvailIdle), snap.State)
	assert.Nil(t, snap.StateData)
}

func TestAgent_SetReleaseCarriesReason(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)

	require.NoError(t, a.GoIdle())
	require.NoError(t, a.SetRelease(Release{ID: "7", Label: "Lunch", Bias: -1}))

	assert.False(t, a.Available())
	snap := a.Snapshot()
	assert.Equal(t, string(AvailReleased), snap.State)
	rel, ok := snap.StateData.(Release)
	require.True(t, ok)
	assert.Equal(t, "Lunch", rel.Label)
	assert.Equal(t, -1, rel.Bias)
}

func TestAgent_GoIdleEndsWrapupChannels(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)
	sink := &fakeCDRSink{}

	call := NewCall(MediaVoice, "acme", "15551234567", &fakeMedia{})
	ch, err := StartChannel(ChannelConfig{
		Agent:        a,
		Call:         call,
		Endpoint:     EndpointSpec{Type: EndpointSIPRegistration, RingPath: PathInband},
		InitialState: StatePrering,
		Events:       events,
		CDR:          sink,
	})
	require.NoError(t, err)
	require.NoError(t, ch.Ring(call))
	require.NoError(t, ch.Oncall(nil))
	require.NoError(t, ch.Wrapup(true))

	require.NoError(t, a.GoIdle())
	waitDone(t, ch)

	assert.Equal(t, "wrapup ended", ch.ExitReason())
	require.Len(t, sink.recorded(), 1)
	assert.True(t, a.Available())
}

func TestAgent_StopKillsChannels(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)

	call := NewCall(MediaVoice, "acme", "15551234567", &fakeMedia{})
	ch, err := StartChannel(ChannelConfig{
		Agent:        a,
		Call:         call,
		Endpoint:     EndpointSpec{Type: EndpointSIPRegistration, RingPath: PathInband},
		InitialState: StatePrering,
		Events:       events,
	})
	require.NoError(t, err)
	require.NoError(t, ch.Ring(call))
	require.NoError(t, ch.Oncall(nil))

	a.Stop()
	waitDone(t, ch)
	assert.Equal(t, "agent stopped", ch.ExitReason())

	assert.ErrorIs(t, a.GoIdle(), ErrAgentStopped)
	assert.ErrorIs(t, a.SetRelease(DefaultRelease), ErrAgentStopped)
	assert.False(t, a.Available())

	// New channels are refused too
	_, err = StartChannel(ChannelConfig{
		Agent:        a,
		Call:         NewCall(MediaVoice, "acme", "", &fakeMedia{}),
		Endpoint:     EndpointSpec{Type: EndpointSIPRegistration, RingPath: PathInband},
		InitialState: StatePrering,
		Events:       events,
	})
	assert.ErrorIs(t, err, ErrAgentStopped)
}

func TestAgent_NotAvailableWithLiveChannel(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)
	require.NoError(t, a.GoIdle())

	call := NewCall(MediaVoice, "acme", "15551234567", &fakeMedia{})
	ch, err := StartChannel(ChannelConfig{
		Agent:        a,
		Call:         call,
		Endpoint:     EndpointSpec{Type: EndpointSIPRegistration, RingPath: PathInband},
		InitialState: StatePrering,
		Events:       events,
	})
	require.NoError(t, err)

	assert.False(t, a.Available(), "an owned channel blocks routing")

	ch.Kill("test over")
	waitDone(t, ch)
	assert.True(t, a.Available())
}

func TestAgent_OncallChannelFindsTheActiveOne(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, _ := testAgent(t, events)

	call := NewCall(MediaVoice, "acme", "15551234567", &fakeMedia{})
	ch, err := StartChannel(ChannelConfig{
		Agent:        a,
		Call:         call,
		Endpoint:     EndpointSpec{Type: EndpointSIPRegistration, RingPath: PathInband},
		InitialState: StatePrering,
		Events:       events,
	})
	require.NoError(t, err)

	_, ok := a.OncallChannel()
	assert.False(t, ok)

	require.NoError(t, ch.Ring(call))
	require.NoError(t, ch.Oncall(nil))

	got, ok := a.OncallChannel()
	require.True(t, ok)
	assert.Equal(t, ch.ID(), got.ID())

	ch.Kill("test over")
	waitDone(t, ch)
}

func TestAgent_BlabReachesNotifierAndTopic(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	a, n := testAgent(t, events)

	watch, _ := events.Subscribe(t.Context(), event.AgentTopic("alice"))

	a.Blab("supervisor", "wrap it up")

	n.mu.Lock()
	blabs := append([]string(nil), n.blabs...)
	n.mu.Unlock()
	assert.Equal(t, []string{"supervisor: wrap it up"}, blabs)

	select {
	case ev := <-watch:
		assert.Equal(t, event.NameBlab, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blab broadcast")
	}
}

func TestRegistry_SecondLoginEvictsFirst(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	r := NewRegistry(nil)

	first := New(store.Agent{ID: "1", Login: "alice"}, events, nil)
	second := New(store.Agent{ID: "2", Login: "alice"}, events, nil)

	assert.Nil(t, r.Register(first))
	evicted := r.Register(second)
	assert.Same(t, first, evicted)
	assert.Equal(t, 1, r.Len())

	// The evicted agent's late logout must not remove its successor.
	r.Unregister(first)
	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	r.Unregister(second)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListAvailable(t *testing.T) {
	events := event.NewManager(nil)
	defer events.Close()
	r := NewRegistry(nil)

	idle := New(store.Agent{ID: "1", Login: "alice", Profile: "Default"}, events, nil)
	released := New(store.Agent{ID: "2", Login: "bob", Profile: "Default"}, events, nil)
	r.Register(idle)
	r.Register(released)
	require.NoError(t, idle.GoIdle())

	avail := r.ListAvailable()
	require.Len(t, avail, 1)
	assert.Equal(t, "alice", avail[0].Login)

	all := r.List()
	assert.Len(t, all, 2)
}
