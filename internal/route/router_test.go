// ABOUTME: Behavioral tests for the call router
// ABOUTME: Covers idle binding, queue ranking, rebind on termination, and failed offers

package route

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/queue"
	"github.com/2389/cpx-gateway/internal/store"
)

type fixture struct {
	store  store.Store
	events *event.Manager
	agents *agent.Registry
	queues *queue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	events := event.NewManager(slog.Default())
	t.Cleanup(events.Close)

	f := &fixture{
		store:  st,
		events: events,
		agents: agent.NewRegistry(slog.Default()),
		queues: queue.NewManager(queue.Config{Store: st, Logger: slog.Default()}),
	}
	t.Cleanup(f.queues.Close)

	r := New(Config{
		Agents: f.agents,
		Queues: f.queues,
		Events: events,
		Store:  st,
		Logger: slog.Default(),
	})
	t.Cleanup(r.Close)
	return f
}

func (f *fixture) login(t *testing.T, name string) *agent.Agent {
	t.Helper()
	a := agent.New(store.Agent{
		Login:    name,
		Profile:  "default",
		Security: store.SecurityAgent,
	}, f.events, slog.Default())
	f.agents.Register(a)
	t.Cleanup(a.Stop)
	return a
}

func (f *fixture) addQueue(t *testing.T, name string, weight int) {
	t.Helper()
	_, created, err := f.queues.AddQueue(t.Context(), &store.QueueConfig{Name: name, Weight: weight})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) enqueue(t *testing.T, queueName, callerID string) *agent.Call {
	t.Helper()
	call := agent.NewCall(agent.MediaVoice, "acme", callerID, nil)
	require.NoError(t, f.queues.Enqueue(t.Context(), queueName, call, queue.DefaultPriority))
	return call
}

func (f *fixture) depth(t *testing.T, queueName string) int {
	t.Helper()
	h, ok := f.queues.GetQueue(t.Context(), queueName)
	require.True(t, ok)
	return h.CallCount
}

func TestIdleAgentTakesQueuedCall(t *testing.T) {
	f := newFixture(t)
	f.addQueue(t, "support", 1)
	call := f.enqueue(t, "support", "+15550001")

	a := f.login(t, "alice")
	require.NoError(t, a.GoIdle())

	require.Eventually(t, func() bool {
		return len(a.Channels()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ch := a.Channels()[0]
	assert.Equal(t, call.ID, ch.Call().ID)
	assert.Equal(t, agent.StateRinging, ch.State())
	assert.Equal(t, 0, f.depth(t, "support"))
}

func TestHeaviestQueueServedFirst(t *testing.T) {
	f := newFixture(t)
	f.addQueue(t, "vip", 1)
	f.addQueue(t, "bulk", 4)

	f.enqueue(t, "vip", "+15550010")
	first := f.enqueue(t, "bulk", "+15550011")
	f.enqueue(t, "bulk", "+15550012")

	a := f.login(t, "bob")
	require.NoError(t, a.GoIdle())

	require.Eventually(t, func() bool {
		return len(a.Channels()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// bulk carries weight 4 with two waiting calls, so it outranks vip;
	// within the queue the oldest call goes first.
	assert.Equal(t, first.ID, a.Channels()[0].Call().ID)
	assert.Equal(t, 1, f.depth(t, "bulk"))
	assert.Equal(t, 1, f.depth(t, "vip"))
}

func TestAgentFreedByTerminationTakesNextCall(t *testing.T) {
	f := newFixture(t)
	f.addQueue(t, "support", 1)
	f.enqueue(t, "support", "+15550020")

	a := f.login(t, "carol")
	require.NoError(t, a.GoIdle())

	require.Eventually(t, func() bool {
		return len(a.Channels()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The second call sits in the queue while the agent is occupied.
	next := f.enqueue(t, "support", "+15550021")
	assert.Equal(t, 1, f.depth(t, "support"))

	a.Channels()[0].Kill("caller abandoned")

	require.Eventually(t, func() bool {
		chans := a.Channels()
		return len(chans) == 1 && chans[0].Call().ID == next.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.depth(t, "support"))
}

func TestReleasedAgentIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.addQueue(t, "support", 1)
	f.enqueue(t, "support", "+15550030")

	a := f.login(t, "dave")
	require.NoError(t, a.SetRelease(agent.Release{ID: "lunch", Label: "Lunch"}))

	assert.Never(t, func() bool {
		return len(a.Channels()) > 0
	}, 300*time.Millisecond, 25*time.Millisecond)
	assert.Equal(t, 1, f.depth(t, "support"))
}

func TestFailedOfferRequeuesCall(t *testing.T) {
	// A driver that cannot spawn must not eat the call, and the router must
	// not spin retrying the same broken agent.
	agent.RegisterEndpointDriver(agent.EndpointH323, func(agent.EndpointSpec, *slog.Logger) (agent.Endpoint, error) {
		return nil, errors.New("driver down")
	})
	t.Cleanup(func() {
		agent.RegisterEndpointDriver(agent.EndpointH323, func(agent.EndpointSpec, *slog.Logger) (agent.Endpoint, error) {
			return stubEndpoint{done: make(chan struct{})}, nil
		})
	})

	f := newFixture(t)
	f.addQueue(t, "support", 1)
	f.enqueue(t, "support", "+15550040")

	a := f.login(t, "erin")
	a.SetEndpoint(agent.EndpointSpec{
		Type:     agent.EndpointH323,
		Data:     "gw.example",
		RingPath: agent.PathOutband,
	})

	evs, _ := f.events.Subscribe(t.Context(), event.TopicChannels)
	require.NoError(t, a.GoIdle())

	// The offer runs and dies before ringing; the terminated event is the
	// proof that the router actually tried.
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-evs:
				if ev.Name == event.NameTerminatedChannel {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.depth(t, "support") == 1 && len(a.Channels()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// stubEndpoint is a minimal working driver used to restore the h323 slot.
type stubEndpoint struct {
	done chan struct{}
}

func (s stubEndpoint) Ring(context.Context, *agent.Call) error { return nil }

func (s stubEndpoint) Hangup() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s stubEndpoint) Done() <-chan struct{} { return s.done }

func (s stubEndpoint) Err() error { return nil }
