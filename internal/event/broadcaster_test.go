// ABOUTME: Tests for the fan-out event broadcaster
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id, login string) *Event {
	return &Event{
		ID:    id,
		Name:  NameChannelState,
		Time:  time.Now().UTC(),
		Agent: login,
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch, _ := b.Subscribe(ctx, TopicChannels)

	ev := makeEvent("evt-1", "alice")
	b.Publish(TopicChannels, ev, "")

	select {
	case received := <-ch:
		assert.Equal(t, "evt-1", received.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, TopicChannels)
	ch2, _ := b.Subscribe(ctx, TopicChannels)
	ch3, _ := b.Subscribe(ctx, TopicChannels)

	ev := makeEvent("evt-2", "alice")
	b.Publish(TopicChannels, ev, "")

	for i, ch := range []<-chan *Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, "evt-2", received.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_DifferentTopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, AgentTopic("alice"))
	ch2, _ := b.Subscribe(ctx, AgentTopic("bob"))

	ev := makeEvent("evt-3", "alice")
	b.Publish(AgentTopic("alice"), ev, "")

	select {
	case received := <-ch1:
		assert.Equal(t, "evt-3", received.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for alice timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for bob should not receive alice's events")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestBroadcaster_ExcludeSubIDSkipsOriginator(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, subID1 := b.Subscribe(ctx, TopicChannels)
	ch2, _ := b.Subscribe(ctx, TopicChannels)

	ev := makeEvent("evt-4", "alice")
	b.Publish(TopicChannels, ev, subID1)

	select {
	case <-ch1:
		t.Fatal("excluded subscriber should not receive the event")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}

	select {
	case received := <-ch2:
		assert.Equal(t, "evt-4", received.ID)
	case <-time.After(time.Second):
		t.Fatal("non-excluded subscriber timed out")
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	// Subscribe but never read from ch1 (slow consumer)
	_, _ = b.Subscribe(ctx, TopicChannels)
	ch2, _ := b.Subscribe(ctx, TopicChannels)

	// Publish more events than the buffer size to overflow ch1
	for i := range 100 {
		ev := makeEvent("evt-overflow-"+string(rune('0'+i%10)), "alice")
		b.Publish(TopicChannels, ev, "")
	}

	// ch2 should still receive events (publisher wasn't blocked)
	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	assert.Greater(t, receivedCount, 0, "fast consumer should receive at least some events")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, TopicChannels)

	b.mu.RLock()
	_, exists := b.subscribers[TopicChannels][subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()

	// Give cleanup goroutine time to run
	time.Sleep(50 * time.Millisecond)

	b.mu.RLock()
	subs, topicExists := b.subscribers[TopicChannels]
	if topicExists {
		_, subExists := subs[subID]
		assert.False(t, subExists, "subscription should be removed after context cancel")
	}
	b.mu.RUnlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch, subID := b.Subscribe(ctx, TopicChannels)

	b.Unsubscribe(TopicChannels, subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	ev := makeEvent("evt-after-unsub", "alice")
	b.Publish(TopicChannels, ev, "")
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ctx1 := t.Context()
	ctx2 := t.Context()

	ch1, _ := b.Subscribe(ctx1, TopicChannels)
	ch2, _ := b.Subscribe(ctx2, TopicAgents)

	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "agent/concurrent")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				ev := makeEvent("concurrent-evt", "concurrent")
				b.Publish("agent/concurrent", ev, "")
			}
		})
	}

	wg.Wait()
	// If we get here without deadlock or panic, the test passes
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	_, id1 := b.Subscribe(ctx, TopicChannels)
	_, id2 := b.Subscribe(ctx, TopicChannels)
	_, id3 := b.Subscribe(ctx, TopicAgents)

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestBroadcaster_PublishToNonexistentTopic(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Should not panic
	ev := makeEvent("evt-nowhere", "nobody")
	b.Publish("agent/nobody-listening", ev, "")
}
