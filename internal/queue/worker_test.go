// ABOUTME: Tests for the queue worker goroutine
// ABOUTME: Ordering, snapshots, requeue, and shutdown behavior

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cpx-gateway/internal/agent"
)

func startTestWorker(t *testing.T, name string, weight int) *Worker {
	t.Helper()
	w := StartWorker(WorkerConfig{Name: name, Weight: weight})
	t.Cleanup(w.Stop)
	return w
}

func newCall(t *testing.T) *agent.Call {
	t.Helper()
	return agent.NewCall(agent.MediaVoice, "acme", "15550001111", nil)
}

func TestWorker_EnqueueOrdersByPriorityThenAge(t *testing.T) {
	w := startTestWorker(t, "support", 1)

	older := newCall(t)
	newer := newCall(t)
	urgent := newCall(t)
	require.NoError(t, w.Enqueue(older, 10))
	require.NoError(t, w.Enqueue(newer, 10))
	require.NoError(t, w.Enqueue(urgent, 5))

	calls := w.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, urgent.ID, calls[0].Call.ID, "lower priority number goes first")
	assert.Equal(t, older.ID, calls[1].Call.ID)
	assert.Equal(t, newer.ID, calls[2].Call.ID)
	assert.Equal(t, 3, w.CallCount())
}

func TestWorker_AskDoesNotRemove(t *testing.T) {
	w := startTestWorker(t, "support", 1)

	_, ok := w.Ask()
	assert.False(t, ok, "empty queue has nothing to offer")

	call := newCall(t)
	require.NoError(t, w.Enqueue(call, DefaultPriority))

	qc, ok := w.Ask()
	require.True(t, ok)
	assert.Equal(t, call.ID, qc.Call.ID)
	assert.Equal(t, DefaultPriority, qc.Priority)
	assert.Equal(t, 1, w.CallCount(), "asking must not consume the call")
}

func TestWorker_RemoveTakesIdentifiedCall(t *testing.T) {
	w := startTestWorker(t, "support", 1)

	first := newCall(t)
	second := newCall(t)
	require.NoError(t, w.Enqueue(first, 10))
	require.NoError(t, w.Enqueue(second, 10))

	qc, ok := w.Remove(first.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, qc.Call.ID)
	assert.Equal(t, 1, w.CallCount())

	_, ok = w.Remove("no-such-call")
	assert.False(t, ok)
	assert.Equal(t, 1, w.CallCount())
}

func TestWorker_RequeueKeepsOriginalPosition(t *testing.T) {
	w := startTestWorker(t, "support", 1)

	first := newCall(t)
	second := newCall(t)
	require.NoError(t, w.Enqueue(first, 10))
	require.NoError(t, w.Enqueue(second, 10))

	// Take the head, as the router does, then put it back after a failed
	// ring. The original enqueue time keeps it ahead of the younger call.
	qc, ok := w.Remove(first.ID)
	require.True(t, ok)
	require.NoError(t, w.Requeue(qc))

	head, ok := w.Ask()
	require.True(t, ok)
	assert.Equal(t, first.ID, head.Call.ID)
}

func TestWorker_StopRefusesFurtherWork(t *testing.T) {
	w := StartWorker(WorkerConfig{Name: "support"})
	require.NoError(t, w.Enqueue(newCall(t), DefaultPriority))

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, reasonStopped, w.ExitReason())

	assert.ErrorIs(t, w.Enqueue(newCall(t), DefaultPriority), ErrWorkerStopped)
	_, ok := w.Ask()
	assert.False(t, ok)
	assert.Zero(t, w.CallCount())

	w.Stop() // second stop is a no-op
}

func TestWorker_KillCarriesReason(t *testing.T) {
	w := StartWorker(WorkerConfig{Name: "support"})
	w.kill("simulated crash")
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, "simulated crash", w.ExitReason())
}

func TestWorker_Defaults(t *testing.T) {
	w := startTestWorker(t, "support", 0)
	assert.Equal(t, DefaultWeight, w.Weight())
	assert.Equal(t, "support", w.Name())
	assert.Empty(t, w.Recipe())
}
