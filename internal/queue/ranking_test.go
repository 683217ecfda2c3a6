// ABOUTME: Tests for bindable-queue ranking
// ABOUTME: Covers weight dominance, priority ordering, and stability

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cpx-gateway/internal/agent"
)

var rankEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// seedCall plants a call with explicit keys, bypassing the wall clock so
// ranking decisions are reproducible.
func seedCall(t *testing.T, w *Worker, priority int, at time.Time) *agent.Call {
	t.Helper()
	call := agent.NewCall(agent.MediaVoice, "acme", "15550001111", nil)
	require.NoError(t, w.Requeue(QueuedCall{Priority: priority, EnqueueTime: at, Call: call}))
	return call
}

func rankedNames(ranked []Ranked) []string {
	names := make([]string, len(ranked))
	for i, r := range ranked {
		names[i] = r.Name
	}
	return names
}

func TestRanking_HigherWeightWinsOverOlderCall(t *testing.T) {
	q1 := startTestWorker(t, "q1", 1)
	q2 := startTestWorker(t, "q2", 10)
	seedCall(t, q1, 10, rankEpoch.Add(100*time.Second))
	seedCall(t, q2, 10, rankEpoch.Add(200*time.Second))

	ranked := rankBindable([]*Worker{q1, q2})
	require.Equal(t, []string{"q2", "q1"}, rankedNames(ranked),
		"the heavier queue goes first even though its call is younger")

	// Moving q2's call ahead of q1's changes nothing: weight already won.
	q2b := startTestWorker(t, "q2", 10)
	seedCall(t, q2b, 10, rankEpoch.Add(50*time.Second))
	ranked = rankBindable([]*Worker{q1, q2b})
	assert.Equal(t, []string{"q2", "q1"}, rankedNames(ranked))
}

func TestRanking_PriorityBeatsAgeAtEqualWeight(t *testing.T) {
	q1 := startTestWorker(t, "q1", 1)
	q3 := startTestWorker(t, "q3", 1)
	seedCall(t, q1, 10, rankEpoch.Add(100*time.Second))
	seedCall(t, q3, 0, rankEpoch.Add(200*time.Second))

	ranked := rankBindable([]*Worker{q1, q3})
	assert.Equal(t, []string{"q3", "q1"}, rankedNames(ranked),
		"the urgent call outranks the older one when weights tie")
}

func TestRanking_EffectiveWeightCollapsesPosition(t *testing.T) {
	q1 := startTestWorker(t, "q1", 1)
	q2 := startTestWorker(t, "q2", 10)
	seedCall(t, q1, 10, rankEpoch.Add(100*time.Second))
	seedCall(t, q2, 10, rankEpoch.Add(200*time.Second))

	ranked := rankBindable([]*Worker{q1, q2})
	require.Len(t, ranked, 2)

	// Position c of L entries scores w + L - c.
	assert.Equal(t, 10, ranked[0].Weight)
	assert.Equal(t, 11, ranked[0].EffectiveWeight)
	assert.Equal(t, 1, ranked[1].Weight)
	assert.Equal(t, 1, ranked[1].EffectiveWeight)
	assert.Greater(t, ranked[0].EffectiveWeight, ranked[1].EffectiveWeight)
}

func TestRanking_CallCountMultipliesWeight(t *testing.T) {
	busy := startTestWorker(t, "busy", 2)
	heavy := startTestWorker(t, "heavy", 5)
	seedCall(t, busy, 10, rankEpoch.Add(100*time.Second))
	seedCall(t, busy, 20, rankEpoch.Add(110*time.Second))
	seedCall(t, busy, 20, rankEpoch.Add(120*time.Second))
	seedCall(t, heavy, 10, rankEpoch.Add(50*time.Second))

	ranked := rankBindable([]*Worker{busy, heavy})
	require.Equal(t, []string{"busy", "heavy"}, rankedNames(ranked),
		"weight x call count 2x3 beats 5x1")
	assert.Equal(t, 6, ranked[0].Weight)
	assert.Equal(t, 5, ranked[1].Weight)
}

func TestRanking_SkipsQueuesWithoutCalls(t *testing.T) {
	empty := startTestWorker(t, "empty", 100)
	holding := startTestWorker(t, "holding", 1)
	seedCall(t, holding, 10, rankEpoch)

	ranked := rankBindable([]*Worker{empty, holding})
	require.Len(t, ranked, 1)
	assert.Equal(t, "holding", ranked[0].Name)
}

func TestRanking_StableUnderInputReordering(t *testing.T) {
	build := func() []*Worker {
		a := startTestWorker(t, "alpha", 2)
		b := startTestWorker(t, "beta", 2)
		c := startTestWorker(t, "gamma", 1)
		d := startTestWorker(t, "delta", 4)
		// alpha and beta carry identical keys on purpose.
		seedCall(t, a, 10, rankEpoch.Add(30*time.Second))
		seedCall(t, b, 10, rankEpoch.Add(30*time.Second))
		seedCall(t, c, 5, rankEpoch.Add(10*time.Second))
		seedCall(t, d, 10, rankEpoch.Add(90*time.Second))
		return []*Worker{a, b, c, d}
	}

	ws := build()
	want := rankedNames(rankBindable(ws))

	orders := [][]int{
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
		{1, 3, 0, 2},
	}
	for _, order := range orders {
		shuffled := make([]*Worker, len(ws))
		for i, idx := range order {
			shuffled[i] = ws[idx]
		}
		got := rankBindable(shuffled)
		assert.Equal(t, want, rankedNames(got), "order %v changed the ranking", order)
		assert.ElementsMatch(t, []string{"alpha", "beta", "gamma", "delta"}, rankedNames(got),
			"ranking must be a permutation of the bindable queues")
	}
}
