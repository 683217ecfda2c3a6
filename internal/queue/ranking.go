// ABOUTME: Bindable-queue ranking feeding the routing layer
// ABOUTME: Collapses weight, priority, and wait time into one score

package queue

import "sort"

// Ranked is one queue holding a bindable call, in routing order. Weight is
// the queue weight multiplied by its call count; EffectiveWeight folds the
// final position into a single monotonic score.
type Ranked struct {
	Name            string
	Worker          *Worker
	Call            QueuedCall
	Weight          int
	EffectiveWeight int
}

// rankBindable orders the queues that currently hold a call. The sequence
// of sorts, applied in this order, produces the routing order:
//
//  1. drop queues whose Ask returned nothing
//  2. w = weight x call count
//  3. sort by enqueue time ascending, ties by queue name
//  4. stable sort by priority ascending
//  5. stable sort by w descending
//  6. position c (1-based) of L entries scores w + L - c
//
// The name tiebreak in step 3 makes the result a function of the queues'
// keys alone, independent of input order.
func rankBindable(workers []*Worker) []Ranked {
	ranked := make([]Ranked, 0, len(workers))
	for _, w := range workers {
		qc, ok := w.Ask()
		if !ok {
			continue
		}
		ranked = append(ranked, Ranked{
			Name:   w.Name(),
			Worker: w,
			Call:   qc,
			Weight: w.Weight() * w.CallCount(),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if !ranked[i].Call.EnqueueTime.Equal(ranked[j].Call.EnqueueTime) {
			return ranked[i].Call.EnqueueTime.Before(ranked[j].Call.EnqueueTime)
		}
		return ranked[i].Name < ranked[j].Name
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Call.Priority < ranked[j].Call.Priority
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight > ranked[j].Weight
	})

	l := len(ranked)
	for c := range ranked {
		ranked[c].EffectiveWeight = ranked[c].Weight + l - (c + 1)
	}
	return ranked
}
