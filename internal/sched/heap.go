// Package sched implements the interleaving scheduler: it staggers decode
// cycles across a pool of worker slots so the effective output rate exceeds
// the reciprocal of one pipeline's latency, and re-orders completions so
// results are always emitted in window-timestamp order.
package sched

import "github.com/brainloop/cortexd/pkg/signal"

// outcome is the resolution of one decode tick. Every issued tick resolves
// to exactly one outcome — a result, an extraction skip, a processing
// error, or an overrun drop — so the reorder heap never waits on a gap.
type outcome struct {
	seq    uint64
	result signal.DecodeResult
	ok     bool // true when result is valid and should be emitted
}

// outcomeHeap implements container/heap.Interface as a min-heap on tick
// sequence. Sequence order equals window-end-timestamp order because the
// virtual decode clock is monotonic.
type outcomeHeap []outcome

func (h outcomeHeap) Len() int           { return len(h) }
func (h outcomeHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h outcomeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *outcomeHeap) Push(x any) {
	*h = append(*h, x.(outcome))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *outcomeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
