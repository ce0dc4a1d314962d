// Package stream implements the synchronized sliding sample buffer at the
// core of Cortexd: a fixed-capacity time-ordered ring of multichannel
// samples, the clock-offset estimator that places incoming samples on the
// common timeline, and the window extractor that cuts fixed-length epochs
// out of the buffer for decoding.
package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
)

// Buffer is a fixed-capacity, time-ordered ring buffer of samples. One
// producer pushes whole chunks; any number of readers extract copies.
//
// Push enforces corrected-timestamp monotonicity: samples at or before the
// current tail are dropped and counted, never inserted. Samples whose value
// vector does not match the session's channel count are likewise dropped and
// counted, so readers can index any buffered sample by channel without
// checking its width. Once capacity is exceeded the oldest samples are
// evicted silently.
//
// All methods are safe for concurrent use. The mutex is held only for the
// duration of a copy, so readers never observe a partially written chunk
// and slow readers never block the producer for longer than one read.
type Buffer struct {
	mu       sync.Mutex
	ring     []signal.Sample
	channels int
	head     int // index of the oldest sample
	size     int // number of valid samples
	lastAt   time.Time
	stats    BufferStats
}

// BufferStats is a snapshot of buffer counters. Dropped counts out-of-order
// and duplicate-timestamp samples rejected on push; Malformed counts samples
// rejected for a value vector that does not match the channel count; Evicted
// counts samples displaced by the capacity bound.
type BufferStats struct {
	Received  uint64
	Dropped   uint64
	Malformed uint64
	Evicted   uint64
}

// PushReport describes the outcome of a single Push call.
type PushReport struct {
	Accepted  int
	Dropped   int
	Malformed int
}

// NewBuffer creates a buffer holding at most capacity samples of channels
// values each. Capacity is typically buffer-duration × sample-rate, computed
// by the caller.
func NewBuffer(capacity, channels int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("stream: buffer capacity must be positive, got %d", capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("stream: channel count must be positive, got %d", channels)
	}
	return &Buffer{ring: make([]signal.Sample, capacity), channels: channels}, nil
}

// Push appends the chunk's samples to the tail in order. Samples whose
// corrected timestamp is not strictly after the current tail, or whose value
// vector does not span the configured channel count, are dropped and
// counted. The whole chunk becomes visible to readers atomically.
//
// Push never blocks on readers and never returns an error: transport faults
// are a degraded state, not a failure.
func (b *Buffer) Push(chunk signal.Chunk) PushReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rep PushReport
	for _, s := range chunk.Samples {
		b.stats.Received++
		if len(s.Values) != b.channels {
			b.stats.Malformed++
			rep.Malformed++
			continue
		}
		if !b.lastAt.IsZero() && !s.At.After(b.lastAt) {
			b.stats.Dropped++
			rep.Dropped++
			continue
		}
		b.append(s)
		b.lastAt = s.At
		rep.Accepted++
	}
	return rep
}

// append inserts one sample at the tail, evicting the oldest when full.
// Caller holds b.mu.
func (b *Buffer) append(s signal.Sample) {
	if b.size == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		b.stats.Evicted++
	}
	tail := (b.head + b.size) % len(b.ring)
	b.ring[tail] = s
	b.size++
}

// at returns the i-th oldest sample. Caller holds b.mu.
func (b *Buffer) at(i int) signal.Sample {
	return b.ring[(b.head+i)%len(b.ring)]
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ReadLatest returns copies of up to n of the most recent samples in
// ascending corrected-timestamp order. Fewer samples than requested is a
// legitimate state, not an error.
func (b *Buffer) ReadLatest(n int) []signal.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyRange(b.size-min(n, b.size), b.size)
}

// ReadBefore returns copies of up to n of the most recent samples whose
// corrected timestamp is at or before end, in ascending order.
func (b *Buffer) ReadBefore(end time.Time, n int) []signal.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	// First index whose timestamp is after end; everything before it
	// qualifies. Samples are ordered, so binary search applies.
	cut := sort.Search(b.size, func(i int) bool {
		return b.at(i).At.After(end)
	})
	return b.copyRange(cut-min(n, cut), cut)
}

// copyRange copies samples [from, to) out of the ring. Caller holds b.mu.
func (b *Buffer) copyRange(from, to int) []signal.Sample {
	if from >= to {
		return nil
	}
	out := make([]signal.Sample, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Compile-time assertion: Buffer satisfies the exported reader contract
// consumed by recorder collaborators.
var _ signal.Reader = (*Buffer)(nil)
