package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
)

// SyncConfig tunes the clock-offset estimator.
type SyncConfig struct {
	// Alpha is the exponential smoothing factor applied to each new offset
	// observation, in (0, 1]. Smaller values track drift more slowly but
	// suppress network jitter better.
	Alpha float64

	// Divergence is the bound beyond which an instantaneous offset
	// observation marks the stream desynchronized (clock reset or
	// transport stall).
	Divergence time.Duration

	// ResyncCount is the number of consecutive in-bound observations
	// required before a desynchronized stream is trusted again.
	ResyncCount int

	// Drift enables estimation of a linear drift rate over a sliding
	// window of offset observations. Off by default: smoothing alone
	// tracks slow drift for typical session lengths.
	Drift bool

	// DriftWindow is the number of recent observations the drift
	// regression runs over. Ignored unless Drift is set.
	DriftWindow int
}

// ClockSync maintains the affine correction from one source clock to the
// common local timeline and stamps incoming samples with corrected
// timestamps before they become visible to any reader.
//
// The estimate is mutated only by Correct, called from the single producer
// goroutine; Synced and Stats may be read concurrently.
type ClockSync struct {
	cfg   SyncConfig
	epoch time.Time // local reference instant; corrected times are offsets from it

	mu          sync.Mutex
	initialized bool
	offset      float64 // smoothed (localSeconds − SourceTS), in seconds
	drift       float64 // seconds of offset change per source second
	lastRef     float64 // SourceTS of the last reference point
	obs         []obs   // sliding window for the drift regression
	synced      bool
	inBound     int
	stats       SyncStats
}

type obs struct {
	sourceTS float64
	offset   float64
}

// SyncStats is a snapshot of synchronization counters.
type SyncStats struct {
	// DesyncEvents counts transitions into the desynchronized state.
	DesyncEvents uint64

	// Observations counts offset observations processed.
	Observations uint64

	// Offset is the current smoothed offset estimate.
	Offset time.Duration
}

// NewClockSync creates a clock-offset estimator anchored at epoch. The
// epoch is an arbitrary local instant (usually session start); it only
// fixes the origin of the common timeline.
func NewClockSync(epoch time.Time, cfg SyncConfig) (*ClockSync, error) {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("stream: sync alpha must be in (0, 1], got %g", cfg.Alpha)
	}
	if cfg.Divergence <= 0 {
		return nil, fmt.Errorf("stream: sync divergence bound must be positive, got %v", cfg.Divergence)
	}
	if cfg.ResyncCount <= 0 {
		return nil, fmt.Errorf("stream: sync resync count must be positive, got %d", cfg.ResyncCount)
	}
	if cfg.Drift && cfg.DriftWindow < 2 {
		return nil, fmt.Errorf("stream: drift window must be at least 2, got %d", cfg.DriftWindow)
	}
	return &ClockSync{cfg: cfg, epoch: epoch, synced: true}, nil
}

// Correct updates the offset estimate from the chunk's reference point (its
// last sample against the local receipt time) and stamps every sample's
// corrected timestamp in place.
//
// A divergent observation flips the stream into the desynchronized state;
// samples are still stamped and buffered so history stays contiguous, but
// Synced reports false until ResyncCount consecutive observations land
// back inside the bound.
func (c *ClockSync) Correct(chunk *signal.Chunk) {
	if len(chunk.Samples) == 0 {
		return
	}
	ref := chunk.Samples[len(chunk.Samples)-1].SourceTS
	local := chunk.ReceivedAt.Sub(c.epoch).Seconds()
	instant := local - ref

	c.mu.Lock()
	c.stats.Observations++

	if !c.initialized {
		c.initialized = true
		c.offset = instant
		c.lastRef = ref
	} else {
		deviation := time.Duration((instant - c.offset) * float64(time.Second))
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > c.cfg.Divergence {
			if c.synced {
				c.synced = false
				c.stats.DesyncEvents++
			}
			c.inBound = 0
		} else if !c.synced {
			c.inBound++
			if c.inBound >= c.cfg.ResyncCount {
				c.synced = true
			}
		}
		c.offset += c.cfg.Alpha * (instant - c.offset)
		c.lastRef = ref
	}

	if c.cfg.Drift {
		c.obs = append(c.obs, obs{sourceTS: ref, offset: instant})
		if len(c.obs) > c.cfg.DriftWindow {
			c.obs = c.obs[1:]
		}
		c.drift = regressDrift(c.obs)
	}

	offset, drift, lastRef := c.offset, c.drift, c.lastRef
	c.stats.Offset = time.Duration(offset * float64(time.Second))
	c.mu.Unlock()

	for i := range chunk.Samples {
		ts := chunk.Samples[i].SourceTS
		corrected := ts + offset + drift*(ts-lastRef)
		chunk.Samples[i].At = c.epoch.Add(time.Duration(corrected * float64(time.Second)))
	}
}

// Synced reports whether the stream's offset estimate is currently inside
// the divergence bound. Desynchronized streams are withheld from window
// extraction until they re-stabilize.
func (c *ClockSync) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Stats returns a snapshot of synchronization counters.
func (c *ClockSync) Stats() SyncStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// regressDrift fits offset = a + b·sourceTS by least squares and returns
// the slope b. Returns 0 when the window is degenerate.
func regressDrift(window []obs) float64 {
	n := float64(len(window))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for _, o := range window {
		sumX += o.sourceTS
		sumY += o.offset
		sumXY += o.sourceTS * o.offset
		sumXX += o.sourceTS * o.sourceTS
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
