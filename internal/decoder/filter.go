// Package decoder implements the per-worker decode pipeline: channel
// re-referencing, stateful spectral filtering, band-power feature
// extraction, and classification.
//
// Filter state persists across successive windows processed by the same
// pipeline instance, which is why every worker slot owns its own pipeline:
// re-initializing IIR state per window would smear edge artifacts across
// the spectrum, and sharing state across slots would cross-contaminate
// their filter histories.
package decoder

import (
	"fmt"
	"math"
)

// biquad holds normalized second-order-section coefficients (RBJ cookbook
// form, a0 divided out).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState is one channel's delay line for one cascade stage
// (transposed direct form II).
type biquadState struct {
	z1, z2 float64
}

// Filter is a cascade of identical biquad sections with per-channel state.
// Not safe for concurrent use; each pipeline owns its filters exclusively.
type Filter struct {
	sections []biquad
	state    [][]biquadState // [channel][section]
}

func newFilter(sections []biquad, channels int) *Filter {
	state := make([][]biquadState, channels)
	for ch := range state {
		state[ch] = make([]biquadState, len(sections))
	}
	return &Filter{sections: sections, state: state}
}

// newBandpass builds a band-pass cascade of order identical RBJ sections
// centred on the geometric mean of [low, high].
func newBandpass(low, high, rate float64, order, channels int) (*Filter, error) {
	if low <= 0 || high <= low {
		return nil, fmt.Errorf("decoder: bandpass needs 0 < low < high, got [%g, %g]", low, high)
	}
	if high >= rate/2 {
		return nil, fmt.Errorf("decoder: bandpass high edge %g Hz exceeds Nyquist %g Hz", high, rate/2)
	}
	if order <= 0 {
		return nil, fmt.Errorf("decoder: bandpass order must be positive, got %d", order)
	}
	f0 := math.Sqrt(low * high)
	q := f0 / (high - low)
	w0 := 2 * math.Pi * f0 / rate
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	section := biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * math.Cos(w0) / a0,
		a2: (1 - alpha) / a0,
	}
	sections := make([]biquad, order)
	for i := range sections {
		sections[i] = section
	}
	return newFilter(sections, channels), nil
}

// newNotch builds a single-section RBJ notch at freq with quality factor q.
func newNotch(freq, q, rate float64, channels int) (*Filter, error) {
	if freq <= 0 || freq >= rate/2 {
		return nil, fmt.Errorf("decoder: notch frequency %g Hz outside (0, %g)", freq, rate/2)
	}
	if q <= 0 {
		return nil, fmt.Errorf("decoder: notch quality must be positive, got %g", q)
	}
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	section := biquad{
		b0: 1 / a0,
		b1: -2 * math.Cos(w0) / a0,
		b2: 1 / a0,
		a1: -2 * math.Cos(w0) / a0,
		a2: (1 - alpha) / a0,
	}
	return newFilter([]biquad{section}, channels), nil
}

// Apply filters data in place, channel by channel, advancing the filter's
// internal state so the next window continues where this one ended.
func (f *Filter) Apply(data [][]float64) {
	for ch, row := range data {
		st := f.state[ch]
		for i, x := range row {
			for s, sec := range f.sections {
				y := sec.b0*x + st[s].z1
				st[s].z1 = sec.b1*x - sec.a1*y + st[s].z2
				st[s].z2 = sec.b2*x - sec.a2*y
				x = y
			}
			row[i] = x
		}
	}
}

// Reset zeroes all delay lines.
func (f *Filter) Reset() {
	for ch := range f.state {
		for s := range f.state[ch] {
			f.state[ch][s] = biquadState{}
		}
	}
}
