package stream

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
)

// ErrInsufficientData reports that the buffer does not yet hold enough
// samples to form a full window. Callers treat it as a skip condition and
// try again on a later tick; it is never a session fault.
var ErrInsufficientData = errors.New("stream: insufficient data for window")

// ErrDesynchronized reports that the stream's clock offset estimate has
// diverged and windows are being withheld until it re-stabilizes. Like
// ErrInsufficientData this is a degraded, recoverable skip condition.
var ErrDesynchronized = errors.New("stream: stream desynchronized")

// Extractor cuts fixed-length windows out of a sample buffer. Window length
// and channel count are fixed per session; successive requests advance by
// the stride the scheduler's tick clock encodes in its end-timestamps.
type Extractor struct {
	buf      *Buffer
	clock    *ClockSync
	channels int
	length   int

	skipped      atomic.Uint64
	extracted    atomic.Uint64
	desyncSkips  atomic.Uint64
}

// NewExtractor creates an extractor producing windows of length samples
// across channels columns. clock may be nil for streams without clock
// correction (replay sessions).
func NewExtractor(buf *Buffer, clock *ClockSync, channels, length int) (*Extractor, error) {
	if buf == nil {
		return nil, errors.New("stream: extractor requires a buffer")
	}
	if channels <= 0 {
		return nil, fmt.Errorf("stream: channel count must be positive, got %d", channels)
	}
	if length <= 0 {
		return nil, fmt.Errorf("stream: window length must be positive, got %d", length)
	}
	return &Extractor{buf: buf, clock: clock, channels: channels, length: length}, nil
}

// Extract returns the window of the configured length ending at or before
// end, tagged with the given tick sequence number. It returns
// ErrDesynchronized while the stream's clock estimate is out of bound and
// ErrInsufficientData when fewer than the configured number of samples are
// available — never a short or padded window.
func (e *Extractor) Extract(end time.Time, seq uint64) (*signal.Window, error) {
	if e.clock != nil && !e.clock.Synced() {
		e.desyncSkips.Add(1)
		return nil, ErrDesynchronized
	}

	samples := e.buf.ReadBefore(end, e.length)
	if len(samples) < e.length {
		e.skipped.Add(1)
		return nil, ErrInsufficientData
	}

	w := &signal.Window{
		Data:  make([][]float64, e.channels),
		EndAt: samples[len(samples)-1].At,
		Seq:   seq,
	}
	for ch := range w.Data {
		w.Data[ch] = make([]float64, e.length)
	}
	for i, s := range samples {
		for ch := 0; ch < e.channels; ch++ {
			w.Data[ch][i] = s.Values[ch]
		}
		if s.Event != 0 {
			w.Events = append(w.Events, s.Event)
		}
	}
	e.extracted.Add(1)
	return w, nil
}

// ExtractorStats is a snapshot of extraction counters.
type ExtractorStats struct {
	Extracted         uint64
	SkippedShort      uint64
	SkippedDesynced   uint64
}

// Stats returns a snapshot of extraction counters.
func (e *Extractor) Stats() ExtractorStats {
	return ExtractorStats{
		Extracted:       e.extracted.Load(),
		SkippedShort:    e.skipped.Load(),
		SkippedDesynced: e.desyncSkips.Load(),
	}
}
