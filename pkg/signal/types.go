// Package signal defines the shared data model for the Cortexd decoding
// pipeline: samples, chunks, channel sets, windows, and decode results.
//
// Types in this package are the vocabulary spoken between the transport
// layer, the sample buffer, the decode workers, and external collaborators
// (recorders, replay players, feedback consumers). They carry no behaviour
// beyond validation and cheap accessors.
package signal

import "time"

// Sample is one time-point across all active channels. Values are ordered
// according to the session's ChannelSet. A Sample is immutable once created;
// the buffer and all readers share it by value.
type Sample struct {
	// SourceTS is the timestamp assigned by the acquisition source, in
	// seconds on the source's own clock. It is never comparable across
	// streams without clock correction.
	SourceTS float64

	// At is the corrected timestamp on the common (local) timeline. It is
	// the zero time until the clock synchronization manager has stamped the
	// sample; consumers must not see unstamped samples.
	At time.Time

	// Values holds one measurement per channel, in ChannelSet order.
	Values []float64

	// Event is an optional trigger code attached to this sample. Zero means
	// no event. The trigger vocabulary is defined by the session protocol
	// layer, not here.
	Event uint16
}

// Chunk is an ordered batch of samples as delivered by a transport inlet.
type Chunk struct {
	// StreamID identifies the source stream the chunk belongs to.
	StreamID string

	// Samples are ordered by SourceTS. The transport contract is
	// at-least-once, possibly-reordered delivery; the buffer enforces
	// monotonicity on push.
	Samples []Sample

	// ReceivedAt is the local wall-clock receipt time of the chunk, used as
	// the local reference point for clock-offset estimation.
	ReceivedAt time.Time
}

// ChannelSet is the ordered list of channel identifiers for a session. Its
// cardinality and order are fixed for the session lifetime and define the
// column order of every Sample and Window.
type ChannelSet []string

// Count returns the number of channels.
func (cs ChannelSet) Count() int { return len(cs) }

// Index returns the position of the named channel, or -1 if absent.
func (cs ChannelSet) Index(name string) int {
	for i, c := range cs {
		if c == name {
			return i
		}
	}
	return -1
}

// Window is a fixed-length contiguous extract from the sample buffer,
// shaped channels × samples. It is immutable once produced and consumed
// exactly once by one decode worker.
type Window struct {
	// Data is laid out [channel][sample], channels in ChannelSet order and
	// samples in ascending corrected-timestamp order.
	Data [][]float64

	// EndAt is the corrected timestamp of the last sample in the window.
	EndAt time.Time

	// Seq is the decode-tick sequence number that requested this window.
	// Emission ordering is by Seq, which coincides with EndAt order.
	Seq uint64

	// Events lists the non-zero trigger codes present in the window's span,
	// in sample order, so downstream protocol layers can label epochs.
	Events []uint16
}

// Channels returns the channel count of the window.
func (w *Window) Channels() int { return len(w.Data) }

// Samples returns the per-channel sample count of the window.
func (w *Window) Samples() int {
	if len(w.Data) == 0 {
		return 0
	}
	return len(w.Data[0])
}

// DecodeResult is the output of one pipeline run on one window. Ownership
// passes to the output consumer on emission; the core retains no reference.
type DecodeResult struct {
	// Label is the winning class label.
	Label string

	// Labels lists all class labels in the same order as Probs.
	Labels []string

	// Probs is the per-class probability vector. It sums to 1 within
	// floating-point tolerance.
	Probs []float64

	// WindowEnd is the corrected end-timestamp of the decoded window.
	WindowEnd time.Time

	// EmittedAt is the wall-clock time the result left the scheduler.
	EmittedAt time.Time

	// Seq is the decode-tick sequence number of the window.
	Seq uint64
}

// Reader is the sample-buffer read contract. It is exported so that external
// collaborators (a recorder persisting raw corrected samples, for instance)
// can subscribe to the same interface the window extractor uses.
//
// Reads never block: if less history exists than requested, fewer samples
// are returned. That is a legitimate state, not a fault.
type Reader interface {
	// ReadLatest returns copies of up to n of the most recent samples, in
	// ascending corrected-timestamp order.
	ReadLatest(n int) []Sample

	// ReadBefore returns copies of up to n samples whose corrected
	// timestamp is at or before end, the most recent such samples, in
	// ascending order.
	ReadBefore(end time.Time, n int) []Sample
}
