// Package transport defines the contract between acquisition sources and the
// session core. An Inlet delivers sample chunks over a channel; concrete
// adapters live in subpackages (ws for live WebSocket streams, replay for
// recorded sessions, mock for tests).
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
)

// ErrClosed is returned by operations on an inlet that has been closed.
var ErrClosed = errors.New("transport: inlet is closed")

// Inlet is a unidirectional source of sample chunks. The Chunks channel is
// closed when the source ends or the inlet is closed; consumers must drain it.
type Inlet interface {
	// Chunks returns the channel of incoming chunks. The same channel is
	// returned on every call.
	Chunks() <-chan signal.Chunk

	// Close tears the inlet down and closes the chunk channel. Safe to call
	// more than once.
	Close() error
}

// Frame is the wire representation of one chunk. Live WebSocket streams and
// recorded replay files share this encoding.
type Frame struct {
	Type     string        `json:"type"`
	StreamID string        `json:"stream_id"`
	Samples  []FrameSample `json:"samples"`
}

// FrameSample is one multichannel sample on the wire. TS is seconds on the
// source clock; Event is an optional trigger code (0 means none).
type FrameSample struct {
	TS    float64   `json:"ts"`
	Data  []float64 `json:"data"`
	Event uint16    `json:"event,omitempty"`
}

// FrameTypeChunk marks frames carrying sample data. Frames of any other type
// are control traffic and are skipped by adapters.
const FrameTypeChunk = "chunk"

// DecodeFrame parses a raw wire message. A nil error with ok == false means
// the frame is valid but carries no sample data.
func DecodeFrame(data []byte) (Frame, bool, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false, fmt.Errorf("transport: decode frame: %w", err)
	}
	if f.Type != FrameTypeChunk || len(f.Samples) == 0 {
		return f, false, nil
	}
	return f, true, nil
}

// Chunk converts a decoded frame into the in-memory chunk form, stamping the
// local receive time. Timestamp correction happens downstream.
func (f Frame) Chunk(receivedAt time.Time) signal.Chunk {
	samples := make([]signal.Sample, len(f.Samples))
	for i, s := range f.Samples {
		samples[i] = signal.Sample{
			SourceTS: s.TS,
			Values:   s.Data,
			Event:    s.Event,
		}
	}
	return signal.Chunk{
		StreamID:   f.StreamID,
		Samples:    samples,
		ReceivedAt: receivedAt,
	}
}
