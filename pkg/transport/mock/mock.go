// Package mock provides a scripted transport inlet for tests.
package mock

import (
	"sync"

	"github.com/brainloop/cortexd/pkg/signal"
	"github.com/brainloop/cortexd/pkg/transport"
)

// Inlet is a hand-fed transport source. Tests push chunks with Send and end
// the stream with Close.
type Inlet struct {
	mu     sync.Mutex
	closed bool
	chunks chan signal.Chunk
}

var _ transport.Inlet = (*Inlet)(nil)

// New creates a mock inlet with the given channel depth.
func New(depth int) *Inlet {
	if depth <= 0 {
		depth = 16
	}
	return &Inlet{chunks: make(chan signal.Chunk, depth)}
}

// Send queues one chunk for the consumer, blocking when the buffer is full.
// Returns transport.ErrClosed once the stream has ended.
func (in *Inlet) Send(c signal.Chunk) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return transport.ErrClosed
	}
	in.chunks <- c
	return nil
}

// Chunks returns the channel of queued chunks.
func (in *Inlet) Chunks() <-chan signal.Chunk { return in.chunks }

// Close ends the stream. Safe to call more than once.
func (in *Inlet) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.chunks)
	}
	return nil
}
