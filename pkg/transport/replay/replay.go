// Package replay provides a transport inlet that plays back a recorded
// session. Recordings are JSON-lines files of chunk frames, the same encoding
// the live WebSocket stream carries, so the session core cannot tell a replay
// from a live source. It implements the transport.Inlet interface.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
	"github.com/brainloop/cortexd/pkg/transport"
)

const defaultChunkBuffer = 64

// Option is a functional option for configuring the player.
type Option func(*Player)

// WithPacing makes the player sleep between chunks according to their source
// timestamps, scaled by speed (1.0 = real time, 2.0 = twice as fast).
// Without this option chunks are delivered as fast as the consumer takes
// them.
func WithPacing(speed float64) Option {
	return func(p *Player) {
		if speed > 0 {
			p.speed = speed
		}
	}
}

// WithChunkBuffer sets the depth of the chunk channel.
func WithChunkBuffer(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.bufferDepth = n
		}
	}
}

// Player replays a recorded stream through the inlet contract. Construct
// with Open or NewReader.
type Player struct {
	src         io.ReadCloser
	speed       float64 // 0 = unpaced
	bufferDepth int

	chunks chan signal.Chunk
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	delivered atomic.Uint64
	skipped   atomic.Uint64
}

var _ transport.Inlet = (*Player)(nil)

// Open starts replaying the recording at path.
func Open(path string, opts ...Option) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open recording: %w", err)
	}
	return NewReader(f, opts...)
}

// NewReader starts replaying a recording from r. The player takes ownership
// of r and closes it when playback ends.
func NewReader(r io.ReadCloser, opts ...Option) (*Player, error) {
	if r == nil {
		return nil, errors.New("replay: reader must not be nil")
	}
	p := &Player{
		src:         r,
		bufferDepth: defaultChunkBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	p.chunks = make(chan signal.Chunk, p.bufferDepth)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.playLoop()
	return p, nil
}

// Chunks returns the channel of replayed chunks. It closes when the
// recording is exhausted or the player is closed.
func (p *Player) Chunks() <-chan signal.Chunk { return p.chunks }

// Delivered reports how many chunks have been handed to the consumer.
func (p *Player) Delivered() uint64 { return p.delivered.Load() }

// Skipped reports how many malformed or non-data lines were passed over.
func (p *Player) Skipped() uint64 { return p.skipped.Load() }

// Close stops playback. Safe to call more than once.
func (p *Player) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

// playLoop reads frames line by line, paces them when configured, and hands
// them to the consumer. It owns the chunk channel and the source reader.
func (p *Player) playLoop() {
	defer p.wg.Done()
	defer close(p.chunks)
	defer p.src.Close()

	scanner := bufio.NewScanner(p.src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lastTS float64
	havePrev := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, ok, err := transport.DecodeFrame(line)
		if err != nil || !ok {
			p.skipped.Add(1)
			continue
		}

		if p.speed > 0 {
			ts := frame.Samples[0].TS
			if havePrev && ts > lastTS {
				gap := time.Duration((ts - lastTS) / p.speed * float64(time.Second))
				select {
				case <-time.After(gap):
				case <-p.done:
					return
				}
			}
			lastTS = frame.Samples[len(frame.Samples)-1].TS
			havePrev = true
		}

		select {
		case p.chunks <- frame.Chunk(time.Now()):
			p.delivered.Add(1)
		case <-p.done:
			return
		}
	}
}
