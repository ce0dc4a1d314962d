// Package ws provides a WebSocket-backed transport inlet. It dials a stream
// subscription endpoint, decodes JSON chunk frames, and redials with
// exponential backoff when the connection drops mid-session. It implements
// the transport.Inlet interface.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
	"github.com/brainloop/cortexd/pkg/transport"
	"github.com/coder/websocket"
)

const (
	defaultChunkBuffer = 64
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second
	defaultMaxRedials  = 5
)

// Option is a functional option for configuring the inlet.
type Option func(*Inlet)

// WithHeader sets an HTTP header sent on every dial, e.g. an auth token.
func WithHeader(key, value string) Option {
	return func(in *Inlet) {
		in.headers.Set(key, value)
	}
}

// WithChunkBuffer sets the depth of the chunk channel.
func WithChunkBuffer(n int) Option {
	return func(in *Inlet) {
		if n > 0 {
			in.bufferDepth = n
		}
	}
}

// WithRedial sets how many consecutive redial attempts are made after a
// dropped connection before the inlet gives up, and the initial backoff.
// maxAttempts of 0 disables redialling entirely.
func WithRedial(maxAttempts int, base time.Duration) Option {
	return func(in *Inlet) {
		in.maxRedials = maxAttempts
		if base > 0 {
			in.backoffBase = base
		}
	}
}

// Stats is a snapshot of inlet counters.
type Stats struct {
	Frames       uint64 // chunk frames delivered
	DecodeErrors uint64 // malformed frames skipped
	Redials      uint64 // successful reconnections
}

// Inlet is a live WebSocket stream subscription. Construct with Dial.
type Inlet struct {
	url         string
	headers     http.Header
	bufferDepth int
	maxRedials  int
	backoffBase time.Duration

	chunks chan signal.Chunk
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// mu guards conn, which readLoop swaps on redial and Close closes to
	// unblock a pending read.
	mu   sync.Mutex
	conn *websocket.Conn

	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	redials      atomic.Uint64
}

var _ transport.Inlet = (*Inlet)(nil)

// Dial connects to the stream endpoint and starts delivering chunks. The
// context governs the initial dial and all redials; cancelling it ends the
// session.
func Dial(ctx context.Context, url string, opts ...Option) (*Inlet, error) {
	if url == "" {
		return nil, errors.New("ws: url must not be empty")
	}
	in := &Inlet{
		url:         url,
		headers:     http.Header{},
		bufferDepth: defaultChunkBuffer,
		maxRedials:  defaultMaxRedials,
		backoffBase: defaultBackoffBase,
	}
	for _, o := range opts {
		o(in)
	}
	in.chunks = make(chan signal.Chunk, in.bufferDepth)
	in.done = make(chan struct{})

	conn, err := in.dial(ctx)
	if err != nil {
		return nil, err
	}
	in.setConn(conn)

	in.wg.Add(1)
	go in.readLoop(ctx, conn)
	return in, nil
}

func (in *Inlet) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, in.url, &websocket.DialOptions{
		HTTPHeader: in.headers,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", in.url, err)
	}
	return conn, nil
}

func (in *Inlet) setConn(conn *websocket.Conn) {
	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
}

// Chunks returns the channel of incoming chunks.
func (in *Inlet) Chunks() <-chan signal.Chunk { return in.chunks }

// Stats returns a snapshot of inlet counters.
func (in *Inlet) Stats() Stats {
	return Stats{
		Frames:       in.frames.Load(),
		DecodeErrors: in.decodeErrors.Load(),
		Redials:      in.redials.Load(),
	}
}

// Close terminates the subscription and closes the chunk channel.
func (in *Inlet) Close() error {
	in.once.Do(func() {
		close(in.done)
		// Closing the connection unblocks a read in flight.
		in.mu.Lock()
		if in.conn != nil {
			in.conn.Close(websocket.StatusNormalClosure, "inlet closed")
		}
		in.mu.Unlock()
		in.wg.Wait()
	})
	return nil
}

// readLoop receives frames until the session ends, redialling on connection
// loss. It owns the chunk channel and closes it on exit.
func (in *Inlet) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer in.wg.Done()
	defer close(in.chunks)
	defer func() {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "inlet closed")
		}
	}()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-in.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			conn.Close(websocket.StatusAbnormalClosure, "read failed")
			conn = in.redial(ctx)
			if conn == nil {
				return
			}
			in.setConn(conn)
			continue
		}

		frame, ok, derr := transport.DecodeFrame(msg)
		if derr != nil {
			in.decodeErrors.Add(1)
			slog.Warn("skipping malformed frame", "url", in.url, "err", derr)
			continue
		}
		if !ok {
			continue
		}

		in.frames.Add(1)
		select {
		case in.chunks <- frame.Chunk(time.Now()):
		case <-in.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// redial attempts to re-establish the connection with exponential backoff.
// Returns nil when the attempt budget is spent or the session ended.
func (in *Inlet) redial(ctx context.Context) *websocket.Conn {
	backoff := in.backoffBase
	for attempt := 1; attempt <= in.maxRedials; attempt++ {
		select {
		case <-in.done:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := in.dial(ctx)
		if err == nil {
			in.redials.Add(1)
			slog.Info("stream reconnected", "url", in.url, "attempt", attempt)
			return conn
		}
		slog.Warn("redial failed", "url", in.url, "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > defaultBackoffCap {
			backoff = defaultBackoffCap
		}
	}
	slog.Error("giving up on stream after redial budget", "url", in.url, "attempts", in.maxRedials)
	return nil
}
