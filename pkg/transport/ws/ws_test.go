package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brainloop/cortexd/pkg/signal"
	"github.com/brainloop/cortexd/pkg/transport"
	"github.com/coder/websocket"
)

func startStreamServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// writeFrame sends one marshalled frame as a text message.
func writeFrame(t *testing.T, conn *websocket.Conn, f transport.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeFrame: %v (may be expected on close)", err)
	}
}

func testFrame(streamID string, ts float64) transport.Frame {
	return transport.Frame{
		Type:     transport.FrameTypeChunk,
		StreamID: streamID,
		Samples: []transport.FrameSample{
			{TS: ts, Data: []float64{1, 2, 3, 4}},
			{TS: ts + 1.0/512, Data: []float64{5, 6, 7, 8}, Event: 9},
		},
	}
}

// recvChunk waits for one chunk or fails the test.
func recvChunk(t *testing.T, in *Inlet) signal.Chunk {
	t.Helper()
	select {
	case c, ok := <-in.Chunks():
		if !ok {
			t.Fatal("chunk channel closed unexpectedly")
		}
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	return signal.Chunk{}
}

func TestDial_DeliversChunks(t *testing.T) {
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeFrame(t, conn, testFrame("eeg-1", 100.0))
		// Hold the connection open until the client leaves.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv), WithRedial(0, 0))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer in.Close()

	c := recvChunk(t, in)
	if c.StreamID != "eeg-1" {
		t.Errorf("stream id = %q, want eeg-1", c.StreamID)
	}
	if len(c.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(c.Samples))
	}
	if c.Samples[0].SourceTS != 100.0 {
		t.Errorf("source ts = %g, want 100", c.Samples[0].SourceTS)
	}
	if c.Samples[1].Event != 9 {
		t.Errorf("trigger code = %d, want 9", c.Samples[1].Event)
	}
	if c.ReceivedAt.IsZero() {
		t.Error("expected a local receive timestamp")
	}
	if got := in.Stats().Frames; got != 1 {
		t.Errorf("frame counter = %d, want 1", got)
	}
}

func TestDial_SendsHeaders(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv), WithHeader("Authorization", "Token secret"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer in.Close()

	select {
	case auth := <-gotAuth:
		if auth != "Token secret" {
			t.Errorf("auth header = %q, want %q", auth, "Token secret")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the handshake")
	}
}

func TestInlet_SkipsNonChunkTraffic(t *testing.T) {
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Write(ctx, websocket.MessageText, []byte(`{not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status","stream_id":"eeg-1"}`))
		writeFrame(t, conn, testFrame("eeg-1", 5))
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer in.Close()

	c := recvChunk(t, in)
	if c.Samples[0].SourceTS != 5 {
		t.Errorf("expected the data frame after skipped traffic, got ts %g", c.Samples[0].SourceTS)
	}
	stats := in.Stats()
	if stats.DecodeErrors != 1 {
		t.Errorf("decode error counter = %d, want 1", stats.DecodeErrors)
	}
	if stats.Frames != 1 {
		t.Errorf("frame counter = %d, want 1", stats.Frames)
	}
}

func TestInlet_RedialsAfterDrop(t *testing.T) {
	var dials int
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		dials++
		if dials == 1 {
			writeFrame(t, conn, testFrame("eeg-1", 1))
			// Drop the connection mid-session.
			conn.Close(websocket.StatusAbnormalClosure, "simulated outage")
			return
		}
		writeFrame(t, conn, testFrame("eeg-1", 2))
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv), WithRedial(3, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer in.Close()

	first := recvChunk(t, in)
	second := recvChunk(t, in)
	if first.Samples[0].SourceTS != 1 || second.Samples[0].SourceTS != 2 {
		t.Errorf("expected chunks from both connections, got ts %g then %g",
			first.Samples[0].SourceTS, second.Samples[0].SourceTS)
	}
	if got := in.Stats().Redials; got != 1 {
		t.Errorf("redial counter = %d, want 1", got)
	}
}

func TestInlet_ChannelClosesWhenRedialBudgetSpent(t *testing.T) {
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.Close(websocket.StatusAbnormalClosure, "gone")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv), WithRedial(0, 0))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer in.Close()

	select {
	case _, ok := <-in.Chunks():
		if ok {
			t.Error("expected the channel to close, got a chunk")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel never closed")
	}
}

func TestDial_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := Dial(ctx, ""); err == nil {
		t.Error("expected error for empty url")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if _, err := Dial(dialCtx, "ws://127.0.0.1:1/nope"); err == nil {
		t.Error("expected error for unreachable endpoint")
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
