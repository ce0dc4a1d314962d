package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brainloop/cortexd/internal/config"
	classifiermock "github.com/brainloop/cortexd/pkg/classifier/mock"
	"github.com/brainloop/cortexd/pkg/signal"
	transportmock "github.com/brainloop/cortexd/pkg/transport/mock"
)

// testConfig returns a small live-session config: 4 channels at 128 Hz,
// quarter-second windows on a 50 ms stride.
func testConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{URL: "ws://unused", Stream: "test"},
		Session: config.SessionConfig{
			Channels:      []string{"C3", "C4", "Cz", "Pz"},
			SampleRate:    128,
			WindowSeconds: 0.25,
			StrideSeconds: 0.05,
			BufferSeconds: 2,
			Workers:       2,
			DrainTimeout:  config.Duration(2 * time.Second),
		},
		Sync: config.SyncConfig{
			Alpha:       0.2,
			Divergence:  config.Duration(10 * time.Second),
			ResyncCount: 2,
		},
		Pipeline: config.PipelineConfig{
			Rereference: config.RereferenceNone,
			Bands:       [][2]float64{{8, 12}, {13, 30}},
		},
	}
}

func testClassifier() *classifiermock.Classifier {
	return &classifiermock.Classifier{
		Labels:     []string{"left", "right"},
		FeatureDim: 8, // 4 channels × 2 bands
		Probs:      []float64{0.8, 0.2},
	}
}

// feedChunks sends n quarter-second chunks through the inlet at roughly
// real-time pacing, so the clock estimator sees a steady offset.
func feedChunks(t *testing.T, in *transportmock.Inlet, stream string, n int) {
	t.Helper()
	const rate = 128.0
	const perChunk = 32

	for c := 0; c < n; c++ {
		samples := make([]signal.Sample, perChunk)
		for i := range samples {
			k := c*perChunk + i
			values := make([]float64, 4)
			for ch := range values {
				values[ch] = float64(ch + k)
			}
			samples[i] = signal.Sample{SourceTS: float64(k) / rate, Values: values}
		}
		if err := in.Send(signal.Chunk{StreamID: stream, Samples: samples, ReceivedAt: time.Now()}); err != nil {
			return
		}
		time.Sleep(time.Duration(perChunk / rate * float64(time.Second)))
	}
}

func TestApp_EndToEnd(t *testing.T) {
	inlet := transportmock.New(64)
	cls := testClassifier()

	var mu sync.Mutex
	var results []signal.DecodeResult
	got := make(chan struct{}, 64)

	a, err := New(testConfig(), cls,
		WithInlet(inlet),
		WithResultHandler(func(r signal.DecodeResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			got <- struct{}{}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	go feedChunks(t, inlet, "test", 8)

	// Wait for a handful of results, then end the session.
	for i := 0; i < 5; i++ {
		select {
		case <-got:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for decode results")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) < 5 {
		t.Fatalf("expected at least 5 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Label != "left" {
			t.Errorf("result %d label = %q, want left", i, r.Label)
		}
		if i > 0 && r.Seq <= results[i-1].Seq {
			t.Errorf("results out of order at %d: seq %d after %d", i, r.Seq, results[i-1].Seq)
		}
		if r.EmittedAt.IsZero() {
			t.Errorf("result %d has no emission timestamp", i)
		}
	}
	if cls.Calls() == 0 {
		t.Error("classifier was never invoked")
	}
}

func TestApp_SessionEndsWhenStreamCloses(t *testing.T) {
	inlet := transportmock.New(64)
	a, err := New(testConfig(), testClassifier(), WithInlet(inlet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	feedChunks(t, inlet, "test", 2)
	inlet.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after stream end: %v", err)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("session did not end after the stream closed")
	}
}

func TestApp_FiltersForeignStreams(t *testing.T) {
	inlet := transportmock.New(4)
	a, err := New(testConfig(), testClassifier(), WithInlet(inlet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	inlet.Send(signal.Chunk{
		StreamID:   "someone-else",
		Samples:    []signal.Sample{{SourceTS: 0, Values: []float64{1, 2, 3, 4}}},
		ReceivedAt: time.Now(),
	})
	time.Sleep(100 * time.Millisecond)

	if got := a.BufferReader().ReadLatest(1); len(got) != 0 {
		t.Errorf("foreign-stream samples reached the buffer: %v", got)
	}

	cancel()
	<-done
}

func TestNew_ConstructionFaults(t *testing.T) {
	t.Run("classifier dimension mismatch", func(t *testing.T) {
		cls := &classifiermock.Classifier{Labels: []string{"a", "b"}, FeatureDim: 3}
		if _, err := New(testConfig(), cls, WithInlet(transportmock.New(1))); err == nil {
			t.Error("expected construction error, got nil")
		}
	})

	t.Run("no workers", func(t *testing.T) {
		cfg := testConfig()
		cfg.Session.Workers = 0
		if _, err := New(cfg, testClassifier(), WithInlet(transportmock.New(1))); err == nil {
			t.Error("expected construction error, got nil")
		}
	})
}

func TestApp_SessionIdentity(t *testing.T) {
	a, err := New(testConfig(), testClassifier(), WithInlet(transportmock.New(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(testConfig(), testClassifier(), WithInlet(transportmock.New(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Errorf("expected distinct non-empty session ids, got %q and %q", a.SessionID(), b.SessionID())
	}
}
