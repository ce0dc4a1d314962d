// Package app wires all Cortexd subsystems into a running decode session.
//
// The App struct owns the full lifecycle: New creates and connects the
// sliding buffer, clock synchronization, the interleaved scheduler and the
// per-slot decode pipelines; Run executes the session until the context is
// cancelled or the source ends.
//
// For testing, inject doubles via functional options (WithInlet,
// WithResultHandler, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/brainloop/cortexd/internal/config"
	"github.com/brainloop/cortexd/internal/decoder"
	"github.com/brainloop/cortexd/internal/health"
	"github.com/brainloop/cortexd/internal/observe"
	"github.com/brainloop/cortexd/internal/sched"
	"github.com/brainloop/cortexd/internal/stream"
	"github.com/brainloop/cortexd/pkg/classifier"
	"github.com/brainloop/cortexd/pkg/signal"
	"github.com/brainloop/cortexd/pkg/transport"
	"github.com/brainloop/cortexd/pkg/transport/replay"
	"github.com/brainloop/cortexd/pkg/transport/ws"
)

// Sync estimator defaults, applied when the config leaves them zero.
const (
	defaultSyncAlpha      = 0.125
	defaultSyncDivergence = 25 * time.Millisecond
	defaultResyncCount    = 8
	defaultDrainTimeout   = 2 * time.Second
)

// probeInterval is how often the decode-rate summary is logged.
const probeInterval = 10 * time.Second

// inletStaleAfter is how old the newest chunk may be before the readiness
// probe reports the inlet unhealthy.
const inletStaleAfter = 2 * time.Second

// App owns all subsystem lifetimes and orchestrates one decode session.
type App struct {
	cfg       *config.Config
	sessionID string
	metrics   *observe.Metrics

	inlet     transport.Inlet
	buffer    *stream.Buffer
	clock     *stream.ClockSync
	extractor *stream.Extractor
	scheduler *sched.Scheduler
	smooth    *smoother
	handler   func(signal.DecodeResult)

	// lastChunk holds the receive time of the newest chunk, for the inlet
	// readiness probe.
	lastChunk atomic.Value // time.Time
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInlet injects a transport source instead of dialling one from config.
func WithInlet(in transport.Inlet) Option {
	return func(a *App) { a.inlet = in }
}

// WithResultHandler sets the consumer callback. Each decode result is handed
// over exactly once, in window-timestamp order; the app keeps no reference
// to it afterwards. The callback runs on the emission goroutine and must not
// block.
func WithResultHandler(fn func(signal.DecodeResult)) Option {
	return func(a *App) { a.handler = fn }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The classifier comes
// from main.go, loaded per the config. Construction faults such as a feature
// dimension mismatch or an unbuildable pipeline abort here; nothing that can
// be validated is deferred to Run.
func New(cfg *config.Config, cls classifier.Classifier, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		sessionID: uuid.NewString(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.handler == nil {
		a.handler = func(signal.DecodeResult) {}
	}

	sess := cfg.Session
	windowSamples := int(math.Round(sess.WindowSeconds * sess.SampleRate))
	bufferSamples := int(math.Round(sess.BufferSeconds * sess.SampleRate))
	if bufferSamples == 0 {
		bufferSamples = 2 * windowSamples
	}

	var err error
	if a.buffer, err = stream.NewBuffer(bufferSamples, len(cfg.Session.Channels)); err != nil {
		return nil, fmt.Errorf("app: create buffer: %w", err)
	}

	if a.clock, err = stream.NewClockSync(time.Now(), syncConfig(cfg.Sync)); err != nil {
		return nil, fmt.Errorf("app: create clock sync: %w", err)
	}

	channels := len(sess.Channels)
	if a.extractor, err = stream.NewExtractor(a.buffer, a.clock, channels, windowSamples); err != nil {
		return nil, fmt.Errorf("app: create extractor: %w", err)
	}

	a.smooth = newSmoother(sess.Smoothing)

	pipeCfg := pipelineConfig(cfg, channels, windowSamples, cls)
	factory := func(slot int) (sched.Processor, error) {
		return decoder.New(pipeCfg)
	}

	drain := sess.DrainTimeout.Std()
	if drain == 0 {
		drain = defaultDrainTimeout
	}
	a.scheduler, err = sched.New(sched.Config{
		Workers:      sess.Workers,
		Period:       time.Duration(sess.StrideSeconds * float64(time.Second)),
		Policy:       sched.OverloadPolicy(sess.OverloadPolicy),
		QueueDepth:   sess.QueueDepth,
		DrainTimeout: drain,
	}, a.extractor, factory, a.emit)
	if err != nil {
		return nil, fmt.Errorf("app: create scheduler: %w", err)
	}

	return a, nil
}

// syncConfig maps the YAML sync block onto the estimator config, applying
// defaults for unset fields.
func syncConfig(c config.SyncConfig) stream.SyncConfig {
	out := stream.SyncConfig{
		Alpha:       c.Alpha,
		Divergence:  c.Divergence.Std(),
		ResyncCount: c.ResyncCount,
		Drift:       c.Drift,
		DriftWindow: c.DriftWindow,
	}
	if out.Alpha == 0 {
		out.Alpha = defaultSyncAlpha
	}
	if out.Divergence == 0 {
		out.Divergence = defaultSyncDivergence
	}
	if out.ResyncCount == 0 {
		out.ResyncCount = defaultResyncCount
	}
	return out
}

// pipelineConfig maps the YAML pipeline block onto the decoder config.
func pipelineConfig(cfg *config.Config, channels, windowSamples int, cls classifier.Classifier) decoder.Config {
	out := decoder.Config{
		SampleRate:    cfg.Session.SampleRate,
		Channels:      channels,
		WindowSamples: windowSamples,
		Rereference:   string(cfg.Pipeline.Rereference),
		Bands:         cfg.Pipeline.Bands,
		Classifier:    cls,
	}
	if bp := cfg.Pipeline.Bandpass; bp != nil {
		out.Bandpass = &decoder.BandpassConfig{Low: bp.Low, High: bp.High, Order: bp.Order}
	}
	if n := cfg.Pipeline.Notch; n != nil {
		out.Notch = &decoder.NotchConfig{Freq: n.Freq, Q: n.Q}
	}
	return out
}

// SessionID returns the unique identifier of this decode session.
func (a *App) SessionID() string { return a.sessionID }

// BufferReader exposes the sliding buffer for side consumers such as an
// external recorder. Reads are copies; the decode path is unaffected.
func (a *App) BufferReader() signal.Reader { return a.buffer }

// Synced reports the current clock synchronization state.
func (a *App) Synced() bool { return a.clock.Synced() }

// emit is the scheduler's result callback: smoothing, metrics, then the
// consumer handler.
func (a *App) emit(res signal.DecodeResult) {
	a.smooth.apply(&res)
	a.metrics.RecordResult(context.Background(), res.Label, res.EmittedAt.Sub(res.WindowEnd))
	a.handler(res)
}

// Run executes the decode session until ctx is cancelled or the source ends.
// It dials the configured transport unless one was injected, starts the
// producer loop and the scheduler, and serves health and metrics endpoints
// when a listen address is configured.
func (a *App) Run(ctx context.Context) error {
	if a.inlet == nil {
		in, err := a.dialInlet(ctx)
		if err != nil {
			return err
		}
		a.inlet = in
	}

	g, gctx := errgroup.WithContext(ctx)

	// sessionCtx ends when the producer sees the source close, so the
	// scheduler drains instead of ticking into an emptying buffer.
	sessionCtx, endSession := context.WithCancel(gctx)
	defer endSession()

	g.Go(func() error {
		defer endSession()
		return a.produce(gctx)
	})

	g.Go(func() error {
		return a.scheduler.Run(sessionCtx)
	})

	g.Go(func() error {
		a.probeLoop(sessionCtx)
		return nil
	})

	if a.cfg.Server.ListenAddr != "" {
		srv := a.httpServer()
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-sessionCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Close the inlet once the session ends so the producer's range loop
	// terminates.
	g.Go(func() error {
		<-sessionCtx.Done()
		return a.inlet.Close()
	})

	slog.Info("session running",
		"session_id", a.sessionID,
		"channels", len(a.cfg.Session.Channels),
		"workers", a.cfg.Session.Workers,
		"stride", time.Duration(a.cfg.Session.StrideSeconds*float64(time.Second)),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logSessionSummary()
	return err
}

// dialInlet builds the transport source from config: a replay player or a
// live WebSocket subscription.
func (a *App) dialInlet(ctx context.Context) (transport.Inlet, error) {
	tc := a.cfg.Transport
	if tc.Replay != "" {
		var opts []replay.Option
		if tc.ReplaySpeed > 0 {
			opts = append(opts, replay.WithPacing(tc.ReplaySpeed))
		}
		p, err := replay.Open(tc.Replay, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: open replay: %w", err)
		}
		slog.Info("replaying recorded session", "path", tc.Replay, "speed", tc.ReplaySpeed)
		return p, nil
	}

	var opts []ws.Option
	if tc.Token != "" {
		opts = append(opts, ws.WithHeader("Authorization", "Token "+tc.Token))
	}
	in, err := ws.Dial(ctx, tc.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: dial stream: %w", err)
	}
	slog.Info("subscribed to live stream", "url", tc.URL, "stream", tc.Stream)
	return in, nil
}

// produce is the single producer loop: correct each chunk's timestamps, push
// it into the sliding buffer, and keep the ingestion metrics current.
func (a *App) produce(ctx context.Context) error {
	var prevBuf stream.BufferStats
	var prevSync stream.SyncStats

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-a.inlet.Chunks():
			if !ok {
				slog.Info("stream ended", "session_id", a.sessionID)
				return nil
			}
			if want := a.cfg.Transport.Stream; want != "" && chunk.StreamID != want {
				slog.Warn("dropping chunk from unexpected stream", "got", chunk.StreamID, "want", want)
				continue
			}
			a.lastChunk.Store(time.Now())

			a.clock.Correct(&chunk)
			report := a.buffer.Push(chunk)

			a.metrics.SamplesReceived.Add(ctx, int64(report.Accepted))
			if report.Dropped > 0 {
				a.metrics.RecordDrop(ctx, int64(report.Dropped), "out_of_order")
			}
			if report.Malformed > 0 {
				a.metrics.RecordDrop(ctx, int64(report.Malformed), "channel_mismatch")
				slog.Warn("dropping samples with mismatched channel count",
					"stream", chunk.StreamID, "count", report.Malformed)
			}

			buf := a.buffer.Stats()
			if d := buf.Evicted - prevBuf.Evicted; d > 0 {
				a.metrics.SamplesEvicted.Add(ctx, int64(d))
			}
			prevBuf = buf

			sync := a.clock.Stats()
			if d := sync.DesyncEvents - prevSync.DesyncEvents; d > 0 {
				a.metrics.DesyncEvents.Add(ctx, int64(d))
			}
			prevSync = sync
			a.metrics.RecordSyncState(ctx, a.clock.Synced())
		}
	}
}

// probeLoop logs an achieved-rate summary once per probe interval and
// flushes the windowing and scheduling counters to the metrics instruments.
func (a *App) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	var prev sched.Stats
	var prevExt stream.ExtractorStats
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := a.scheduler.Stats()
			ext := a.extractor.Stats()
			elapsed := now.Sub(last).Seconds()
			rate := float64(cur.Emitted-prev.Emitted) / elapsed

			if d := ext.Extracted - prevExt.Extracted; d > 0 {
				a.metrics.WindowsExtracted.Add(ctx, int64(d))
			}
			for range ext.SkippedShort - prevExt.SkippedShort {
				a.metrics.RecordSkip(ctx, "insufficient_data")
			}
			for range ext.SkippedDesynced - prevExt.SkippedDesynced {
				a.metrics.RecordSkip(ctx, "desynchronized")
			}
			if d := cur.Overruns - prev.Overruns; d > 0 {
				a.metrics.TicksOverrun.Add(ctx, int64(d))
			}

			slog.Info("decode rate",
				"session_id", a.sessionID,
				"results_per_s", fmt.Sprintf("%.1f", rate),
				"target_per_s", fmt.Sprintf("%.1f", 1/a.cfg.Session.StrideSeconds),
				"overruns", cur.Overruns-prev.Overruns,
				"skips", cur.Skips-prev.Skips,
				"synced", a.clock.Synced(),
			)
			prev = cur
			prevExt = ext
			last = now
		}
	}
}

// httpServer builds the health and metrics endpoint server.
func (a *App) httpServer() *http.Server {
	lastChunk := func() time.Time {
		t, _ := a.lastChunk.Load().(time.Time)
		return t
	}
	h := health.New(
		health.SyncChecker(a.clock.Synced),
		health.InletChecker(lastChunk, inletStaleAfter),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// logSessionSummary reports final counters when the session ends.
func (a *App) logSessionSummary() {
	buf := a.buffer.Stats()
	sync := a.clock.Stats()
	ext := a.extractor.Stats()
	sch := a.scheduler.Stats()

	slog.Info("session summary",
		"session_id", a.sessionID,
		"samples_received", buf.Received,
		"samples_dropped", buf.Dropped,
		"samples_evicted", buf.Evicted,
		"desync_events", sync.DesyncEvents,
		"windows_extracted", ext.Extracted,
		"ticks", sch.Ticks,
		"overruns", sch.Overruns,
		"results_emitted", sch.Emitted,
	)
}
