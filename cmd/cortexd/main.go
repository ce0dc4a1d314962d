// Command cortexd is the main entry point for the Cortexd streaming decoder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brainloop/cortexd/internal/app"
	"github.com/brainloop/cortexd/internal/config"
	"github.com/brainloop/cortexd/internal/observe"
	"github.com/brainloop/cortexd/pkg/classifier"
	"github.com/brainloop/cortexd/pkg/classifier/forest"
	"github.com/brainloop/cortexd/pkg/classifier/lda"
	classifiermock "github.com/brainloop/cortexd/pkg/classifier/mock"
	"github.com/brainloop/cortexd/pkg/classifier/rda"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cortexd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cortexd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cortexd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cortexd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Classifier ────────────────────────────────────────────────────────────
	cls, err := buildClassifier(cfg.Classifier)
	if err != nil {
		slog.Error("failed to load classifier", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, cls)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("session ready — press Ctrl+C to shut down", "session_id", application.SessionID())

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Classifier wiring ──────────────────────────────────────────────────────────

// buildClassifier loads the trained model named by the config. The mock
// classifier needs no model file and exists for wiring checks and demos.
func buildClassifier(cfg config.ClassifierConfig) (classifier.Classifier, error) {
	switch cfg.Type {
	case config.ClassifierLDA:
		return lda.Load(cfg.Model)
	case config.ClassifierRDA:
		return rda.Load(cfg.Model)
	case config.ClassifierForest:
		return forest.Load(cfg.Model)
	case config.ClassifierMock:
		return &classifiermock.Classifier{}, nil
	default:
		return nil, fmt.Errorf("unknown classifier type %q", cfg.Type)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Cortexd — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	source := cfg.Transport.URL
	if cfg.Transport.Replay != "" {
		source = cfg.Transport.Replay
	}
	printField("Source", source)
	printField("Stream", cfg.Transport.Stream)
	printField("Channels", fmt.Sprintf("%d @ %g Hz", len(cfg.Session.Channels), cfg.Session.SampleRate))
	printField("Window", fmt.Sprintf("%gs / %gs stride", cfg.Session.WindowSeconds, cfg.Session.StrideSeconds))
	printField("Workers", fmt.Sprintf("%d", cfg.Session.Workers))
	printField("Classifier", string(cfg.Classifier.Type))
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
