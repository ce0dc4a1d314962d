package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		slog.Warn("server.listen_addr is empty; health and metrics endpoints are disabled")
	}

	// Transport: exactly one source.
	switch {
	case cfg.Transport.URL == "" && cfg.Transport.Replay == "":
		errs = append(errs, errors.New("transport: either url or replay is required"))
	case cfg.Transport.URL != "" && cfg.Transport.Replay != "":
		errs = append(errs, errors.New("transport: url and replay are mutually exclusive"))
	}
	if cfg.Transport.ReplaySpeed < 0 {
		errs = append(errs, fmt.Errorf("transport.replay_speed %.2f must not be negative", cfg.Transport.ReplaySpeed))
	}

	errs = append(errs, validateSession(&cfg.Session)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validatePipeline(&cfg.Pipeline, cfg.Session.SampleRate)...)

	// Classifier
	if cfg.Classifier.Type != "" && !cfg.Classifier.Type.IsValid() {
		errs = append(errs, fmt.Errorf("classifier.type %q is invalid; valid values: lda, rda, forest, mock", cfg.Classifier.Type))
	}
	if cfg.Classifier.Type.IsValid() && cfg.Classifier.Type != ClassifierMock && cfg.Classifier.Model == "" {
		errs = append(errs, fmt.Errorf("classifier.model is required for type %q", cfg.Classifier.Type))
	}

	return errors.Join(errs...)
}

func validateSession(s *SessionConfig) []error {
	var errs []error

	if len(s.Channels) == 0 {
		errs = append(errs, errors.New("session.channels is required"))
	}
	seen := make(map[string]int, len(s.Channels))
	for i, ch := range s.Channels {
		if ch == "" {
			errs = append(errs, fmt.Errorf("session.channels[%d] must not be empty", i))
			continue
		}
		if prev, ok := seen[ch]; ok {
			errs = append(errs, fmt.Errorf("session.channels[%d] %q is a duplicate of channels[%d]", i, ch, prev))
		}
		seen[ch] = i
	}

	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %.1f must be positive", s.SampleRate))
	}
	if s.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.window_seconds %.3f must be positive", s.WindowSeconds))
	}
	if s.StrideSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.stride_seconds %.3f must be positive", s.StrideSeconds))
	}
	if s.BufferSeconds > 0 && s.WindowSeconds > 0 && s.BufferSeconds < s.WindowSeconds {
		errs = append(errs, fmt.Errorf("session.buffer_seconds %.3f must cover at least one window (%.3f s)", s.BufferSeconds, s.WindowSeconds))
	}
	if s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("session.workers %d must be positive", s.Workers))
	}
	if s.OverloadPolicy != "" && s.OverloadPolicy != "drop" && s.OverloadPolicy != "queue" {
		errs = append(errs, fmt.Errorf("session.overload_policy %q is invalid; valid values: drop, queue", s.OverloadPolicy))
	}
	if s.OverloadPolicy == "queue" && s.QueueDepth <= 0 {
		errs = append(errs, errors.New("session.queue_depth is required for the queue overload policy"))
	}
	if s.Smoothing < 0 || s.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("session.smoothing %.2f is out of range [0, 1)", s.Smoothing))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.Alpha != 0 && (s.Alpha < 0 || s.Alpha > 1) {
		errs = append(errs, fmt.Errorf("sync.alpha %.3f is out of range (0, 1]", s.Alpha))
	}
	if s.Divergence < 0 {
		errs = append(errs, fmt.Errorf("sync.divergence %v must not be negative", s.Divergence.Std()))
	}
	if s.ResyncCount < 0 {
		errs = append(errs, fmt.Errorf("sync.resync_count %d must not be negative", s.ResyncCount))
	}
	if s.Drift && s.DriftWindow < 2 {
		errs = append(errs, fmt.Errorf("sync.drift_window %d must be at least 2 when drift estimation is enabled", s.DriftWindow))
	}

	return errs
}

func validatePipeline(p *PipelineConfig, sampleRate float64) []error {
	var errs []error
	nyquist := sampleRate / 2

	if p.Rereference != "" && !p.Rereference.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.rereference %q is invalid; valid values: car, none", p.Rereference))
	}

	if bp := p.Bandpass; bp != nil {
		if bp.Low <= 0 || bp.High <= bp.Low {
			errs = append(errs, fmt.Errorf("pipeline.bandpass requires 0 < low < high, got [%.1f, %.1f]", bp.Low, bp.High))
		}
		if sampleRate > 0 && bp.High >= nyquist {
			errs = append(errs, fmt.Errorf("pipeline.bandpass.high %.1f exceeds the Nyquist rate %.1f", bp.High, nyquist))
		}
		if bp.Order <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.bandpass.order %d must be positive", bp.Order))
		}
	} else {
		slog.Warn("pipeline.bandpass is not configured; windows are decoded broadband")
	}

	if n := p.Notch; n != nil {
		if n.Freq <= 0 || (sampleRate > 0 && n.Freq >= nyquist) {
			errs = append(errs, fmt.Errorf("pipeline.notch.freq %.1f is outside (0, %.1f)", n.Freq, nyquist))
		}
		if n.Q <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.notch.q %.1f must be positive", n.Q))
		}
	}

	if len(p.Bands) == 0 {
		errs = append(errs, errors.New("pipeline.bands is required"))
	}
	for i, b := range p.Bands {
		if b[0] <= 0 || b[1] <= b[0] {
			errs = append(errs, fmt.Errorf("pipeline.bands[%d] requires 0 < low < high, got [%.1f, %.1f]", i, b[0], b[1]))
		} else if sampleRate > 0 && b[1] >= nyquist {
			errs = append(errs, fmt.Errorf("pipeline.bands[%d].high %.1f exceeds the Nyquist rate %.1f", i, b[1], nyquist))
		}
	}

	return errs
}
