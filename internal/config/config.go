// Package config provides the configuration schema and loader for the
// Cortexd streaming decoder.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Cortexd server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Rereference selects the spatial re-referencing scheme applied to each
// window before filtering.
type Rereference string

const (
	// RereferenceCAR subtracts the common average across channels.
	RereferenceCAR Rereference = "car"

	// RereferenceNone leaves channels as acquired.
	RereferenceNone Rereference = "none"
)

// IsValid reports whether r is a recognised re-referencing scheme.
func (r Rereference) IsValid() bool {
	return r == RereferenceCAR || r == RereferenceNone
}

// ClassifierType selects the classifier variant loaded at startup.
type ClassifierType string

const (
	ClassifierLDA    ClassifierType = "lda"
	ClassifierRDA    ClassifierType = "rda"
	ClassifierForest ClassifierType = "forest"

	// ClassifierMock emits biased random labels without a model file. Used
	// for end-to-end latency measurements before a model is trained.
	ClassifierMock ClassifierType = "mock"
)

// IsValid reports whether c is a recognised classifier type.
func (c ClassifierType) IsValid() bool {
	switch c {
	case ClassifierLDA, ClassifierRDA, ClassifierForest, ClassifierMock:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values like "25ms" decode directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Cortexd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Session    SessionConfig    `yaml:"session"`
	Sync       SyncConfig       `yaml:"sync"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

// ServerConfig holds network and logging settings for the Cortexd server.
type ServerConfig struct {
	// ListenAddr is the TCP address the health and metrics endpoints listen
	// on (e.g., ":9305"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig selects the acquisition source.
type TransportConfig struct {
	// URL is the WebSocket subscription endpoint of the acquisition server.
	// Mutually exclusive with Replay.
	URL string `yaml:"url"`

	// Stream is the stream identifier expected on incoming chunks.
	Stream string `yaml:"stream"`

	// Replay is a path to a recorded session (JSON lines) played back in
	// place of a live stream.
	Replay string `yaml:"replay"`

	// ReplaySpeed scales replay pacing; 0 replays unpaced.
	ReplaySpeed float64 `yaml:"replay_speed"`

	// Token is sent as an Authorization header on the WebSocket dial.
	Token string `yaml:"token"`
}

// SessionConfig shapes the decoding session: channel montage, windowing,
// and the worker pool.
type SessionConfig struct {
	// Channels is the montage, in the order samples carry their values.
	Channels []string `yaml:"channels"`

	// SampleRate is the acquisition rate in Hz.
	SampleRate float64 `yaml:"sample_rate"`

	// WindowSeconds is the decode window span.
	WindowSeconds float64 `yaml:"window_seconds"`

	// StrideSeconds is the output period of the virtual decode clock. The
	// interleaving factor is the window processing latency over this.
	StrideSeconds float64 `yaml:"stride_seconds"`

	// BufferSeconds is the sliding buffer's retention span.
	BufferSeconds float64 `yaml:"buffer_seconds"`

	// Workers is the number of interleaved decode slots.
	Workers int `yaml:"workers"`

	// OverloadPolicy is "drop" or "queue".
	OverloadPolicy string `yaml:"overload_policy"`

	// QueueDepth bounds per-slot backlog under the queue policy.
	QueueDepth int `yaml:"queue_depth"`

	// DrainTimeout bounds shutdown waiting for in-flight windows.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// Smoothing is the exponential integrator weight applied to successive
	// probability vectors, in [0, 1). 0 disables smoothing.
	Smoothing float64 `yaml:"smoothing"`
}

// SyncConfig tunes the source-clock offset estimator.
type SyncConfig struct {
	// Alpha is the EWMA weight for new offset observations, in (0, 1].
	Alpha float64 `yaml:"alpha"`

	// Divergence is the deviation beyond which the stream is declared
	// desynchronized.
	Divergence Duration `yaml:"divergence"`

	// ResyncCount is how many consecutive in-bound observations restore
	// trust after a desync.
	ResyncCount int `yaml:"resync_count"`

	// Drift enables least-squares drift-rate estimation on top of the
	// offset EWMA.
	Drift bool `yaml:"drift"`

	// DriftWindow is the observation window for drift regression.
	DriftWindow int `yaml:"drift_window"`
}

// PipelineConfig shapes the per-window signal processing chain.
type PipelineConfig struct {
	// Rereference selects the spatial re-referencing scheme. Empty means
	// car.
	Rereference Rereference `yaml:"rereference"`

	// Bandpass configures the pass band. Nil disables band-pass filtering.
	Bandpass *BandpassConfig `yaml:"bandpass"`

	// Notch configures power-line rejection. Nil disables the notch.
	Notch *NotchConfig `yaml:"notch"`

	// Bands lists the [low, high] frequency bands whose log power forms the
	// feature vector, per channel.
	Bands [][2]float64 `yaml:"bands"`
}

// BandpassConfig is a band-pass filter specification in Hz.
type BandpassConfig struct {
	Low   float64 `yaml:"low"`
	High  float64 `yaml:"high"`
	Order int     `yaml:"order"`
}

// NotchConfig is a notch filter specification.
type NotchConfig struct {
	// Freq is the centre frequency in Hz (50 or 60 for mains hum).
	Freq float64 `yaml:"freq"`

	// Q is the notch quality factor; higher is narrower.
	Q float64 `yaml:"q"`
}

// ClassifierConfig selects the classifier variant and its model file.
type ClassifierConfig struct {
	// Type selects the variant.
	Type ClassifierType `yaml:"type"`

	// Model is the path to the JSON model file written by the offline
	// trainer. Unused for the mock type.
	Model string `yaml:"model"`
}
