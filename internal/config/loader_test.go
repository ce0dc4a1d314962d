package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9305"
  log_level: info
transport:
  url: "ws://localhost:16571/stream/eeg"
  stream: "openbci-eeg"
session:
  channels: [Fz, Cz, Pz, Oz]
  sample_rate: 512
  window_seconds: 1.0
  stride_seconds: 0.1
  buffer_seconds: 5.0
  workers: 4
  overload_policy: drop
  drain_timeout: 2s
  smoothing: 0.2
sync:
  alpha: 0.125
  divergence: 25ms
  resync_count: 8
pipeline:
  rereference: car
  bandpass: {low: 8, high: 30, order: 2}
  notch: {freq: 50, q: 30}
  bands: [[8, 12], [13, 30]]
classifier:
  type: lda
  model: ./models/mi-lda.json
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9305" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if len(cfg.Session.Channels) != 4 || cfg.Session.Channels[1] != "Cz" {
		t.Errorf("channels = %v", cfg.Session.Channels)
	}
	if cfg.Session.DrainTimeout.Std() != 2*time.Second {
		t.Errorf("drain_timeout = %v", cfg.Session.DrainTimeout.Std())
	}
	if cfg.Sync.Divergence.Std() != 25*time.Millisecond {
		t.Errorf("divergence = %v", cfg.Sync.Divergence.Std())
	}
	if cfg.Pipeline.Bandpass == nil || cfg.Pipeline.Bandpass.High != 30 {
		t.Errorf("bandpass = %+v", cfg.Pipeline.Bandpass)
	}
	if len(cfg.Pipeline.Bands) != 2 || cfg.Pipeline.Bands[1] != [2]float64{13, 30} {
		t.Errorf("bands = %v", cfg.Pipeline.Bands)
	}
	if cfg.Classifier.Type != ClassifierLDA {
		t.Errorf("classifier type = %q", cfg.Classifier.Type)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	yaml := strings.Replace(validYAML, "stream:", "streem:", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestValidate_CollectsAllFaults(t *testing.T) {
	yaml := `
session:
  channels: [Fz, Fz]
  sample_rate: 0
  window_seconds: 1.0
  stride_seconds: 0.1
  workers: 0
pipeline:
  bands: [[8, 12]]
classifier:
  type: svm
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{
		"transport",
		"duplicate",
		"sample_rate",
		"workers",
		"classifier.type",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected joined error to mention %q, got:\n%v", want, err)
		}
	}
}

func TestValidate_TransportSources(t *testing.T) {
	t.Run("url and replay are mutually exclusive", func(t *testing.T) {
		yaml := strings.Replace(validYAML, `stream: "openbci-eeg"`, `stream: "openbci-eeg"
  replay: ./session.jsonl`, 1)
		if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
			t.Error("expected error for both sources configured")
		}
	})

	t.Run("replay alone is a valid source", func(t *testing.T) {
		yaml := strings.Replace(validYAML, `url: "ws://localhost:16571/stream/eeg"`, `replay: ./session.jsonl`, 1)
		if _, err := LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestValidate_QueuePolicyNeedsDepth(t *testing.T) {
	yaml := strings.Replace(validYAML, "overload_policy: drop", "overload_policy: queue", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for queue policy without queue_depth")
	}

	yaml = strings.Replace(yaml, "overload_policy: queue", "overload_policy: queue\n  queue_depth: 2", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_ClassifierModelRequired(t *testing.T) {
	yaml := strings.Replace(validYAML, "model: ./models/mi-lda.json", "", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for lda without a model file")
	}

	yaml = strings.Replace(yaml, "type: lda", "type: mock", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("mock needs no model, got: %v", err)
	}
}

func TestValidate_BandsAgainstNyquist(t *testing.T) {
	yaml := strings.Replace(validYAML, "bands: [[8, 12], [13, 30]]", "bands: [[8, 12], [200, 300]]", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for band above the Nyquist rate")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cortexd.yml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
