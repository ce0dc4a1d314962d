package decoder

import (
	"math"
	"testing"
	"time"

	"github.com/brainloop/cortexd/pkg/classifier"
	classifiermock "github.com/brainloop/cortexd/pkg/classifier/mock"
	"github.com/brainloop/cortexd/pkg/signal"
)

func testConfig(cls *classifiermock.Classifier) Config {
	return Config{
		SampleRate:    512,
		Channels:      4,
		WindowSamples: 512,
		Rereference:   "car",
		Bandpass:      &BandpassConfig{Low: 8, High: 30, Order: 2},
		Notch:         &NotchConfig{Freq: 50, Q: 30},
		Bands:         [][2]float64{{8, 12}, {13, 30}},
		Classifier:    cls,
	}
}

func makeWindow(channels, samples int, fill func(ch, i int) float64) *signal.Window {
	w := &signal.Window{
		Data:  make([][]float64, channels),
		EndAt: time.Now(),
		Seq:   3,
	}
	for ch := range w.Data {
		w.Data[ch] = make([]float64, samples)
		for i := range w.Data[ch] {
			w.Data[ch][i] = fill(ch, i)
		}
	}
	return w
}

func TestPipeline_Process(t *testing.T) {
	cls := &classifiermock.Classifier{
		Labels:     []string{"left", "right"},
		FeatureDim: 8, // 4 channels × 2 bands
		Probs:      []float64{0.7, 0.3},
	}
	p, err := New(testConfig(cls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := makeWindow(4, 512, func(ch, i int) float64 {
		return math.Sin(2 * math.Pi * 10 * float64(i) / 512 * float64(ch+1))
	})
	res, err := p.Process(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != "left" {
		t.Errorf("expected left, got %s", res.Label)
	}
	if res.Seq != 3 {
		t.Errorf("expected seq carried through, got %d", res.Seq)
	}
	if !res.WindowEnd.Equal(w.EndAt) {
		t.Errorf("expected window end carried through")
	}
	if cls.Calls() != 1 {
		t.Errorf("expected 1 classifier call, got %d", cls.Calls())
	}

	t.Run("window left unmodified", func(t *testing.T) {
		want := math.Sin(2 * math.Pi * 10 * 5 / 512)
		if got := w.Data[0][5]; got != want {
			t.Errorf("pipeline mutated the immutable window: %g != %g", got, want)
		}
	})

	t.Run("wrong window shape", func(t *testing.T) {
		bad := makeWindow(2, 512, func(ch, i int) float64 { return 0 })
		if _, err := p.Process(bad); err == nil {
			t.Fatal("expected shape error, got nil")
		}
	})
}

func TestCommonAverage(t *testing.T) {
	// A signal identical on all channels is the reference itself and must
	// cancel entirely under common-average re-referencing.
	data := [][]float64{sine(10, 512, 256), sine(10, 512, 256)}
	commonAverage(data)
	for ch := range data {
		for i, v := range data[ch] {
			if v != 0 {
				t.Fatalf("channel %d sample %d not cancelled: %g", ch, i, v)
			}
		}
	}
}

func TestNew_ConstructionFaults(t *testing.T) {
	okCls := &classifiermock.Classifier{FeatureDim: 8, Labels: []string{"a", "b"}}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing classifier", func(c *Config) { c.Classifier = nil }},
		{"dimensionality mismatch", func(c *Config) {
			c.Classifier = &classifiermock.Classifier{FeatureDim: 5, Labels: []string{"a", "b"}}
		}},
		{"no bands", func(c *Config) { c.Bands = nil }},
		{"zero channels", func(c *Config) { c.Channels = 0 }},
		{"zero window", func(c *Config) { c.WindowSamples = 0 }},
		{"bad rereference", func(c *Config) { c.Rereference = "bipolar" }},
		{"bad bandpass", func(c *Config) { c.Bandpass = &BandpassConfig{Low: 30, High: 8, Order: 2} }},
		{"bad notch", func(c *Config) { c.Notch = &NotchConfig{Freq: 0, Q: 30} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(okCls)
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected construction error, got nil")
			}
		})
	}
}

func TestPipeline_BandPowerSeparation(t *testing.T) {
	// A pure 10 Hz tone must put more power in the 8–12 band than in the
	// 13–30 band; a 20 Hz tone the other way around.
	capture := &featureCapture{FeatureDim: 2}
	cfg := Config{
		SampleRate:    512,
		Channels:      1,
		WindowSamples: 1024,
		Bands:         [][2]float64{{8, 12}, {13, 30}},
		Classifier:    capture,
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := makeWindow(1, 1024, func(_, i int) float64 { return math.Sin(2 * math.Pi * 10 * float64(i) / 512) })
	if _, err := p.Process(w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capture.last[0] <= capture.last[1] {
		t.Errorf("10 Hz tone: expected alpha band power %g > beta band power %g", capture.last[0], capture.last[1])
	}

	p2, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w2 := makeWindow(1, 1024, func(_, i int) float64 { return math.Sin(2 * math.Pi * 20 * float64(i) / 512) })
	if _, err := p2.Process(w2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capture.last[1] <= capture.last[0] {
		t.Errorf("20 Hz tone: expected beta band power %g > alpha band power %g", capture.last[1], capture.last[0])
	}
}

// featureCapture records the last feature vector it was asked to classify.
type featureCapture struct {
	FeatureDim int
	last       []float64
}

func (f *featureCapture) Info() classifier.Info {
	return classifier.Info{Labels: []string{"x"}, FeatureDim: f.FeatureDim}
}

func (f *featureCapture) Classify(features []float64) (classifier.Result, error) {
	f.last = append(f.last[:0], features...)
	return classifier.Result{Label: "x", Probs: []float64{1}}, nil
}
