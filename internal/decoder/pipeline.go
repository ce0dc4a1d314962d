package decoder

import (
	"errors"
	"fmt"
	"math"

	"github.com/brainloop/cortexd/pkg/classifier"
	"github.com/brainloop/cortexd/pkg/signal"
)

// BandpassConfig configures the optional band-pass stage.
type BandpassConfig struct {
	Low   float64
	High  float64
	Order int
}

// NotchConfig configures the optional power-line notch stage.
type NotchConfig struct {
	Freq float64
	Q    float64
}

// Config describes one pipeline instance. Channel count, window length and
// sample rate are fixed for the session; the pipeline validates the feature
// dimensionality they imply against the classifier before any window flows.
type Config struct {
	SampleRate    float64
	Channels      int
	WindowSamples int

	// Rereference selects the spatial re-referencing stage: "car" for
	// common-average re-referencing or "none".
	Rereference string

	// Bandpass, when non-nil, enables the band-pass stage.
	Bandpass *BandpassConfig

	// Notch, when non-nil, enables the notch stage.
	Notch *NotchConfig

	// Bands lists the [low, high] frequency bands whose log power forms
	// the feature vector: one feature per channel per band, channel-major.
	Bands [][2]float64

	// Classifier is the trained model handle. Required; a missing
	// classifier is a construction fault, not a per-window error.
	Classifier classifier.Classifier
}

// FeatureDim returns the feature-vector length the config produces.
func (c Config) FeatureDim() int { return c.Channels * len(c.Bands) }

// Pipeline applies the configured preprocessing chain and classifier to
// one window at a time. It owns mutable filter state and therefore must
// not be shared: the scheduler builds one pipeline per worker slot.
type Pipeline struct {
	cfg   Config
	model classifier.Classifier

	bandpass *Filter
	notch    *Filter
	bank     []*Filter // one stateful band-pass per feature band

	work    [][]float64 // preprocessed window, reused across calls
	scratch [][]float64 // per-band filtered copy, reused across calls
	feats   []float64
}

// New builds a pipeline and performs all construction-time checks: stage
// parameter validation and feature-dimensionality agreement with the
// classifier. Any error here is fatal for the session.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("decoder: channel count must be positive, got %d", cfg.Channels)
	}
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("decoder: window length must be positive, got %d", cfg.WindowSamples)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("decoder: sample rate must be positive, got %g", cfg.SampleRate)
	}
	switch cfg.Rereference {
	case "", "none", "car":
	default:
		return nil, fmt.Errorf("decoder: unknown rereference mode %q", cfg.Rereference)
	}
	if len(cfg.Bands) == 0 {
		return nil, errors.New("decoder: at least one feature band is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("decoder: classifier is required before the session starts")
	}
	if want := cfg.Classifier.Info().FeatureDim; want > 0 && want != cfg.FeatureDim() {
		return nil, fmt.Errorf("decoder: classifier expects %d features but %d channels × %d bands yields %d",
			want, cfg.Channels, len(cfg.Bands), cfg.FeatureDim())
	}

	p := &Pipeline{cfg: cfg, model: cfg.Classifier}

	var err error
	if cfg.Bandpass != nil {
		p.bandpass, err = newBandpass(cfg.Bandpass.Low, cfg.Bandpass.High, cfg.SampleRate, cfg.Bandpass.Order, cfg.Channels)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Notch != nil {
		p.notch, err = newNotch(cfg.Notch.Freq, cfg.Notch.Q, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
	}
	p.bank = make([]*Filter, len(cfg.Bands))
	for i, band := range cfg.Bands {
		p.bank[i], err = newBandpass(band[0], band[1], cfg.SampleRate, 2, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("decoder: feature band %d: %w", i, err)
		}
	}

	p.work = makeMatrix(cfg.Channels, cfg.WindowSamples)
	p.scratch = makeMatrix(cfg.Channels, cfg.WindowSamples)
	p.feats = make([]float64, cfg.FeatureDim())
	return p, nil
}

// Process runs the full chain on one window and returns the decode result.
// It mutates only this pipeline's own filter state; the window itself is
// left untouched.
func (p *Pipeline) Process(w *signal.Window) (signal.DecodeResult, error) {
	if w.Channels() != p.cfg.Channels || w.Samples() != p.cfg.WindowSamples {
		return signal.DecodeResult{}, fmt.Errorf("decoder: window is %d×%d, pipeline expects %d×%d",
			w.Channels(), w.Samples(), p.cfg.Channels, p.cfg.WindowSamples)
	}

	for ch := range w.Data {
		copy(p.work[ch], w.Data[ch])
	}

	if p.cfg.Rereference == "car" {
		commonAverage(p.work)
	}
	if p.bandpass != nil {
		p.bandpass.Apply(p.work)
	}
	if p.notch != nil {
		p.notch.Apply(p.work)
	}

	// Log band power per channel per band, channel-major.
	for b, f := range p.bank {
		for ch := range p.work {
			copy(p.scratch[ch], p.work[ch])
		}
		f.Apply(p.scratch)
		for ch, row := range p.scratch {
			p.feats[ch*len(p.bank)+b] = logPower(row)
		}
	}

	res, err := p.model.Classify(p.feats)
	if err != nil {
		return signal.DecodeResult{}, fmt.Errorf("decoder: classify window at %v: %w", w.EndAt, err)
	}
	return signal.DecodeResult{
		Label:     res.Label,
		Labels:    p.model.Info().Labels,
		Probs:     res.Probs,
		WindowEnd: w.EndAt,
		Seq:       w.Seq,
	}, nil
}

// commonAverage subtracts the cross-channel mean from every sample,
// removing reference drift shared by all electrodes.
func commonAverage(data [][]float64) {
	samples := len(data[0])
	inv := 1.0 / float64(len(data))
	for i := 0; i < samples; i++ {
		var mean float64
		for ch := range data {
			mean += data[ch][i]
		}
		mean *= inv
		for ch := range data {
			data[ch][i] -= mean
		}
	}
}

// logPower returns the log of the mean squared amplitude, floored to avoid
// -Inf on silent channels.
func logPower(row []float64) float64 {
	var sum float64
	for _, v := range row {
		sum += v * v
	}
	mean := sum / float64(len(row))
	const floor = 1e-12
	if mean < floor {
		mean = floor
	}
	return math.Log(mean)
}

func makeMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
