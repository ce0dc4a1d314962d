// Package mock provides classifier test doubles: a fixed-output classifier
// with optional artificial latency (for scheduler throughput tests) and a
// biased random classifier that mimics a decoder without a model attached.
package mock

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/brainloop/cortexd/pkg/classifier"
)

// Classifier is a configurable test double implementing
// [classifier.Classifier]. The zero value classifies everything as a
// two-class coin toss; set fields before first use.
type Classifier struct {
	// Labels defaults to ["left", "right"] when empty.
	Labels []string

	// FeatureDim is the accepted feature length; 0 accepts any.
	FeatureDim int

	// Probs, when non-nil, is returned verbatim from every call.
	Probs []float64

	// Bias, in (0, 1], biases a random probability toward the first class,
	// mirroring a fake decoder. Ignored when Probs is set.
	Bias float64

	// Delay is slept on every call to simulate a CPU-bound pipeline with a
	// fixed per-window latency.
	Delay time.Duration

	// Err, when non-nil, is returned from every call.
	Err error

	calls atomic.Uint64
}

// Compile-time interface assertion.
var _ classifier.Classifier = (*Classifier)(nil)

// Calls reports how many times Classify ran.
func (c *Classifier) Calls() uint64 { return c.calls.Load() }

// Info implements [classifier.Classifier].
func (c *Classifier) Info() classifier.Info {
	return classifier.Info{Labels: c.labels(), FeatureDim: c.FeatureDim}
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(features []float64) (classifier.Result, error) {
	c.calls.Add(1)
	if c.Delay > 0 {
		time.Sleep(c.Delay)
	}
	if c.Err != nil {
		return classifier.Result{}, c.Err
	}
	if c.FeatureDim > 0 {
		if err := classifier.CheckDim(c.Info(), features); err != nil {
			return classifier.Result{}, err
		}
	}

	labels := c.labels()
	probs := c.Probs
	if probs == nil {
		probs = make([]float64, len(labels))
		first := rand.Float64()
		if c.Bias > 0 {
			first = c.Bias
		}
		probs[0] = first
		rest := (1 - first) / float64(len(labels)-1)
		for i := 1; i < len(probs); i++ {
			probs[i] = rest
		}
	}
	return classifier.Result{
		Label: labels[classifier.ArgMax(probs)],
		Probs: probs,
	}, nil
}

func (c *Classifier) labels() []string {
	if len(c.Labels) > 0 {
		return c.Labels
	}
	return []string{"left", "right"}
}
