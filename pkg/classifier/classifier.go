// Package classifier defines the inference contract consumed by the decode
// pipeline, together with the JSON model container written by an offline
// trainer.
//
// Training, cross-validation and feature selection happen elsewhere; this
// package only loads a trained model and evaluates it. New classifier kinds
// are added as new packages implementing [Classifier] and selected at
// session construction time — there is no hierarchy to subclass.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Result is one inference outcome: the winning label and the per-class
// probability vector, ordered like [Info.Labels].
type Result struct {
	Label string
	Probs []float64
}

// Info describes a loaded model's fixed shape.
type Info struct {
	// Labels lists the class labels in probability-vector order.
	Labels []string

	// FeatureDim is the feature vector length the model expects. Checked
	// against the pipeline's output dimensionality before the session
	// starts.
	FeatureDim int
}

// Classifier maps a feature vector to a label and probability vector. All
// implementations must be safe for concurrent use: worker slots share one
// model handle while owning their own filter state.
type Classifier interface {
	Classify(features []float64) (Result, error)
	Info() Info
}

// ErrDimension reports a feature vector whose length does not match the
// model. This indicates pipeline misconstruction and is checked again at
// session start; per-window it should never fire.
var ErrDimension = errors.New("classifier: feature dimensionality mismatch")

// CheckDim validates a feature vector length against the model info.
func CheckDim(info Info, features []float64) error {
	if len(features) != info.FeatureDim {
		return fmt.Errorf("%w: model expects %d features, got %d",
			ErrDimension, info.FeatureDim, len(features))
	}
	return nil
}

// Softmax converts raw discriminant scores into a probability vector. The
// computation is shifted by the max score for numeric stability.
func Softmax(scores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(s - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ArgMax returns the index of the largest probability.
func ArgMax(probs []float64) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}

// ReadModel decodes a JSON model file into dst, rejecting unknown fields so
// a model written for one classifier kind cannot be silently loaded by
// another.
func ReadModel(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("classifier: open model %q: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("classifier: decode model %q: %w", path, err)
	}
	return nil
}
