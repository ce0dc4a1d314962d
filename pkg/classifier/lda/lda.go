// Package lda implements linear discriminant analysis inference. The model
// file carries the per-class weight rows and biases produced by collapsing
// the shared-covariance discriminant at training time, so classification is
// a single matrix-vector product followed by a softmax.
package lda

import (
	"fmt"

	"github.com/brainloop/cortexd/pkg/classifier"
)

// Model is the JSON model container for a trained LDA classifier.
type Model struct {
	Labels  []string    `json:"labels"`
	Weights [][]float64 `json:"weights"` // classes × features
	Bias    []float64   `json:"bias"`    // one per class
}

// Classifier evaluates a trained LDA model. Safe for concurrent use; the
// model is read-only after construction.
type Classifier struct {
	model Model
	info  classifier.Info
}

// Compile-time interface assertion.
var _ classifier.Classifier = (*Classifier)(nil)

// Load reads a model file and validates its shape.
func Load(path string) (*Classifier, error) {
	var m Model
	if err := classifier.ReadModel(path, &m); err != nil {
		return nil, err
	}
	return New(m)
}

// New constructs a classifier from an in-memory model.
func New(m Model) (*Classifier, error) {
	if len(m.Labels) < 2 {
		return nil, fmt.Errorf("lda: model needs at least 2 classes, got %d", len(m.Labels))
	}
	if len(m.Weights) != len(m.Labels) || len(m.Bias) != len(m.Labels) {
		return nil, fmt.Errorf("lda: %d labels but %d weight rows and %d biases",
			len(m.Labels), len(m.Weights), len(m.Bias))
	}
	dim := len(m.Weights[0])
	if dim == 0 {
		return nil, fmt.Errorf("lda: empty weight rows")
	}
	for i, row := range m.Weights {
		if len(row) != dim {
			return nil, fmt.Errorf("lda: weight row %d has %d features, expected %d", i, len(row), dim)
		}
	}
	return &Classifier{
		model: m,
		info:  classifier.Info{Labels: m.Labels, FeatureDim: dim},
	}, nil
}

// Info returns the model's labels and expected feature dimension.
func (c *Classifier) Info() classifier.Info { return c.info }

// Classify computes discriminant scores W·x + b and returns softmax
// probabilities with the argmax label.
func (c *Classifier) Classify(features []float64) (classifier.Result, error) {
	if err := classifier.CheckDim(c.info, features); err != nil {
		return classifier.Result{}, err
	}
	scores := make([]float64, len(c.model.Labels))
	for k, row := range c.model.Weights {
		s := c.model.Bias[k]
		for j, w := range row {
			s += w * features[j]
		}
		scores[k] = s
	}
	probs := classifier.Softmax(scores)
	return classifier.Result{
		Label: c.model.Labels[classifier.ArgMax(probs)],
		Probs: probs,
	}, nil
}
