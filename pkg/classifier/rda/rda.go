// Package rda implements regularized (quadratic) discriminant analysis
// inference. Each class carries its own regularized precision matrix, so
// the discriminant is quadratic in the features; the shrinkage that makes
// the precision well-conditioned is applied at training time.
package rda

import (
	"fmt"
	"math"

	"github.com/brainloop/cortexd/pkg/classifier"
)

// Class is the per-class portion of an RDA model.
type Class struct {
	Label     string      `json:"label"`
	Mean      []float64   `json:"mean"`
	Precision [][]float64 `json:"precision"` // regularized inverse covariance
	LogDet    float64     `json:"log_det"`   // log determinant of the covariance
	Prior     float64     `json:"prior"`
}

// Model is the JSON model container for a trained RDA classifier.
type Model struct {
	Classes []Class `json:"classes"`
}

// Classifier evaluates a trained RDA model. Safe for concurrent use.
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
	if len(m.Classes) < 2 {
		return nil, fmt.Errorf("rda: model needs at least 2 classes, got %d", len(m.Classes))
	}
	dim := len(m.Classes[0].Mean)
	if dim == 0 {
		return nil, fmt.Errorf("rda: empty class mean")
	}
	labels := make([]string, len(m.Classes))
	for i, cl := range m.Classes {
		labels[i] = cl.Label
		if len(cl.Mean) != dim {
			return nil, fmt.Errorf("rda: class %q mean has %d features, expected %d", cl.Label, len(cl.Mean), dim)
		}
		if len(cl.Precision) != dim {
			return nil, fmt.Errorf("rda: class %q precision is %d×?, expected %d×%d", cl.Label, len(cl.Precision), dim, dim)
		}
		for r, row := range cl.Precision {
			if len(row) != dim {
				return nil, fmt.Errorf("rda: class %q precision row %d has %d columns, expected %d", cl.Label, r, len(row), dim)
			}
		}
		if cl.Prior <= 0 {
			return nil, fmt.Errorf("rda: class %q prior must be positive, got %g", cl.Label, cl.Prior)
		}
	}
	return &Classifier{
		model: m,
		info:  classifier.Info{Labels: labels, FeatureDim: dim},
	}, nil
}

// Info returns the model's labels and expected feature dimension.
func (c *Classifier) Info() classifier.Info { return c.info }

// Classify evaluates the quadratic discriminant
//
//	g_k(x) = −½ (x−μ_k)ᵀ Σ_k⁻¹ (x−μ_k) − ½ log|Σ_k| + log π_k
//
// per class and returns softmax probabilities over the scores.
func (c *Classifier) Classify(features []float64) (classifier.Result, error) {
	if err := classifier.CheckDim(c.info, features); err != nil {
		return classifier.Result{}, err
	}
	dim := c.info.FeatureDim
	diff := make([]float64, dim)
	scores := make([]float64, len(c.model.Classes))

	for k, cl := range c.model.Classes {
		for j := range diff {
			diff[j] = features[j] - cl.Mean[j]
		}
		var maha float64
		for r, row := range cl.Precision {
			var dot float64
			for j, p := range row {
				dot += p * diff[j]
			}
			maha += diff[r] * dot
		}
		scores[k] = -0.5*maha - 0.5*cl.LogDet + math.Log(cl.Prior)
	}
	probs := classifier.Softmax(scores)
	return classifier.Result{
		Label: c.info.Labels[classifier.ArgMax(probs)],
		Probs: probs,
	}, nil
}
