// Package forest implements inference over a trained ensemble of decision
// trees (random forest). Each tree is a flat node array; leaves carry class
// probability distributions that are averaged across the ensemble.
package forest

import (
	"fmt"

	"github.com/brainloop/cortexd/pkg/classifier"
)

// Node is one tree node. Internal nodes route on Feature ≤ Threshold;
// leaves (Left == -1) carry a class distribution.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`  // -1 marks a leaf
	Right     int       `json:"right"` // -1 marks a leaf
	Dist      []float64 `json:"dist,omitempty"`
}

// Tree is a flat decision tree rooted at node 0. Children always point
// forward in the array, so every routing walk terminates.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Model is the JSON model container for a trained forest.
type Model struct {
	Labels     []string `json:"labels"`
	FeatureDim int      `json:"feature_dim"`
	Trees      []Tree   `json:"trees"`
}

// Classifier evaluates a trained tree ensemble. Safe for concurrent use.
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
		return nil, fmt.Errorf("forest: model needs at least 2 classes, got %d", len(m.Labels))
	}
	if m.FeatureDim <= 0 {
		return nil, fmt.Errorf("forest: feature_dim must be positive, got %d", m.FeatureDim)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("forest: model has no trees")
	}
	for ti, tree := range m.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("forest: tree %d is empty", ti)
		}
		for ni, n := range tree.Nodes {
			leaf := n.Left == -1
			if leaf != (n.Right == -1) {
				return nil, fmt.Errorf("forest: tree %d node %d has one-sided children", ti, ni)
			}
			if leaf {
				if len(n.Dist) != len(m.Labels) {
					return nil, fmt.Errorf("forest: tree %d leaf %d has %d-class dist, expected %d",
						ti, ni, len(n.Dist), len(m.Labels))
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= m.FeatureDim {
				return nil, fmt.Errorf("forest: tree %d node %d routes on feature %d outside dim %d",
					ti, ni, n.Feature, m.FeatureDim)
			}
			if n.Left < 0 || n.Left >= len(tree.Nodes) || n.Right < 0 || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("forest: tree %d node %d has child out of range", ti, ni)
			}
			if n.Left <= ni || n.Right <= ni {
				return nil, fmt.Errorf("forest: tree %d node %d links back to an earlier node", ti, ni)
			}
		}
	}
	return &Classifier{
		model: m,
		info:  classifier.Info{Labels: m.Labels, FeatureDim: m.FeatureDim},
	}, nil
}

// Info returns the model's labels and expected feature dimension.
func (c *Classifier) Info() classifier.Info { return c.info }

// Classify routes the feature vector through every tree and averages the
// leaf distributions.
func (c *Classifier) Classify(features []float64) (classifier.Result, error) {
	if err := classifier.CheckDim(c.info, features); err != nil {
		return classifier.Result{}, err
	}
	probs := make([]float64, len(c.model.Labels))
	for _, tree := range c.model.Trees {
		node := tree.Nodes[0]
		for node.Left != -1 {
			if features[node.Feature] <= node.Threshold {
				node = tree.Nodes[node.Left]
			} else {
				node = tree.Nodes[node.Right]
			}
		}
		for i, p := range node.Dist {
			probs[i] += p
		}
	}
	inv := 1.0 / float64(len(c.model.Trees))
	for i := range probs {
		probs[i] *= inv
	}
	return classifier.Result{
		Label: c.model.Labels[classifier.ArgMax(probs)],
		Probs: probs,
	}, nil
}
