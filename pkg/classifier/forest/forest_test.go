package forest

import (
	"math"
	"testing"
)

// stumpModel builds a two-tree ensemble of decision stumps splitting on
// feature 0 at 0: left leaf favours "rest", right leaf favours "move".
func stumpModel() Model {
	stump := Tree{Nodes: []Node{
		{Feature: 0, Threshold: 0, Left: 1, Right: 2},
		{Left: -1, Right: -1, Dist: []float64{0.9, 0.1}},
		{Left: -1, Right: -1, Dist: []float64{0.2, 0.8}},
	}}
	return Model{
		Labels:     []string{"rest", "move"},
		FeatureDim: 2,
		Trees:      []Tree{stump, stump},
	}
}

func TestClassifier_Classify(t *testing.T) {
	c, err := New(stumpModel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("routes below threshold", func(t *testing.T) {
		res, err := c.Classify([]float64{-1, 0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Label != "rest" {
			t.Errorf("expected rest, got %s", res.Label)
		}
		if math.Abs(res.Probs[0]-0.9) > 1e-9 {
			t.Errorf("expected averaged leaf dist 0.9, got %v", res.Probs)
		}
	})

	t.Run("routes above threshold", func(t *testing.T) {
		res, err := c.Classify([]float64{1, 0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Label != "move" {
			t.Errorf("expected move, got %s", res.Label)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		if _, err := c.Classify([]float64{1}); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Model)
	}{
		{"no trees", func(m *Model) { m.Trees = nil }},
		{"zero feature dim", func(m *Model) { m.FeatureDim = 0 }},
		{"leaf dist wrong size", func(m *Model) { m.Trees[0].Nodes[1].Dist = []float64{1} }},
		{"feature out of range", func(m *Model) { m.Trees[0].Nodes[0].Feature = 5 }},
		{"child out of range", func(m *Model) { m.Trees[0].Nodes[0].Left = 9 }},
		{"self-referential node", func(m *Model) { m.Trees[0].Nodes[0].Left = 0 }},
		{"cycle through an ancestor", func(m *Model) {
			m.Trees[0].Nodes[1] = Node{Feature: 1, Threshold: 0, Left: 0, Right: 2}
		}},
		{"one-sided children", func(m *Model) { m.Trees[0].Nodes[0].Left = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := stumpModel()
			tc.mutate(&m)
			if _, err := New(m); err == nil {
				t.Error("expected construction error, got nil")
			}
		})
	}
}
