package app

import (
	"math"
	"testing"

	"github.com/brainloop/cortexd/pkg/signal"
)

func TestSmoother_Disabled(t *testing.T) {
	s := newSmoother(0)
	res := signal.DecodeResult{Label: "left", Labels: []string{"left", "right"}, Probs: []float64{0.9, 0.1}}
	s.apply(&res)
	if res.Probs[0] != 0.9 || res.Label != "left" {
		t.Errorf("disabled smoother must pass through, got %+v", res)
	}
}

func TestSmoother_IntegratesAndRelabels(t *testing.T) {
	s := newSmoother(0.8)

	// Establish history pointing left.
	for i := 0; i < 5; i++ {
		res := signal.DecodeResult{Labels: []string{"left", "right"}, Probs: []float64{0.9, 0.1}}
		s.apply(&res)
	}

	// One contradicting window must not flip the integrated label.
	res := signal.DecodeResult{Label: "right", Labels: []string{"left", "right"}, Probs: []float64{0.1, 0.9}}
	s.apply(&res)
	if res.Label != "left" {
		t.Errorf("one outlier flipped the smoothed label to %q", res.Label)
	}
	if res.Probs[0] <= res.Probs[1] {
		t.Errorf("smoothed probs = %v, expected left still dominant", res.Probs)
	}

	// A sustained reversal eventually does flip it.
	for i := 0; i < 20; i++ {
		res = signal.DecodeResult{Labels: []string{"left", "right"}, Probs: []float64{0.1, 0.9}}
		s.apply(&res)
	}
	if res.Label != "right" {
		t.Errorf("sustained reversal never flipped the label, got %q with probs %v", res.Label, res.Probs)
	}
}

func TestSmoother_ConvergesToStationaryInput(t *testing.T) {
	s := newSmoother(0.5)
	var res signal.DecodeResult
	for i := 0; i < 40; i++ {
		res = signal.DecodeResult{Labels: []string{"a", "b"}, Probs: []float64{0.7, 0.3}}
		s.apply(&res)
	}
	if math.Abs(res.Probs[0]-0.7) > 1e-6 {
		t.Errorf("smoothed probs did not converge to the input: %v", res.Probs)
	}
}
