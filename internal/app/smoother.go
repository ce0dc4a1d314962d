package app

import (
	"sync"

	"github.com/brainloop/cortexd/pkg/signal"
)

// smoother is an exponential integrator over successive probability vectors.
// Raw per-window probabilities flicker at the output rate; integrating them
// trades a little reaction time for a stable control signal.
type smoother struct {
	weight float64 // weight of the previous smoothed vector, in [0, 1)

	mu    sync.Mutex
	probs []float64
}

// newSmoother returns a smoother with the given history weight. Weight 0
// returns nil, which apply treats as a pass-through.
func newSmoother(weight float64) *smoother {
	if weight <= 0 {
		return nil
	}
	return &smoother{weight: weight}
}

// apply integrates the result's probabilities in place and relabels it with
// the argmax of the smoothed vector.
func (s *smoother) apply(res *signal.DecodeResult) {
	if s == nil || len(res.Probs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.probs) != len(res.Probs) {
		s.probs = append(s.probs[:0], res.Probs...)
	} else {
		for i, p := range res.Probs {
			s.probs[i] = s.weight*s.probs[i] + (1-s.weight)*p
		}
	}
	copy(res.Probs, s.probs)

	best := 0
	for i, p := range res.Probs {
		if p > res.Probs[best] {
			best = i
		}
	}
	if best < len(res.Labels) {
		res.Label = res.Labels[best]
	}
}
