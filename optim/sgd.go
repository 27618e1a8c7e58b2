// Package optim implements parameter updates, learning
// rate schedules, and dynamic loss scaling.
package optim

import "github.com/unixpickle/dist-ssd/nn"

// An Optimizer updates parameters from their gradients.
type Optimizer interface {
	Step(params []*nn.Param)
	LR() float64
	SetLR(lr float64)
}

// SGD is stochastic gradient descent with momentum and
// L2 weight decay.
//
// The decay term is added to the gradient before the
// momentum update, so it is scaled by the learning rate.
type SGD struct {
	Rate        float64
	Momentum    float64
	WeightDecay float64

	velocity map[*nn.Param][]float64
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 {
	return s.Rate
}

// SetLR changes the learning rate.
func (s *SGD) SetLR(lr float64) {
	s.Rate = lr
}

// Step applies one update to every parameter.
func (s *SGD) Step(params []*nn.Param) {
	if s.velocity == nil {
		s.velocity = map[*nn.Param][]float64{}
	}
	for _, p := range params {
		v, ok := s.velocity[p]
		if !ok && s.Momentum != 0 {
			v = make([]float64, len(p.Data))
			s.velocity[p] = v
		}
		for i, g := range p.Grad {
			g += s.WeightDecay * p.Data[i]
			if s.Momentum != 0 {
				if ok {
					v[i] = s.Momentum*v[i] + g
				} else {
					v[i] = g
				}
				g = v[i]
			}
			p.Data[i] -= s.Rate * g
		}
	}
}
