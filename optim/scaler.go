package optim

import (
	"math"

	"github.com/unixpickle/dist-ssd/nn"
)

// Default GradScaler settings.
const (
	DefaultInitScale      = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// A GradScaler multiplies the loss before the backward
// pass of a reduced-precision forward pass, so that small
// gradients survive rounding, and divides the gradients by
// the same factor before the update.
//
// When the scaled gradients overflow, the update is
// skipped and the scale is reduced. After GrowthInterval
// consecutive good steps the scale grows again.
type GradScaler struct {
	Scale          float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	goodSteps int
}

// NewGradScaler creates a scaler with default settings.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		Scale:          DefaultInitScale,
		GrowthFactor:   DefaultGrowthFactor,
		BackoffFactor:  DefaultBackoffFactor,
		GrowthInterval: DefaultGrowthInterval,
	}
}

// Unscale divides every gradient by the scale and reports
// whether all of them are finite.
func (g *GradScaler) Unscale(params []*nn.Param) bool {
	finite := true
	inv := 1 / g.Scale
	for _, p := range params {
		for i, x := range p.Grad {
			x *= inv
			if math.IsNaN(x) || math.IsInf(x, 0) {
				finite = false
			}
			p.Grad[i] = x
		}
	}
	return finite
}

// Step runs opt if the unscaled gradients were finite and
// updates the scale. It reports whether the step ran.
func (g *GradScaler) Step(opt Optimizer, params []*nn.Param, finite bool) bool {
	if finite {
		opt.Step(params)
	}
	g.Update(finite)
	return finite
}

// Update adjusts the scale after a step.
func (g *GradScaler) Update(finite bool) {
	if !finite {
		g.Scale *= g.BackoffFactor
		g.goodSteps = 0
		return
	}
	g.goodSteps++
	if g.goodSteps >= g.GrowthInterval {
		g.Scale *= g.GrowthFactor
		g.goodSteps = 0
	}
}
