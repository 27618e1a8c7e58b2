package ternary

import "github.com/unixpickle/dist-ssd/nn"

// State holds the quantization parameters of one layer for
// the current epoch.
type State struct {
	Delta float64
	Alpha float64
}

type layer struct {
	conv  *nn.Conv2D
	state State
}

// A Quantizer manages ternarization of the eligible layers
// of a network.
type Quantizer struct {
	DeltaFactor float64

	layers []*layer
	active *Session
}

// NewQuantizer creates a quantizer for every eligible
// convolution in convs.
//
// The quantizer starts with thresholds computed from the
// current weights.
func NewQuantizer(convs []*nn.Conv2D) *Quantizer {
	q := &Quantizer{DeltaFactor: DefaultDeltaFactor}
	for _, c := range convs {
		if Eligible(c) {
			q.layers = append(q.layers, &layer{conv: c})
		}
	}
	q.Refresh()
	return q
}

// NumLayers returns the number of quantized layers.
func (q *Quantizer) NumLayers() int {
	return len(q.layers)
}

// States returns the current per-layer parameters.
func (q *Quantizer) States() []State {
	res := make([]State, len(q.layers))
	for i, l := range q.layers {
		res[i] = l.state
	}
	return res
}

// Refresh recomputes delta and alpha for every layer from
// the full-precision weights.
//
// It must not be called during a session.
func (q *Quantizer) Refresh() {
	if q.active != nil {
		panic("refresh during an active session")
	}
	for _, l := range q.layers {
		l.state = q.compute(l.conv.Weight.Data)
	}
}

// Begin saves the full-precision weights and replaces them
// with their ternary versions.
//
// The returned Session must be ended before the optimizer
// step and before the next Begin.
func (q *Quantizer) Begin() *Session {
	return q.begin(false)
}

// BeginEval ternarizes the weights for a validation pass.
//
// If recompute is true, thresholds are computed from the
// current weights for this pass only; otherwise the
// epoch's training thresholds are reused.
func (q *Quantizer) BeginEval(recompute bool) *Session {
	return q.begin(recompute)
}

// Clamp limits the full-precision weights to [-1, 1].
func (q *Quantizer) Clamp() {
	if q.active != nil {
		panic("clamp during an active session")
	}
	for _, l := range q.layers {
		Clamp(l.conv.Weight.Data, -1, 1)
	}
}

func (q *Quantizer) begin(recompute bool) *Session {
	if q.active != nil {
		panic("session already active")
	}
	s := &Session{q: q, shadows: make([][]float64, len(q.layers))}
	for i, l := range q.layers {
		w := l.conv.Weight.Data
		st := l.state
		if recompute {
			st = q.compute(w)
		}
		s.shadows[i] = append([]float64{}, w...)
		Ternarize(w, s.shadows[i], st.Delta, st.Alpha)
	}
	q.active = s
	return s
}

func (q *Quantizer) compute(w []float64) State {
	delta := Delta(w, q.DeltaFactor)
	return State{Delta: delta, Alpha: Alpha(w, delta)}
}

// A Session holds the full-precision weights while the
// network runs on ternary weights.
type Session struct {
	q       *Quantizer
	shadows [][]float64
}

// End restores the full-precision weights.
// Calls after the first have no effect.
func (s *Session) End() {
	if s.shadows == nil {
		return
	}
	for i, l := range s.q.layers {
		copy(l.conv.Weight.Data, s.shadows[i])
	}
	s.shadows = nil
	s.q.active = nil
}
