// Package metrics accumulates per-pass losses and metrics
// and keeps their per-epoch history.
package metrics

import "fmt"

// A Meter is a running mean.
type Meter struct {
	Sum   float64
	Count int
}

// Add adds a value to the mean.
func (m *Meter) Add(x float64) {
	m.Sum += x
	m.Count++
}

// Mean returns the mean, or 0 if nothing was added.
func (m *Meter) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// PassResult is the mean of every tracked quantity over
// one training or validation pass.
type PassResult struct {
	// Loss has 3 or 4 components: localization,
	// classification, regression, and decorrelation.
	Loss []float64

	// Event is event-level precision and recall.
	Event [2]float64

	// Box is box-level precision for both classes
	// followed by recall for both classes.
	Box [4]float64

	Batches int
}

// Total returns the sum of the loss components.
func (p PassResult) Total() float64 {
	var res float64
	for _, x := range p.Loss {
		res += x
	}
	return res
}

func (p PassResult) String() string {
	return fmt.Sprintf("loss=%.4f %v event=%.3f box=%.3f", p.Total(), p.Loss, p.Event, p.Box)
}

// An Accumulator averages batch results over one pass.
//
// A new Accumulator is used for every pass.
type Accumulator struct {
	loss  []Meter
	event [2]Meter
	box   [4]Meter
}

// NewAccumulator creates an accumulator for a loss vector
// of the given length.
func NewAccumulator(numLosses int) *Accumulator {
	return &Accumulator{loss: make([]Meter, numLosses)}
}

// Add records one batch.
func (a *Accumulator) Add(loss []float64, event [2]float64, box [4]float64) {
	if len(loss) != len(a.loss) {
		panic(fmt.Sprintf("expected %d loss components but got %d", len(a.loss), len(loss)))
	}
	for i, x := range loss {
		a.loss[i].Add(x)
	}
	for i, x := range event {
		a.event[i].Add(x)
	}
	for i, x := range box {
		a.box[i].Add(x)
	}
}

// Result returns the means of everything added so far.
func (a *Accumulator) Result() PassResult {
	res := PassResult{Loss: make([]float64, len(a.loss))}
	for i := range a.loss {
		res.Loss[i] = a.loss[i].Mean()
	}
	for i := range a.event {
		res.Event[i] = a.event[i].Mean()
	}
	for i := range a.box {
		res.Box[i] = a.box[i].Mean()
	}
	if len(a.loss) > 0 {
		res.Batches = a.loss[0].Count
	} else {
		res.Batches = a.event[0].Count
	}
	return res
}
