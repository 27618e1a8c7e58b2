package train

import (
	"fmt"
	"math"
)

// State is the state of a Gate.
type State int

const (
	Running State = iota
	Improved
	Stalled
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Improved:
		return "improved"
	case Stalled:
		return "stalled"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Gate decides when to save the model and when to stop
// training, based on the validation objective of each
// epoch.
//
// Only rank 0 owns a Gate; its decision reaches the other
// ranks through a broadcast.
type Gate struct {
	Patience int

	// Save persists the model when the objective
	// improves.
	Save func(epoch int, objective float64) error

	best    float64
	hasBest bool
	counter int
	saved   bool
	state   State
}

// NewGate creates a gate in the Running state.
func NewGate(patience int, save func(epoch int, objective float64) error) *Gate {
	return &Gate{Patience: patience, Save: save}
}

// Observe feeds the objective of an epoch to the gate and
// returns the transition it caused: Improved, Stalled, or
// Stopped.
//
// An objective must be strictly lower than the best so
// far to count as an improvement. NaN never improves, not
// even on the first epoch. Once Stopped, the gate stays
// Stopped.
func (g *Gate) Observe(epoch int, objective float64) (State, error) {
	if g.state == Stopped {
		return Stopped, nil
	}
	if !math.IsNaN(objective) && (!g.hasBest || objective < g.best) {
		g.best = objective
		g.hasBest = true
		g.counter = 0
		g.state = Running
		if g.Save != nil {
			if err := g.Save(epoch, objective); err != nil {
				return Improved, err
			}
		}
		g.saved = true
		return Improved, nil
	}
	g.counter++
	if g.counter >= g.Patience {
		g.state = Stopped
		return Stopped, nil
	}
	g.state = Running
	return Stalled, nil
}

// State returns Running or Stopped.
func (g *Gate) State() State {
	return g.state
}

// Best returns the best objective seen so far, or +Inf if
// no epoch improved.
func (g *Gate) Best() float64 {
	if !g.hasBest {
		return math.Inf(1)
	}
	return g.best
}

// Counter returns the number of epochs since the last
// improvement.
func (g *Gate) Counter() int {
	return g.counter
}

// Saved reports whether a checkpoint was written.
func (g *Gate) Saved() bool {
	return g.saved
}
