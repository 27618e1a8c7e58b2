package train

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func runGate(patience int, objectives []float64) (stoppedAt int, saves []int) {
	g := NewGate(patience, func(epoch int, objective float64) error {
		saves = append(saves, epoch)
		return nil
	})
	for i, obj := range objectives {
		state, err := g.Observe(i+1, obj)
		if err != nil {
			panic(err)
		}
		if state == Stopped {
			return i + 1, saves
		}
	}
	return 0, saves
}

func TestGateDecreasing(t *testing.T) {
	objectives := make([]float64, 50)
	for i := range objectives {
		objectives[i] = 100 - float64(i)
	}
	g := NewGate(1, nil)
	for i, obj := range objectives {
		state, err := g.Observe(i+1, obj)
		if err != nil {
			t.Fatal(err)
		}
		if state != Improved || g.Counter() != 0 {
			t.Fatalf("epoch %d: unexpected state %s with counter %d", i+1, state, g.Counter())
		}
	}
	if g.State() != Running || g.Best() != 51 {
		t.Errorf("unexpected final state %s, best %f", g.State(), g.Best())
	}
}

func TestGateConstant(t *testing.T) {
	for patience := 1; patience < 6; patience++ {
		t.Run(fmt.Sprintf("Patience=%d", patience), func(t *testing.T) {
			objectives := make([]float64, patience+5)
			for i := range objectives {
				objectives[i] = 3
			}
			stoppedAt, saves := runGate(patience, objectives)
			if stoppedAt != patience+1 {
				t.Errorf("expected stop at epoch %d but got %d", patience+1, stoppedAt)
			}
			if len(saves) != 1 || saves[0] != 1 {
				t.Errorf("expected a single save at epoch 1 but got %v", saves)
			}
		})
	}
}

func TestGatePatienceTwo(t *testing.T) {
	stoppedAt, _ := runGate(2, []float64{5, 5, 5, 5})
	if stoppedAt != 3 {
		t.Errorf("expected stop after epoch 3 but got %d", stoppedAt)
	}
}

func TestGateResetOnImprovement(t *testing.T) {
	stoppedAt, saves := runGate(2, []float64{5, 6, 4, 4.5, 4, 7})
	if stoppedAt != 5 {
		t.Errorf("expected stop at epoch 5 but got %d", stoppedAt)
	}
	if len(saves) != 2 || saves[1] != 3 {
		t.Errorf("unexpected saves %v", saves)
	}
}

func TestGateNaN(t *testing.T) {
	stoppedAt, _ := runGate(1, []float64{1, math.NaN()})
	if stoppedAt != 2 {
		t.Error("NaN should not count as an improvement")
	}
}

func TestGateNaNFirst(t *testing.T) {
	stoppedAt, saves := runGate(2, []float64{math.NaN(), 5, 4, 3})
	if stoppedAt != 0 {
		t.Errorf("stopped at epoch %d while improving", stoppedAt)
	}
	if len(saves) != 3 || saves[0] != 2 || saves[2] != 4 {
		t.Errorf("unexpected saves %v", saves)
	}

	g := NewGate(1, nil)
	g.Observe(1, math.NaN())
	if !math.IsInf(g.Best(), 1) || g.Saved() {
		t.Errorf("NaN became the best objective: %f", g.Best())
	}
}

func TestGateTerminal(t *testing.T) {
	g := NewGate(1, nil)
	g.Observe(1, 2)
	g.Observe(2, 2)
	if state, _ := g.Observe(3, 0); state != Stopped || g.Best() != 2 {
		t.Errorf("stopped gate changed: %s, best %f", state, g.Best())
	}
}

func TestGateSaveError(t *testing.T) {
	failure := errors.New("disk full")
	g := NewGate(3, func(int, float64) error { return failure })
	if _, err := g.Observe(1, 1); err != failure {
		t.Errorf("expected save error but got %v", err)
	}
	if g.Saved() {
		t.Error("failed save should not be recorded")
	}
}
