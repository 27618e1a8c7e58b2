package ternary

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/dist-ssd/nn"
)

func TestEligible(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	cases := []struct {
		in, out, k int
		expected   bool
	}{
		{8, 16, 3, true},
		{8, 16, 1, false},
		{3, 16, 3, false},
		{8, 4, 3, false},
		{4, 5, 3, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("In=%d,Out=%d,K=%d", c.in, c.out, c.k), func(t *testing.T) {
			conv := nn.NewConv2D("conv", c.in, c.out, c.k, c.k, rng)
			if Eligible(conv) != c.expected {
				t.Errorf("expected %v", c.expected)
			}
		})
	}
}

func TestDeltaAlpha(t *testing.T) {
	w := []float64{1, -1, 0.1, -0.1}
	delta := Delta(w, DefaultDeltaFactor)
	if math.Abs(delta-0.7*0.55) > 1e-12 {
		t.Errorf("unexpected delta %f", delta)
	}
	if alpha := Alpha(w, delta); alpha != 1 {
		t.Errorf("unexpected alpha %f", alpha)
	}
	if alpha := Alpha(w, 2); alpha != 0 {
		t.Errorf("expected zero alpha but got %f", alpha)
	}

	dst := make([]float64, 4)
	Ternarize(dst, w, delta, 1)
	for i, x := range []float64{1, -1, 0, 0} {
		if dst[i] != x {
			t.Errorf("unexpected ternary weights %v", dst)
			break
		}
	}

	// Delta depends only on magnitudes.
	neg := []float64{-1, 1, -0.1, 0.1}
	if Delta(neg, DefaultDeltaFactor) != delta {
		t.Error("delta changed under sign flip")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	convs := []*nn.Conv2D{
		nn.NewConv2D("in", 3, 8, 3, 3, rng),
		nn.NewConv2D("mid", 8, 16, 3, 3, rng),
		nn.NewConv2D("head", 16, 4, 1, 1, rng),
	}
	q := NewQuantizer(convs)
	if q.NumLayers() != 1 {
		t.Fatalf("expected 1 eligible layer but got %d", q.NumLayers())
	}

	original := make([][]float64, len(convs))
	for i, c := range convs {
		original[i] = append([]float64{}, c.Weight.Data...)
	}

	s := q.Begin()
	st := q.States()[0]
	for _, x := range convs[1].Weight.Data {
		if x != 0 && x != st.Alpha && x != -st.Alpha {
			t.Fatalf("weight %f is not ternary", x)
		}
	}
	for _, i := range []int{0, 2} {
		if !equal(convs[i].Weight.Data, original[i]) {
			t.Errorf("ineligible layer %s was modified", convs[i].Name)
		}
	}
	s.End()
	s.End()
	for i, c := range convs {
		if !equal(c.Weight.Data, original[i]) {
			t.Errorf("layer %s not restored bit-identically", c.Name)
		}
	}

	// A new session can start once the last one ended.
	q.Begin().End()
}

func TestBeginEvalRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv := nn.NewConv2D("mid", 8, 8, 3, 3, rng)
	q := NewQuantizer([]*nn.Conv2D{conv})
	for i := range conv.Weight.Data {
		conv.Weight.Data[i] *= 2
	}
	old := q.States()[0]

	s := q.BeginEval(false)
	if m := maxAbs(conv.Weight.Data); m != old.Alpha {
		t.Errorf("reused thresholds should give alpha %f but got %f", old.Alpha, m)
	}
	s.End()

	s = q.BeginEval(true)
	if m := maxAbs(conv.Weight.Data); math.Abs(m-2*old.Alpha) > 1e-12 {
		t.Errorf("recomputed thresholds should give alpha %f but got %f", 2*old.Alpha, m)
	}
	s.End()
	if q.States()[0] != old {
		t.Error("recomputing for evaluation should not change the epoch state")
	}
}

func TestClamp(t *testing.T) {
	conv := nn.NewConv2D("mid", 8, 8, 3, 3, rand.New(rand.NewSource(3)))
	q := NewQuantizer([]*nn.Conv2D{conv})
	conv.Weight.Data[0] = 3
	conv.Weight.Data[1] = -2
	q.Clamp()
	for _, x := range conv.Weight.Data {
		if x < -1 || x > 1 {
			t.Fatalf("weight %f outside [-1, 1]", x)
		}
	}
	if conv.Weight.Data[0] != 1 || conv.Weight.Data[1] != -1 {
		t.Error("unexpected clamped values")
	}

	xs := []float32{-5, 0.5, 5}
	Clamp(xs, -1, 1)
	if xs[0] != -1 || xs[1] != 0.5 || xs[2] != 1 {
		t.Errorf("unexpected float32 clamp %v", xs)
	}
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if x != b[i] {
			return false
		}
	}
	return true
}

func maxAbs(xs []float64) float64 {
	var res float64
	for _, x := range xs {
		res = math.Max(res, math.Abs(x))
	}
	return res
}
