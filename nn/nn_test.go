package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, kernel := range []int{1, 3} {
		conv := NewConv2D("conv", 2, 3, kernel, kernel, rng)
		input := randomTensor(rng, 2, 2, 4, 5)
		upstream := randomTensor(rng, 2, 3, 4, 5)

		objective := func() float64 {
			return floats.Dot(conv.Forward(input).Data, upstream.Data)
		}

		objective()
		conv.Weight.ZeroGrad()
		conv.Bias.ZeroGrad()
		inGrad := conv.Backward(upstream)

		weights := append([]float64{}, conv.Weight.Data...)
		numeric := fd.Gradient(nil, func(w []float64) float64 {
			copy(conv.Weight.Data, w)
			return objective()
		}, weights, nil)
		copy(conv.Weight.Data, weights)
		if !floats.EqualApprox(numeric, conv.Weight.Grad, 1e-4) {
			t.Errorf("kernel %d: weight gradient mismatch", kernel)
		}

		inputs := append([]float64{}, input.Data...)
		numeric = fd.Gradient(nil, func(x []float64) float64 {
			copy(input.Data, x)
			return objective()
		}, inputs, nil)
		copy(input.Data, inputs)
		if !floats.EqualApprox(numeric, inGrad.Data, 1e-4) {
			t.Errorf("kernel %d: input gradient mismatch", kernel)
		}

		var biasExpected float64
		for i := 0; i < 2; i++ {
			biasExpected += floats.Sum(upstream.Data[(i*3)*20:][:20])
		}
		if math.Abs(conv.Bias.Grad[0]-biasExpected) > 1e-8 {
			t.Errorf("kernel %d: bias gradient %f but expected %f", kernel, conv.Bias.Grad[0], biasExpected)
		}
	}
}

func TestConv2DXavierBound(t *testing.T) {
	conv := NewConv2D("conv", 8, 16, 3, 3, rand.New(rand.NewSource(0)))
	bound := math.Sqrt(6 / float64(8*9+16*9))
	for _, w := range conv.Weight.Data {
		if math.Abs(w) > bound {
			t.Fatalf("weight %f exceeds bound %f", w, bound)
		}
	}
}

func TestReLU(t *testing.T) {
	r := &ReLU{}
	out := r.Forward(&Tensor{Shape: []int{3}, Data: []float64{-1, 0, 2}})
	if !floats.Equal(out.Data, []float64{0, 0, 2}) {
		t.Errorf("unexpected forward: %v", out.Data)
	}
	grad := r.Backward(&Tensor{Shape: []int{3}, Data: []float64{5, 6, 7}})
	if !floats.Equal(grad.Data, []float64{0, 0, 7}) {
		t.Errorf("unexpected backward: %v", grad.Data)
	}

	t.Run("NaN", func(t *testing.T) {
		r := &ReLU{}
		out := r.Forward(&Tensor{Shape: []int{2}, Data: []float64{math.NaN(), -1}})
		if !math.IsNaN(out.Data[0]) || out.Data[1] != 0 {
			t.Errorf("unexpected forward: %v", out.Data)
		}
		grad := r.Backward(&Tensor{Shape: []int{2}, Data: []float64{3, 4}})
		if grad.Data[0] != 3 || grad.Data[1] != 0 {
			t.Errorf("unexpected backward: %v", grad.Data)
		}
	})
}

func TestFakeQuant(t *testing.T) {
	f := NewFakeQuant()
	x := &Tensor{Shape: []int{3}, Data: []float64{0, 0.5, 2.55}}
	out := f.Forward(x)
	if f.Min != 0 || f.Max != 2.55 {
		t.Fatalf("unexpected range [%f, %f]", f.Min, f.Max)
	}
	if math.Abs(out.Data[1]-0.5) > 0.01/2+1e-9 {
		t.Errorf("quantization error too large: %f", out.Data[1])
	}

	f.Frozen = true
	out = f.Forward(&Tensor{Shape: []int{2}, Data: []float64{-1, 1}})
	if out.Data[0] != 0 || f.Min != 0 {
		t.Errorf("frozen observer should clamp to range: %v", out.Data)
	}
	grad := f.Backward(&Tensor{Shape: []int{2}, Data: []float64{1, 1}})
	if grad.Data[0] != 0 || grad.Data[1] != 1 {
		t.Errorf("unexpected straight-through gradient: %v", grad.Data)
	}
}

func TestFakeQuantNonFinite(t *testing.T) {
	f := NewFakeQuant()
	x := &Tensor{Shape: []int{4}, Data: []float64{0, math.NaN(), math.Inf(1), 2.55}}
	out := f.Forward(x)
	if f.Min != 0 || f.Max != 2.55 {
		t.Fatalf("non-finite values changed the range: [%f, %f]", f.Min, f.Max)
	}
	if !math.IsNaN(out.Data[1]) || !math.IsInf(out.Data[2], 1) {
		t.Errorf("non-finite values were not propagated: %v", out.Data)
	}
	if math.Abs(out.Data[3]-2.55) > 1e-9 {
		t.Errorf("unexpected quantized max %f", out.Data[3])
	}
}

func TestRoundFloat32(t *testing.T) {
	xs := []float64{1.0 / 3, 1e-50, 2}
	RoundFloat32(xs)
	if xs[0] != float64(float32(1.0/3)) || xs[1] != 0 || xs[2] != 2 {
		t.Errorf("unexpected rounding: %v", xs)
	}
}

func TestFlattenScatter(t *testing.T) {
	a, b := NewParam("a", 2), NewParam("b", 1, 3)
	params := []*Param{a, b}
	SetData(params, []float64{1, 2, 3, 4, 5})
	if !floats.Equal(b.Data, []float64{3, 4, 5}) {
		t.Errorf("unexpected scatter: %v", b.Data)
	}
	SetGrad(params, []float64{5, 4, 3, 2, 1})
	if !floats.Equal(FlattenGrad(params), []float64{5, 4, 3, 2, 1}) {
		t.Errorf("unexpected gradients: %v", FlattenGrad(params))
	}
	ZeroGrads(params)
	if floats.Sum(FlattenGrad(params)) != 0 {
		t.Error("gradients not cleared")
	}
}

func TestAvgPool2D(t *testing.T) {
	p := &AvgPool2D{Size: 2}
	x := &Tensor{Shape: []int{1, 1, 2, 4}, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8}}
	out := p.Forward(x)
	if !floats.Equal(out.Data, []float64{3.5, 5.5}) {
		t.Errorf("unexpected forward: %v", out.Data)
	}
	grad := p.Backward(&Tensor{Shape: []int{1, 1, 1, 2}, Data: []float64{4, 8}})
	if !floats.Equal(grad.Data, []float64{1, 1, 2, 2, 1, 1, 2, 2}) {
		t.Errorf("unexpected backward: %v", grad.Data)
	}
}
