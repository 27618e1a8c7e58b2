package nn

import "math"

// FakeQuant simulates 8-bit affine quantization of
// activations during quantization-aware training.
//
// While the observer is enabled, the representable range
// tracks the minimum and maximum values seen so far.
// Gradients pass straight through inside the range and
// are zeroed outside of it. Non-finite values are neither
// observed nor quantized, so they reach the output as is.
type FakeQuant struct {
	Levels int

	Min, Max float64
	Frozen   bool

	seen bool
	mask []bool
}

// NewFakeQuant creates an 8-bit fake quantizer.
func NewFakeQuant() *FakeQuant {
	return &FakeQuant{Levels: 256}
}

// Forward observes and quantizes x.
func (f *FakeQuant) Forward(x *Tensor) *Tensor {
	if !f.Frozen {
		for _, v := range x.Data {
			if !finite(v) {
				continue
			}
			if !f.seen || v < f.Min {
				f.Min = v
			}
			if !f.seen || v > f.Max {
				f.Max = v
			}
			f.seen = true
		}
	}
	out := x.Clone()
	f.mask = make([]bool, len(out.Data))
	scale := (f.Max - f.Min) / float64(f.Levels-1)
	if scale == 0 {
		for i := range f.mask {
			f.mask[i] = true
		}
		return out
	}
	for i, v := range out.Data {
		if !finite(v) {
			continue
		}
		if v < f.Min || v > f.Max {
			out.Data[i] = math.Max(f.Min, math.Min(f.Max, v))
			continue
		}
		f.mask[i] = true
		out.Data[i] = math.Round((v-f.Min)/scale)*scale + f.Min
	}
	return out
}

// Backward applies the straight-through estimator.
func (f *FakeQuant) Backward(grad *Tensor) *Tensor {
	out := grad.Clone()
	for i, inside := range f.mask {
		if !inside {
			out.Data[i] = 0
		}
	}
	return out
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
