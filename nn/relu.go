package nn

import "math"

// ReLU is a rectified linear activation.
type ReLU struct {
	mask []bool
}

// Forward applies max(0, x). NaN inputs stay NaN.
func (r *ReLU) Forward(x *Tensor) *Tensor {
	out := x.Clone()
	r.mask = make([]bool, len(out.Data))
	for i, v := range out.Data {
		if v > 0 || math.IsNaN(v) {
			r.mask[i] = true
		} else {
			out.Data[i] = 0
		}
	}
	return out
}

// Backward masks the upstream gradient.
func (r *ReLU) Backward(grad *Tensor) *Tensor {
	out := grad.Clone()
	for i, on := range r.mask {
		if !on {
			out.Data[i] = 0
		}
	}
	return out
}
