package nn

import "golang.org/x/exp/constraints"

// Precision selects the arithmetic used for activations.
type Precision int

const (
	// Full keeps activations in float64.
	Full Precision = iota

	// Reduced rounds activations to float32 after every
	// layer, which is how mixed-precision runs execute
	// their forward pass.
	Reduced
)

func (p Precision) String() string {
	if p == Reduced {
		return "reduced"
	}
	return "full"
}

// RoundFloat32 rounds every element to the nearest
// float32 in place.
func RoundFloat32[T constraints.Float](xs []T) {
	for i, x := range xs {
		xs[i] = T(float32(x))
	}
}

// Apply rounds a tensor according to the precision.
func (p Precision) Apply(t *Tensor) *Tensor {
	if p == Reduced {
		RoundFloat32(t.Data)
	}
	return t
}
