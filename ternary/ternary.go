// Package ternary implements ternary weight quantization
// for convolution layers.
//
// Each eligible layer is trained against weights that take
// one of three values, {-alpha, 0, +alpha}, while the
// optimizer keeps updating the full-precision weights.
package ternary

import (
	"math"

	"github.com/unixpickle/dist-ssd/nn"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// DefaultDeltaFactor scales the mean weight magnitude to
// get the threshold.
const DefaultDeltaFactor = 0.7

// Eligible reports whether a convolution is quantized.
//
// Only interior 3x3 convolutions qualify: the input layer
// (3 channels or fewer) and narrow layers are kept in full
// precision.
func Eligible(c *nn.Conv2D) bool {
	return c.KernelH == 3 && c.KernelW == 3 && c.InChannels > 3 && c.OutChannels > 4
}

// Delta computes the threshold below which a weight is
// rounded to zero.
func Delta(w []float64, factor float64) float64 {
	if len(w) == 0 {
		return 0
	}
	return factor * floats.Norm(w, 1) / float64(len(w))
}

// Alpha computes the mean magnitude of the weights above
// the threshold, or 0 if there are none.
func Alpha(w []float64, delta float64) float64 {
	var sum float64
	var count int
	for _, x := range w {
		if a := math.Abs(x); a > delta {
			sum += a
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Ternarize writes the ternary version of w into dst.
func Ternarize(dst, w []float64, delta, alpha float64) {
	if len(dst) != len(w) {
		panic("length mismatch")
	}
	for i, x := range w {
		switch {
		case x > delta:
			dst[i] = alpha
		case x < -delta:
			dst[i] = -alpha
		default:
			dst[i] = 0
		}
	}
}

// Clamp limits every element of xs to [lo, hi] in place.
func Clamp[T constraints.Float](xs []T, lo, hi T) {
	for i, x := range xs {
		if x < lo {
			xs[i] = lo
		} else if x > hi {
			xs[i] = hi
		}
	}
}
