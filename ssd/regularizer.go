package ssd

import (
	"math"

	"github.com/unixpickle/dist-ssd/nn"
)

// A FLOPRegularizer is a group-lasso penalty on the output
// channels of convolutions, where each channel is weighted
// by the share of the network's multiply-adds it costs.
//
// Driving a channel's weights to zero removes its cost, so
// the penalty favors networks with fewer FLOPs.
type FLOPRegularizer struct {
	Strength float64

	// Pixels is the spatial size of the feature maps.
	Pixels int
}

// NewFLOPRegularizer creates a regularizer for the input
// size in s.
func NewFLOPRegularizer(s Settings, strength float64) *FLOPRegularizer {
	return &FLOPRegularizer{
		Strength: strength,
		Pixels:   s.InputDimensions[1] * s.InputDimensions[2],
	}
}

// Penalty computes the regularization term.
func (f *FLOPRegularizer) Penalty(convs []*nn.Conv2D) float64 {
	var res float64
	f.iterate(convs, func(weight float64, channel []float64, norm float64, _ []float64) {
		res += weight * norm
	})
	return res
}

// AddGrad adds scale times the gradient of the penalty to
// the weight gradients.
func (f *FLOPRegularizer) AddGrad(convs []*nn.Conv2D, scale float64) {
	f.iterate(convs, func(weight float64, channel []float64, norm float64, grad []float64) {
		if norm == 0 {
			return
		}
		for i, x := range channel {
			grad[i] += scale * weight * x / norm
		}
	})
}

func (f *FLOPRegularizer) iterate(convs []*nn.Conv2D,
	fn func(weight float64, channel []float64, norm float64, grad []float64)) {
	var total float64
	for _, c := range convs {
		total += f.channelCost(c) * float64(c.OutChannels)
	}
	if total == 0 {
		return
	}
	for _, c := range convs {
		weight := f.Strength * f.channelCost(c) / total
		size := c.InChannels * c.KernelH * c.KernelW
		for o := 0; o < c.OutChannels; o++ {
			channel := c.Weight.Data[o*size:][:size]
			var sq float64
			for _, x := range channel {
				sq += x * x
			}
			fn(weight, channel, math.Sqrt(sq), c.Weight.Grad[o*size:][:size])
		}
	}
}

func (f *FLOPRegularizer) channelCost(c *nn.Conv2D) float64 {
	return float64(f.Pixels * c.InChannels * c.KernelH * c.KernelW)
}
