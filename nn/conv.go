package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// A Conv2D is a stride-1 convolution with "same" zero
// padding over NCHW tensors.
type Conv2D struct {
	Name string

	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int

	// Weight has shape [out, in, kh, kw].
	Weight *Param
	Bias   *Param

	input *Tensor
}

// NewConv2D creates a convolution with Xavier-uniform
// weights and zero bias.
func NewConv2D(name string, in, out, kh, kw int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		KernelH:     kh,
		KernelW:     kw,
		Weight:      NewParam(name+".weight", out, in, kh, kw),
		Bias:        NewParam(name+".bias", out),
	}
	fanIn := float64(in * kh * kw)
	fanOut := float64(out * kh * kw)
	bound := math.Sqrt(6 / (fanIn + fanOut))
	for i := range c.Weight.Data {
		c.Weight.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return c
}

// Params returns the weight and bias.
func (c *Conv2D) Params() []*Param {
	return []*Param{c.Weight, c.Bias}
}

// Forward applies the convolution and caches the input
// for Backward.
func (c *Conv2D) Forward(x *Tensor) *Tensor {
	n, ch, h, w := x.Dims4()
	if ch != c.InChannels {
		panic(fmt.Sprintf("%s: expected %d input channels but got %d", c.Name, c.InChannels, ch))
	}
	c.input = x
	out := NewTensor(n, c.OutChannels, h, w)
	padH, padW := c.KernelH/2, c.KernelW/2
	for b := 0; b < n; b++ {
		for o := 0; o < c.OutChannels; o++ {
			outPlane := out.Data[(b*c.OutChannels+o)*h*w:][:h*w]
			bias := c.Bias.Data[o]
			for i := range outPlane {
				outPlane[i] = bias
			}
			for in := 0; in < ch; in++ {
				inPlane := x.Data[(b*ch+in)*h*w:][:h*w]
				kernel := c.Weight.Data[(o*ch+in)*c.KernelH*c.KernelW:][:c.KernelH*c.KernelW]
				for ky := 0; ky < c.KernelH; ky++ {
					for kx := 0; kx < c.KernelW; kx++ {
						k := kernel[ky*c.KernelW+kx]
						if k == 0 {
							continue
						}
						dy, dx := ky-padH, kx-padW
						for y := max(0, -dy); y < min(h, h-dy); y++ {
							row := outPlane[y*w:][:w]
							src := inPlane[(y+dy)*w:][:w]
							for xx := max(0, -dx); xx < min(w, w-dx); xx++ {
								row[xx] += k * src[xx+dx]
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Backward accumulates parameter gradients for the last
// Forward call and returns the gradient of the input.
func (c *Conv2D) Backward(gradOut *Tensor) *Tensor {
	x := c.input
	if x == nil {
		panic(c.Name + ": Backward called before Forward")
	}
	n, ch, h, w := x.Dims4()
	gradIn := NewTensor(n, ch, h, w)
	padH, padW := c.KernelH/2, c.KernelW/2
	for b := 0; b < n; b++ {
		for o := 0; o < c.OutChannels; o++ {
			gPlane := gradOut.Data[(b*c.OutChannels+o)*h*w:][:h*w]
			for _, g := range gPlane {
				c.Bias.Grad[o] += g
			}
			for in := 0; in < ch; in++ {
				inPlane := x.Data[(b*ch+in)*h*w:][:h*w]
				giPlane := gradIn.Data[(b*ch+in)*h*w:][:h*w]
				offset := (o*ch + in) * c.KernelH * c.KernelW
				kernel := c.Weight.Data[offset:][:c.KernelH*c.KernelW]
				kernelGrad := c.Weight.Grad[offset:][:c.KernelH*c.KernelW]
				for ky := 0; ky < c.KernelH; ky++ {
					for kx := 0; kx < c.KernelW; kx++ {
						k := kernel[ky*c.KernelW+kx]
						dy, dx := ky-padH, kx-padW
						var kg float64
						for y := max(0, -dy); y < min(h, h-dy); y++ {
							gRow := gPlane[y*w:][:w]
							src := inPlane[(y+dy)*w:][:w]
							dst := giPlane[(y+dy)*w:][:w]
							for xx := max(0, -dx); xx < min(w, w-dx); xx++ {
								kg += gRow[xx] * src[xx+dx]
								dst[xx+dx] += k * gRow[xx]
							}
						}
						kernelGrad[ky*c.KernelW+kx] += kg
					}
				}
			}
		}
	}
	return gradIn
}
