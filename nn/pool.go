package nn

import "fmt"

// AvgPool2D averages non-overlapping Size x Size windows.
type AvgPool2D struct {
	Size int

	inShape []int
}

// Forward pools x. The spatial dimensions must be
// divisible by Size.
func (a *AvgPool2D) Forward(x *Tensor) *Tensor {
	n, c, h, w := x.Dims4()
	if h%a.Size != 0 || w%a.Size != 0 {
		panic(fmt.Sprintf("pool size %d does not divide %dx%d", a.Size, h, w))
	}
	a.inShape = append([]int{}, x.Shape...)
	oh, ow := h/a.Size, w/a.Size
	out := NewTensor(n, c, oh, ow)
	scale := 1 / float64(a.Size*a.Size)
	for plane := 0; plane < n*c; plane++ {
		in := x.Data[plane*h*w:][:h*w]
		dst := out.Data[plane*oh*ow:][:oh*ow]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				dst[(y/a.Size)*ow+xx/a.Size] += in[y*w+xx] * scale
			}
		}
	}
	return out
}

// Backward spreads each output gradient evenly over its
// window.
func (a *AvgPool2D) Backward(grad *Tensor) *Tensor {
	res := NewTensor(a.inShape...)
	n, c, h, w := res.Dims4()
	oh, ow := h/a.Size, w/a.Size
	scale := 1 / float64(a.Size*a.Size)
	for plane := 0; plane < n*c; plane++ {
		src := grad.Data[plane*oh*ow:][:oh*ow]
		dst := res.Data[plane*h*w:][:h*w]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				dst[y*w+xx] = src[(y/a.Size)*ow+xx/a.Size] * scale
			}
		}
	}
	return res
}
