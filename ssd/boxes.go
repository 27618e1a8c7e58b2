package ssd

import "math"

// Variances used to encode box offsets.
const (
	centerVariance = 0.1
	sizeVariance   = 0.2
)

// anchors returns the default boxes of the grid, row by
// row, as center-x, center-y, width, height fractions.
func anchors(s Settings) [][4]float64 {
	gh, gw := s.GridSize()
	bw := s.ObjectSize / float64(s.InputDimensions[2])
	bh := s.ObjectSize / float64(s.InputDimensions[1])
	res := make([][4]float64, 0, gh*gw)
	for y := 0; y < gh; y++ {
		for x := 0; x < gw; x++ {
			res = append(res, [4]float64{
				(float64(x) + 0.5) / float64(gw),
				(float64(y) + 0.5) / float64(gh),
				bw,
				bh,
			})
		}
	}
	return res
}

func centerForm(b [4]float64) [4]float64 {
	return [4]float64{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2, b[2] - b[0], b[3] - b[1]}
}

func cornerForm(c [4]float64) [4]float64 {
	return [4]float64{c[0] - c[2]/2, c[1] - c[3]/2, c[0] + c[2]/2, c[1] + c[3]/2}
}

// iou computes the intersection over union of two boxes
// in corner form.
func iou(a, b [4]float64) float64 {
	iw := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	ih := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	return inter / union
}

// encode computes the regression target of a box relative
// to an anchor.
func encode(box, anchor [4]float64) [4]float64 {
	c := centerForm(box)
	return [4]float64{
		(c[0] - anchor[0]) / (centerVariance * anchor[2]),
		(c[1] - anchor[1]) / (centerVariance * anchor[3]),
		math.Log(c[2]/anchor[2]) / sizeVariance,
		math.Log(c[3]/anchor[3]) / sizeVariance,
	}
}

// decode inverts encode.
func decode(offsets, anchor [4]float64) [4]float64 {
	return cornerForm([4]float64{
		anchor[0] + offsets[0]*centerVariance*anchor[2],
		anchor[1] + offsets[1]*centerVariance*anchor[3],
		anchor[2] * math.Exp(offsets[2]*sizeVariance),
		anchor[3] * math.Exp(offsets[3]*sizeVariance),
	})
}

// match assigns every anchor to an object index, or -1
// for background.
//
// An anchor takes the object it overlaps most if the
// overlap reaches threshold. Every object also claims the
// anchor it overlaps most, so no object goes unmatched.
func match(anchorBoxes [][4]float64, objects []Object, threshold float64) []int {
	res := make([]int, len(anchorBoxes))
	corners := make([][4]float64, len(anchorBoxes))
	for i, a := range anchorBoxes {
		corners[i] = cornerForm(a)
		res[i] = -1
		best := threshold
		for j, obj := range objects {
			if o := iou(corners[i], obj.Box); o >= best {
				best = o
				res[i] = j
			}
		}
	}
	for j, obj := range objects {
		bestAnchor, best := -1, 0.0
		for i, c := range corners {
			if o := iou(c, obj.Box); o > best {
				best = o
				bestAnchor = i
			}
		}
		if bestAnchor >= 0 {
			res[bestAnchor] = j
		}
	}
	return res
}
