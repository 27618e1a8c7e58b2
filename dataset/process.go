package dataset

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/ssd"
	"golang.org/x/exp/constraints"
)

// A Sample is one processed event.
type Sample struct {
	// Image is channels x height x width, with eta along
	// the width and phi along the height.
	Image []float64

	Objects []ssd.Object
	NTracks float64
}

// Process converts an event into a dense image and
// fractional boxes.
//
// The three channels hold track, photon, and neutral
// hadron energies, divided by the largest energy in the
// event. Each label becomes a box of side objectSize
// centered on the jet, and its pT is divided by the same
// energy scale.
func Process(e Event, dims [3]int, objectSize float64) (*Sample, error) {
	c, h, w := dims[0], dims[1], dims[2]
	if c != 3 {
		return nil, errors.Errorf("expected 3 input channels but got %d", c)
	}
	scaler := maxEnergy(e)
	res := &Sample{Image: make([]float64, c*h*w), NTracks: float64(e.Tracks.Len())}
	for ch, p := range []Particles{e.Tracks, e.Photons, e.NeutralHadrons} {
		for i, energy := range p.Energy {
			eta, phi := p.Eta[i], p.Phi[i]
			if !inRange(eta, w) || !inRange(phi, h) {
				return nil, errors.Errorf("particle at (%d, %d) outside %dx%d image", eta, phi, w, h)
			}
			res.Image[(ch*h+phi)*w+eta] += energy / scaler
		}
	}
	half := objectSize / 2
	for _, l := range e.Labels {
		res.Objects = append(res.Objects, ssd.Object{
			Box: [4]float64{
				(l.Eta - half) / float64(w),
				(l.Phi - half) / float64(h),
				(l.Eta + half) / float64(w),
				(l.Phi + half) / float64(h),
			},
			Class: l.Class + 1,
			PT:    l.PT / scaler,
		})
	}
	return res, nil
}

// Flip mirrors a sample along the eta axis.
func (s *Sample) Flip(dims [3]int) {
	c, h, w := dims[0], dims[1], dims[2]
	for row := 0; row < c*h; row++ {
		r := s.Image[row*w:][:w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
	}
	for i, obj := range s.Objects {
		s.Objects[i].Box[0], s.Objects[i].Box[2] = 1-obj.Box[2], 1-obj.Box[0]
	}
}

func maxEnergy(e Event) float64 {
	var res float64
	for _, p := range []Particles{e.Tracks, e.Photons, e.NeutralHadrons} {
		for _, x := range p.Energy {
			if x > res {
				res = x
			}
		}
	}
	if res == 0 {
		return 1
	}
	return res
}

func inRange[T constraints.Integer](x, n T) bool {
	return x >= 0 && x < n
}
