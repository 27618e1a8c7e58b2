package dataset

import (
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const syntheticPrefix = "synthetic:"

// Synthetic generates n random events for an image of
// the given dimensions.
//
// Every event has one or two jets. SUEP jets spray many
// soft tracks, QCD jets a few hard ones, so the classes
// are separable and correlated with the track count.
func Synthetic(n int, seed int64, dims [3]int, objectSize float64) []Event {
	rng := rand.New(rand.NewSource(seed))
	h, w := dims[1], dims[2]
	half := objectSize / 2
	res := make([]Event, n)
	for i := range res {
		numJets := 1 + rng.Intn(2)
		for j := 0; j < numJets; j++ {
			label := Label{
				Class: rng.Intn(2),
				Eta:   half + rng.Float64()*math.Max(0, float64(w)-objectSize),
				Phi:   half + rng.Float64()*math.Max(0, float64(h)-objectSize),
			}
			numTracks, energy := 3, 5.0
			if label.Class == 0 {
				numTracks, energy = 12, 1.0
			}
			for k := 0; k < numTracks; k++ {
				e := rng.ExpFloat64() * energy
				label.PT += e
				eta := clampPixel(label.Eta+rng.NormFloat64()*half/2, w)
				phi := clampPixel(label.Phi+rng.NormFloat64()*half/2, h)
				var p *Particles
				switch k % 3 {
				case 0:
					p = &res[i].Tracks
				case 1:
					p = &res[i].Photons
				default:
					p = &res[i].NeutralHadrons
				}
				p.Eta = append(p.Eta, eta)
				p.Phi = append(p.Phi, phi)
				p.Energy = append(p.Energy, e)
			}
			res[i].Labels = append(res[i].Labels, label)
		}
	}
	return res
}

// parseSynthetic parses a "synthetic:<events>:<seed>"
// source.
func parseSynthetic(source string) (n int, seed int64, ok bool, err error) {
	if !strings.HasPrefix(source, syntheticPrefix) {
		return 0, 0, false, nil
	}
	parts := strings.Split(strings.TrimPrefix(source, syntheticPrefix), ":")
	if len(parts) != 2 {
		return 0, 0, true, errors.Errorf("bad synthetic source %q", source)
	}
	n, err = strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, 0, true, errors.Errorf("bad event count in %q", source)
	}
	seed, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, true, errors.Wrapf(err, "bad seed in %q", source)
	}
	return n, seed, true, nil
}

func clampPixel(x float64, size int) int {
	return int(math.Max(0, math.Min(float64(size-1), math.Floor(x))))
}
