package ssd

import (
	"math"

	"github.com/unixpickle/dist-ssd/nn"
	"gonum.org/v1/gonum/stat"
)

// decorrelation penalizes the squared Pearson correlation
// between each image's mean SUEP probability and its track
// count, and adds the penalty's gradient to clsGrad.
func (c *Criterion) decorrelation(probs [][][]float64, ntracks []float64,
	clsGrad *nn.Tensor) (float64, error) {
	n := len(probs)
	if n < 2 {
		return 0, nil
	}
	numAnchors := len(c.anchors)
	scores := make([]float64, n)
	for i, imageProbs := range probs {
		for _, p := range imageProbs {
			scores[i] += p[ClassSUEP]
		}
		scores[i] /= float64(numAnchors)
	}

	r := stat.Correlation(scores, ntracks, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, nil
	}
	meanScore, meanTracks := stat.Mean(scores, nil), stat.Mean(ntracks, nil)
	var ss, tt float64
	for i := range scores {
		ds, dt := scores[i]-meanScore, ntracks[i]-meanTracks
		ss += ds * ds
		tt += dt * dt
	}
	beta := c.Settings.BetaDisco
	numClasses := c.Settings.NClasses + 1
	for i, imageProbs := range probs {
		ds, dt := scores[i]-meanScore, ntracks[i]-meanTracks
		dr := dt/math.Sqrt(ss*tt) - r*ds/ss
		scoreGrad := beta * 2 * r * dr / float64(numAnchors)
		for a, p := range imageProbs {
			for k := range p {
				local := -p[ClassSUEP] * p[k]
				if k == ClassSUEP {
					local += p[ClassSUEP]
				}
				clsGrad.Data[(i*numClasses+k)*numAnchors+a] += scoreGrad * local
			}
		}
	}
	return beta * r * r, nil
}
