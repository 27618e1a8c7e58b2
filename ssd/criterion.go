package ssd

import (
	"fmt"
	"math"
	"sort"

	"github.com/unixpickle/dist-ssd/nn"
)

// DefaultNegPosRatio is the number of hard negative
// anchors kept per positive anchor.
const DefaultNegPosRatio = 3

// Losses holds the loss terms of one batch.
type Losses struct {
	Loc   float64
	Cls   float64
	Reg   float64
	Disco float64

	Decorrelate bool
}

// Vector returns the loss terms in a fixed order, with
// the decorrelation term only when it is active.
func (l Losses) Vector() []float64 {
	res := []float64{l.Loc, l.Cls, l.Reg}
	if l.Decorrelate {
		res = append(res, l.Disco)
	}
	return res
}

// Total returns the sum of the active loss terms.
func (l Losses) Total() float64 {
	var res float64
	for _, x := range l.Vector() {
		res += x
	}
	return res
}

// Metrics holds precision and recall of one batch.
type Metrics struct {
	// Box is precision for SUEP and QCD boxes followed by
	// recall for SUEP and QCD boxes.
	Box [4]float64

	// Event is precision and recall for tagging an event
	// as containing a SUEP object.
	Event [2]float64
}

// A Criterion computes the multi-task detection loss.
type Criterion struct {
	Settings    Settings
	Decorrelate bool
	NegPosRatio int

	anchors [][4]float64
}

// NewCriterion creates a criterion for the settings.
func NewCriterion(s Settings, decorrelate bool) *Criterion {
	return &Criterion{
		Settings:    s,
		Decorrelate: decorrelate,
		NegPosRatio: DefaultNegPosRatio,
		anchors:     anchors(s),
	}
}

// NumLosses returns the length of the loss vectors this
// criterion produces.
func (c *Criterion) NumLosses() int {
	if c.Decorrelate {
		return 4
	}
	return 3
}

// An Evaluation is the result of a Criterion on one batch.
type Evaluation struct {
	Losses  Losses
	Metrics Metrics

	grads []*nn.Tensor
}

// Gradients returns the gradients of the total loss with
// respect to the network outputs, multiplied by scale.
func (e *Evaluation) Gradients(scale float64) []*nn.Tensor {
	res := make([]*nn.Tensor, len(e.grads))
	for i, g := range e.grads {
		res[i] = g.Clone()
		for j := range res[i].Data {
			res[i].Data[j] *= scale
		}
	}
	return res
}

// Backward back-propagates scale times the total loss
// through net.
func (e *Evaluation) Backward(net nn.Network, scale float64) error {
	return net.Backward(e.Gradients(scale))
}

// Evaluate computes losses, gradients, and metrics for the
// outputs of a network on a batch.
func (c *Criterion) Evaluate(out []*nn.Tensor, b *Batch) (*Evaluation, error) {
	if err := c.checkShapes(out, b); err != nil {
		return nil, err
	}
	numAnchors := len(c.anchors)
	numClasses := c.Settings.NClasses + 1
	locOut, clsOut, regOut := out[0], out[1], out[2]
	res := &Evaluation{
		Losses: Losses{Decorrelate: c.Decorrelate},
		grads: []*nn.Tensor{
			nn.NewTensor(locOut.Shape...),
			nn.NewTensor(clsOut.Shape...),
			nn.NewTensor(regOut.Shape...),
		},
	}
	locGrad, clsGrad, regGrad := res.grads[0], res.grads[1], res.grads[2]

	assignments := make([][]int, b.Size())
	var numPositive int
	for n, objs := range b.Objects {
		assignments[n] = match(c.anchors, objs, c.Settings.OverlapThreshold)
		for _, a := range assignments[n] {
			if a >= 0 {
				numPositive++
			}
		}
	}
	norm := math.Max(1, float64(numPositive))

	probs := make([][][]float64, b.Size())
	var tally metricTally
	for n, objs := range b.Objects {
		assign := assignments[n]
		probs[n] = make([][]float64, numAnchors)
		ce := make([]float64, numAnchors)
		var negatives []int
		var positives int
		for a := 0; a < numAnchors; a++ {
			logits := make([]float64, numClasses)
			for k := range logits {
				logits[k] = clsOut.Data[(n*numClasses+k)*numAnchors+a]
			}
			probs[n][a] = softmax(logits)
			target := Background
			if assign[a] >= 0 {
				target = objs[assign[a]].Class
			}
			ce[a] = -math.Log(math.Max(probs[n][a][target], math.SmallestNonzeroFloat64))
			if assign[a] < 0 {
				negatives = append(negatives, a)
				continue
			}
			positives++

			obj := objs[assign[a]]
			target4 := encode(obj.Box, c.anchors[a])
			for k := 0; k < 4; k++ {
				idx := (n*4+k)*numAnchors + a
				loss, grad := smoothL1(locOut.Data[idx] - target4[k])
				res.Losses.Loc += loss / norm
				locGrad.Data[idx] += grad / norm
			}
			regIdx := n*numAnchors + a
			diff := regOut.Data[regIdx] - obj.PT
			res.Losses.Reg += diff * diff / norm
			regGrad.Data[regIdx] += 2 * diff / norm

			c.addClsGrad(clsGrad, probs[n][a], target, n, a, norm)
			res.Losses.Cls += ce[a] / norm
		}

		sort.SliceStable(negatives, func(i, j int) bool {
			return ce[negatives[i]] > ce[negatives[j]]
		})
		numNeg := c.NegPosRatio * positives
		if numNeg > len(negatives) {
			numNeg = len(negatives)
		}
		for _, a := range negatives[:numNeg] {
			c.addClsGrad(clsGrad, probs[n][a], Background, n, a, norm)
			res.Losses.Cls += ce[a] / norm
		}

		tally.add(probs[n], assign, objs)
	}
	res.Metrics = tally.metrics()

	if c.Decorrelate {
		disco, err := c.decorrelation(probs, b.NTracks, clsGrad)
		if err != nil {
			return nil, err
		}
		res.Losses.Disco = disco
	}
	return res, nil
}

func (c *Criterion) checkShapes(out []*nn.Tensor, b *Batch) error {
	if len(out) != 3 {
		return fmt.Errorf("expected 3 outputs but got %d", len(out))
	}
	gh, gw := c.Settings.GridSize()
	for i, channels := range []int{4, c.Settings.NClasses + 1, 1} {
		expected := []int{b.Size(), channels, gh, gw}
		if len(out[i].Shape) != 4 {
			return fmt.Errorf("output %d has shape %v but expected %v", i, out[i].Shape, expected)
		}
		for j, x := range expected {
			if out[i].Shape[j] != x {
				return fmt.Errorf("output %d has shape %v but expected %v", i, out[i].Shape, expected)
			}
		}
	}
	if c.Decorrelate && len(b.NTracks) != b.Size() {
		return fmt.Errorf("decorrelation needs %d track counts but got %d", b.Size(), len(b.NTracks))
	}
	return nil
}

func (c *Criterion) addClsGrad(grad *nn.Tensor, probs []float64, target, n, a int, norm float64) {
	numAnchors := len(c.anchors)
	for k, p := range probs {
		g := p
		if k == target {
			g -= 1
		}
		grad.Data[(n*len(probs)+k)*numAnchors+a] += g / norm
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, x := range logits {
		maxLogit = math.Max(maxLogit, x)
	}
	res := make([]float64, len(logits))
	var sum float64
	for i, x := range logits {
		res[i] = math.Exp(x - maxLogit)
		sum += res[i]
	}
	for i := range res {
		res[i] /= sum
	}
	return res
}

func smoothL1(x float64) (loss, grad float64) {
	if math.Abs(x) < 1 {
		return 0.5 * x * x, x
	}
	if x < 0 {
		return -x - 0.5, -1
	}
	return x - 0.5, 1
}
