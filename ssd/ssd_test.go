package ssd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/dist-ssd/nn"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func testSettings() Settings {
	return Settings{
		InputDimensions:  [3]int{3, 8, 8},
		NClasses:         2,
		ObjectSize:       4,
		OverlapThreshold: 0.5,
		Step:             4,
		BetaDisco:        0.5,
	}
}

func testBatch(rng *rand.Rand) *Batch {
	s := testSettings()
	b := &Batch{Images: nn.NewTensor(3, 3, 8, 8)}
	for i := range b.Images.Data {
		b.Images.Data[i] = rng.Float64()
	}
	offsets := [][2]float64{{0.05, 0.05}, {0.5, 0.02}, {0.48, 0.5}}
	for i, off := range offsets {
		b.Objects = append(b.Objects, []Object{{
			Box:   [4]float64{off[0], off[1], off[0] + 0.5, off[1] + 0.5},
			Class: 1 + i%s.NClasses,
			PT:    rng.Float64(),
		}})
		b.NTracks = append(b.NTracks, float64(3+i*i))
	}
	return b
}

func randomOutputs(rng *rand.Rand, n int) []*nn.Tensor {
	var res []*nn.Tensor
	for _, c := range []int{4, 3, 1} {
		t := nn.NewTensor(n, c, 2, 2)
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64() * 0.5
		}
		res = append(res, t)
	}
	return res
}

func TestCriterionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	batch := testBatch(rng)
	for _, decorrelate := range []bool{false, true} {
		crit := NewCriterion(testSettings(), decorrelate)
		outs := randomOutputs(rng, batch.Size())
		eval, err := crit.Evaluate(outs, batch)
		if err != nil {
			t.Fatal(err)
		}
		if len(eval.Losses.Vector()) != crit.NumLosses() {
			t.Fatalf("unexpected loss vector %v", eval.Losses.Vector())
		}
		grads := eval.Gradients(1)
		for i, out := range outs {
			orig := append([]float64{}, out.Data...)
			numeric := fd.Gradient(nil, func(x []float64) float64 {
				copy(out.Data, x)
				e, err := crit.Evaluate(outs, batch)
				if err != nil {
					t.Fatal(err)
				}
				return e.Losses.Total()
			}, orig, &fd.Settings{Formula: fd.Central})
			copy(out.Data, orig)
			if !floats.EqualApprox(numeric, grads[i].Data, 1e-5) {
				t.Errorf("decorrelate=%v output %d: gradient mismatch\nnumeric: %v\nanalytic: %v",
					decorrelate, i, numeric, grads[i].Data)
			}
		}
	}
}

func TestCriterionPerfectPrediction(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	batch := testBatch(rng)
	crit := NewCriterion(testSettings(), false)
	outs := randomOutputs(rng, batch.Size())
	anchorBoxes := anchors(crit.Settings)
	for n, objs := range batch.Objects {
		assign := match(anchorBoxes, objs, crit.Settings.OverlapThreshold)
		for a, idx := range assign {
			target := Background
			if idx >= 0 {
				target = objs[idx].Class
				enc := encode(objs[idx].Box, anchorBoxes[a])
				for k := 0; k < 4; k++ {
					outs[0].Data[(n*4+k)*4+a] = enc[k]
				}
				outs[2].Data[n*4+a] = objs[idx].PT
			}
			for k := 0; k < 3; k++ {
				logit := -20.0
				if k == target {
					logit = 20
				}
				outs[1].Data[(n*3+k)*4+a] = logit
			}
		}
	}
	eval, err := crit.Evaluate(outs, batch)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Losses.Total() > 1e-8 {
		t.Errorf("expected zero loss but got %v", eval.Losses.Vector())
	}
	if eval.Metrics.Box != [4]float64{1, 1, 1, 1} {
		t.Errorf("unexpected box metrics %v", eval.Metrics.Box)
	}
	if eval.Metrics.Event != [2]float64{1, 1} {
		t.Errorf("unexpected event metrics %v", eval.Metrics.Event)
	}
}

func TestCriterionShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	batch := testBatch(rng)
	crit := NewCriterion(testSettings(), true)
	if _, err := crit.Evaluate(randomOutputs(rng, 2), batch); err == nil {
		t.Error("expected batch size mismatch")
	}
	batch.NTracks = nil
	if _, err := crit.Evaluate(randomOutputs(rng, 3), batch); err == nil {
		t.Error("expected missing track counts")
	}
}

func TestDecorrelationValue(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	batch := testBatch(rng)
	crit := NewCriterion(testSettings(), true)
	outs := randomOutputs(rng, batch.Size())
	eval, err := crit.Evaluate(outs, batch)
	if err != nil {
		t.Fatal(err)
	}
	scores := make([]float64, batch.Size())
	for n := range scores {
		for a := 0; a < 4; a++ {
			logits := []float64{outs[1].Data[(n*3)*4+a], outs[1].Data[(n*3+1)*4+a],
				outs[1].Data[(n*3+2)*4+a]}
			scores[n] += softmax(logits)[ClassSUEP] / 4
		}
	}
	r := stat.Correlation(scores, batch.NTracks, nil)
	if math.Abs(eval.Losses.Disco-0.5*r*r) > 1e-12 {
		t.Errorf("expected %f but got %f", 0.5*r*r, eval.Losses.Disco)
	}
}

func TestMatch(t *testing.T) {
	s := testSettings()
	objs := []Object{{Box: [4]float64{0.5, 0.5, 1, 1}, Class: 1}}
	assign := match(anchors(s), objs, s.OverlapThreshold)
	expected := []int{-1, -1, -1, 0}
	for i, x := range expected {
		if assign[i] != x {
			t.Fatalf("expected %v but got %v", expected, assign)
		}
	}

	// An object below the threshold still claims its best
	// anchor.
	objs = []Object{{Box: [4]float64{0.1, 0.1, 0.3, 0.3}, Class: 2}}
	assign = match(anchors(s), objs, s.OverlapThreshold)
	if assign[0] != 0 {
		t.Errorf("expected forced match but got %v", assign)
	}
}

func TestEncodeDecode(t *testing.T) {
	anchor := [4]float64{0.3, 0.4, 0.2, 0.1}
	box := [4]float64{0.25, 0.3, 0.4, 0.45}
	decoded := decode(encode(box, anchor), anchor)
	for i := range box {
		if math.Abs(box[i]-decoded[i]) > 1e-12 {
			t.Fatalf("expected %v but got %v", box, decoded)
		}
	}
}

func TestDetector(t *testing.T) {
	det, err := Build(testSettings(), []int{4, 8}, Options{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(det.Convs()) != 5 || len(det.Params()) != 10 {
		t.Fatalf("unexpected structure: %d convs, %d params", len(det.Convs()), len(det.Params()))
	}
	rng := rand.New(rand.NewSource(4))
	batch := testBatch(rng)
	outs, err := det.Forward(batch.Images)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range []int{4, 3, 1} {
		if n, ch, h, w := outs[i].Dims4(); n != 3 || ch != c || h != 2 || w != 2 {
			t.Errorf("output %d has shape %v", i, outs[i].Shape)
		}
	}
	if _, err := det.Forward(nn.NewTensor(1, 3, 4, 4)); err == nil {
		t.Error("expected error for wrong input size")
	}

	other, _ := Build(testSettings(), []int{4, 8}, Options{Seed: 1})
	if !floats.Equal(nn.FlattenData(det.Params()), nn.FlattenData(other.Params())) {
		t.Error("same seed should give the same weights")
	}

	clone := det.Clone()
	clone.Params()[0].Data[0] += 1
	if det.Params()[0].Data[0] == clone.Params()[0].Data[0] {
		t.Error("clone shares parameters")
	}
}

func TestDetectorGradients(t *testing.T) {
	for _, int8 := range []bool{false, true} {
		det, err := Build(testSettings(), []int{5}, Options{Seed: 2, Int8: int8})
		if err != nil {
			t.Fatal(err)
		}
		rng := rand.New(rand.NewSource(5))
		batch := testBatch(rng)
		crit := NewCriterion(testSettings(), false)

		// Fix the quantization ranges so the loss is a
		// stable function of the weights.
		if _, err := det.Forward(batch.Images); err != nil {
			t.Fatal(err)
		}
		det.FreezeObservers()

		loss := func() float64 {
			outs, err := det.Forward(batch.Images)
			if err != nil {
				t.Fatal(err)
			}
			eval, err := crit.Evaluate(outs, batch)
			if err != nil {
				t.Fatal(err)
			}
			return eval.Losses.Total()
		}
		outs, _ := det.Forward(batch.Images)
		eval, err := crit.Evaluate(outs, batch)
		if err != nil {
			t.Fatal(err)
		}
		nn.ZeroGrads(det.Params())
		if err := eval.Backward(det, 1); err != nil {
			t.Fatal(err)
		}

		// The heads are linear in their weights, so finite
		// differences are reliable there.
		for _, p := range det.Cls.Params() {
			orig := append([]float64{}, p.Data...)
			numeric := fd.Gradient(nil, func(x []float64) float64 {
				copy(p.Data, x)
				return loss()
			}, orig, &fd.Settings{Formula: fd.Central})
			copy(p.Data, orig)
			if !int8 && !floats.EqualApprox(numeric, p.Grad, 1e-5) {
				t.Errorf("%s: gradient mismatch", p.Name)
			}
		}
		if floats.Norm(det.Backbone[0].Weight.Grad, 2) == 0 {
			t.Errorf("int8=%v: no gradient reached the backbone", int8)
		}
	}
}

func TestFLOPRegularizer(t *testing.T) {
	det, err := Build(testSettings(), []int{4, 8}, Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	reg := NewFLOPRegularizer(testSettings(), 0.1)
	if reg.Penalty(det.Backbone) <= 0 {
		t.Fatal("expected positive penalty")
	}
	nn.ZeroGrads(det.Params())
	reg.AddGrad(det.Backbone, 1)
	for _, conv := range det.Backbone {
		orig := append([]float64{}, conv.Weight.Data...)
		numeric := fd.Gradient(nil, func(x []float64) float64 {
			copy(conv.Weight.Data, x)
			return reg.Penalty(det.Backbone)
		}, orig, &fd.Settings{Formula: fd.Central})
		copy(conv.Weight.Data, orig)
		if !floats.EqualApprox(numeric, conv.Weight.Grad, 1e-6) {
			t.Errorf("%s: gradient mismatch", conv.Name)
		}
	}
}
