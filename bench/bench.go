// Package bench measures the inference speed of a trained
// detector.
package bench

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/dist-ssd/ssd"
	"github.com/unixpickle/dist-ssd/ternary"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultWarmup = 10
	DefaultRTol   = 1e-3
	DefaultATol   = 1e-5
)

// An Engine is an inference-only copy of a detector that
// runs with reduced-precision activations.
type Engine struct {
	Ternary bool

	net *ssd.Detector
}

// Compile creates an engine from a detector without
// modifying the detector.
//
// If ternarize is set, every eligible layer of the engine
// keeps the ternary version of its weights.
func Compile(det *ssd.Detector, ternarize bool) *Engine {
	net := det.Clone()
	net.SetTraining(false)
	net.SetPrecision(nn.Reduced)
	if ternarize {
		// The clone is never restored, so the session is
		// left open.
		ternary.NewQuantizer(net.Convs()).BeginEval(false)
	}
	return &Engine{Ternary: ternarize, net: net}
}

// Infer runs the engine on a batch.
func (e *Engine) Infer(batch *nn.Tensor) ([]*nn.Tensor, error) {
	return e.net.Forward(batch)
}

// Reference runs the engine's weights at full precision,
// producing the outputs that Infer should approximate.
func (e *Engine) Reference(batch *nn.Tensor) ([]*nn.Tensor, error) {
	e.net.SetPrecision(nn.Full)
	defer e.net.SetPrecision(nn.Reduced)
	return e.net.Forward(batch)
}

// Stats summarize a latency measurement.
type Stats struct {
	BatchSize int

	// Latencies are the per-batch times in microseconds.
	Latencies []float64

	Mean   float64
	StdDev float64
	Median float64
	P95    float64

	// Throughput is in images per second.
	Throughput float64
}

// Measure times samples forward passes after warmup
// untimed ones.
func (e *Engine) Measure(batch *nn.Tensor, warmup, samples int) (*Stats, error) {
	if samples <= 0 {
		return nil, errors.Errorf("invalid sample count %d", samples)
	}
	for i := 0; i < warmup; i++ {
		if _, err := e.Infer(batch); err != nil {
			return nil, errors.Wrap(err, "warm-up")
		}
	}
	latencies := make([]float64, samples)
	for i := range latencies {
		start := time.Now()
		if _, err := e.Infer(batch); err != nil {
			return nil, err
		}
		latencies[i] = float64(time.Since(start).Nanoseconds()) / 1e3
	}
	return newStats(batch.Shape[0], latencies), nil
}

func newStats(batchSize int, latencies []float64) *Stats {
	sorted := append([]float64{}, latencies...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(latencies, nil)
	if len(latencies) < 2 {
		std = 0
	}
	return &Stats{
		BatchSize:  batchSize,
		Latencies:  latencies,
		Mean:       mean,
		StdDev:     std,
		Median:     stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:        stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Throughput: float64(batchSize) * 1e6 / mean,
	}
}

// CrossCheck verifies that got matches ref elementwise
// within atol + rtol*|ref|.
func CrossCheck(ref, got []*nn.Tensor, rtol, atol float64) error {
	if len(ref) != len(got) {
		return errors.Errorf("expected %d outputs but got %d", len(ref), len(got))
	}
	for i, r := range ref {
		g := got[i]
		if !sameShape(r.Shape, g.Shape) {
			return errors.Errorf("output %d: shape %v does not match %v", i, g.Shape, r.Shape)
		}
		for j, x := range r.Data {
			y := g.Data[j]
			if !(math.Abs(x-y) <= atol+rtol*math.Abs(x)) {
				return errors.Errorf("output %d: element %d is %g, expected %g", i, j, y, x)
			}
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if b[i] != x {
			return false
		}
	}
	return true
}
