// Package train runs distributed, quantization-aware
// training of the detector.
package train

import (
	"context"
	"errors"
	"math"

	"github.com/golang/glog"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/metrics"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/dist-ssd/optim"
	"github.com/unixpickle/dist-ssd/ssd"
	"github.com/unixpickle/dist-ssd/ternary"
	"gonum.org/v1/gonum/floats"
)

// ErrNonFiniteLoss is returned by every rank when a batch
// produces a non-finite loss on any rank and the abort
// policy is active.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// A Loader yields the batches of one pass over a dataset.
type Loader interface {
	Len() int
	Epoch(ctx context.Context, fn func(b *ssd.Batch) error) error
}

// A Runner performs the training and validation passes of
// one rank.
type Runner struct {
	Group     *dist.Group
	Net       nn.Network
	Criterion *ssd.Criterion
	Optimizer optim.Optimizer

	// Quantizer, if non-nil, ternarizes eligible layers
	// for every batch.
	Quantizer *ternary.Quantizer

	// RecomputeEval picks fresh ternary thresholds for
	// validation instead of reusing the epoch's.
	RecomputeEval bool

	// Scaler, if non-nil, enables reduced-precision
	// forward passes with loss scaling during training.
	Scaler *optim.GradScaler

	// Regularizer, if non-nil, adds a FLOP penalty over
	// RegConvs to the objective.
	Regularizer *ssd.FLOPRegularizer
	RegConvs    []*nn.Conv2D

	// AbortNonFinite makes a non-finite loss fatal instead
	// of skipping the batch.
	AbortNonFinite bool

	// LogBatches logs every batch at verbosity 1.
	LogBatches bool

	// Skipped counts training batches skipped for
	// non-finite loss.
	Skipped int

	// ValSkipped counts validation batches skipped for
	// non-finite loss.
	ValSkipped int
}

// Penalty returns the current regularization penalty.
func (r *Runner) Penalty() float64 {
	if r.Regularizer == nil {
		return 0
	}
	return r.Regularizer.Penalty(r.RegConvs)
}

// TrainPass runs one epoch of training and returns the
// mean losses and metrics of this rank.
func (r *Runner) TrainPass(ctx context.Context, loader Loader) (metrics.PassResult, error) {
	r.Net.SetTraining(true)
	r.setPrecision(r.Scaler != nil)
	acc := metrics.NewAccumulator(r.Criterion.NumLosses())
	var batch int
	err := loader.Epoch(ctx, func(b *ssd.Batch) error {
		batch++
		return r.trainBatch(ctx, b, batch, acc)
	})
	return acc.Result(), err
}

func (r *Runner) trainBatch(ctx context.Context, b *ssd.Batch, idx int, acc *metrics.Accumulator) error {
	params := r.Net.Params()
	var session *ternary.Session
	if r.Quantizer != nil {
		session = r.Quantizer.Begin()
		defer session.End()
	}
	penalty := r.Penalty()
	outs, err := r.Net.Forward(b.Images)
	if err != nil {
		return err
	}
	eval, err := r.Criterion.Evaluate(outs, b)
	if err != nil {
		return err
	}

	finite, err := r.Group.AllTrue(ctx, isFinite(eval.Losses.Total()+penalty))
	if err != nil {
		return err
	}
	if !finite {
		if r.AbortNonFinite {
			return ErrNonFiniteLoss
		}
		r.Skipped++
		glog.Warningf("%s: skipping batch %d with non-finite loss", r.Group.Context(), idx)
		return nil
	}
	acc.Add(eval.Losses.Vector(), eval.Metrics.Event, eval.Metrics.Box)
	if r.LogBatches {
		glog.V(1).Infof("%s: batch %d loss=%v penalty=%f", r.Group.Context(), idx,
			eval.Losses.Vector(), penalty)
	}

	scale := 1.0
	if r.Scaler != nil {
		scale = r.Scaler.Scale
	}
	nn.ZeroGrads(params)
	if err := eval.Backward(r.Net, scale); err != nil {
		return err
	}
	if r.Regularizer != nil {
		r.Regularizer.AddGrad(r.RegConvs, scale)
	}
	if session != nil {
		session.End()
	}

	if err := r.Group.AverageGradients(ctx, params); err != nil {
		return err
	}
	if r.Scaler != nil {
		// Averaged gradients are identical on every rank,
		// so every rank makes the same decision.
		if !r.Scaler.Step(r.Optimizer, params, r.Scaler.Unscale(params)) {
			glog.V(1).Infof("%s: gradient overflow, loss scale now %g", r.Group.Context(),
				r.Scaler.Scale)
		}
	} else {
		r.Optimizer.Step(params)
	}
	if r.Quantizer != nil {
		r.Quantizer.Clamp()
	}
	return nil
}

// ValidatePass evaluates the network on a dataset.
//
// The loss vector of every batch is averaged across ranks,
// so every rank returns the same losses and applies the
// non-finite policy to the same batches.
func (r *Runner) ValidatePass(ctx context.Context, loader Loader) (metrics.PassResult, error) {
	r.Net.SetTraining(false)
	r.setPrecision(false)
	if r.Quantizer != nil {
		session := r.Quantizer.BeginEval(r.RecomputeEval)
		defer session.End()
	}
	acc := metrics.NewAccumulator(r.Criterion.NumLosses())
	err := loader.Epoch(ctx, func(b *ssd.Batch) error {
		outs, err := r.Net.Forward(b.Images)
		if err != nil {
			return err
		}
		eval, err := r.Criterion.Evaluate(outs, b)
		if err != nil {
			return err
		}
		avg, err := r.Group.Average(ctx, eval.Losses.Vector()...)
		if err != nil {
			return err
		}
		if !isFinite(floats.Sum(avg)) {
			if r.AbortNonFinite {
				return ErrNonFiniteLoss
			}
			r.ValSkipped++
			glog.Warningf("%s: skipping validation batch with non-finite loss", r.Group.Context())
			return nil
		}
		acc.Add(avg, eval.Metrics.Event, eval.Metrics.Box)
		return nil
	})
	return acc.Result(), err
}

func (r *Runner) setPrecision(reduced bool) {
	if pn, ok := r.Net.(nn.PrecisionNetwork); ok {
		if reduced {
			pn.SetPrecision(nn.Reduced)
		} else {
			pn.SetPrecision(nn.Full)
		}
	}
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
