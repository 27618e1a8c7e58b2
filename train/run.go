package train

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/unixpickle/dist-ssd/checkpoint"
	"github.com/unixpickle/dist-ssd/config"
	"github.com/unixpickle/dist-ssd/dataset"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/metrics"
	"github.com/unixpickle/dist-ssd/optim"
	"github.com/unixpickle/dist-ssd/plotting"
	"github.com/unixpickle/dist-ssd/ssd"
	"github.com/unixpickle/dist-ssd/ternary"
	"github.com/unixpickle/essentials"
)

// Observers are frozen from this epoch on in int8 mode.
const freezeObserversEpoch = 4

// Options describe a training run.
type Options struct {
	Name   string
	Config *config.Config
	Net    *config.NetConfig

	Ternary         bool
	Int8            bool
	FLOPRegularizer bool
	Disco           bool
	Verbose         bool

	// PretrainedPath, if set, is a checkpoint to start
	// from.
	PretrainedPath string
}

// Result summarizes a finished run on one rank.
type Result struct {
	RunID  uuid.UUID
	Epochs int
	Halted bool

	// Skipped and ValSkipped count training and validation
	// batches dropped for non-finite loss.
	Skipped    int
	ValSkipped int

	// The remaining fields are only set on rank 0.
	BestObjective float64
	Checkpoint    string
	History       *Histories
}

// Histories hold the per-epoch results of a run.
type Histories struct {
	TrainLoss, ValLoss   *metrics.History
	TrainEvent, ValEvent *metrics.History
	TrainBox, ValBox     *metrics.History
}

func newHistories(numLosses int) *Histories {
	return &Histories{
		TrainLoss:  metrics.NewHistory(numLosses),
		ValLoss:    metrics.NewHistory(numLosses),
		TrainEvent: metrics.NewHistory(2),
		ValEvent:   metrics.NewHistory(2),
		TrainBox:   metrics.NewHistory(4),
		ValBox:     metrics.NewHistory(4),
	}
}

func (h *Histories) append(train, val metrics.PassResult) {
	h.TrainLoss.Append(train.Loss)
	h.ValLoss.Append(val.Loss)
	h.TrainEvent.Append(train.Event[:])
	h.ValEvent.Append(val.Event[:])
	h.TrainBox.Append(train.Box[:])
	h.ValBox.Append(val.Box[:])
}

// Run trains the detector on one rank of a process group.
//
// Every rank of the group must call Run with the same
// options. Rank 0 evaluates early stopping, writes the
// checkpoint and plots, and broadcasts its decision to halt
// so that all ranks leave the epoch loop together.
func Run(ctx context.Context, g *dist.Group, opts Options) (res *Result, err error) {
	dctx := g.Context()
	defer essentials.AddCtxTo(dctx.String(), &err)

	cfg := opts.Config
	prefs := cfg.TrainingPref
	settings := cfg.SSDSettings
	if err := cfg.CheckWorld(dctx.WorldSize); err != nil {
		return nil, err
	}
	res = &Result{}
	if res.RunID, err = shareRunID(ctx, g); err != nil {
		return nil, err
	}

	device := dist.DeviceFor(dctx.Rank)
	if dctx.IsRoot() {
		glog.Infof("run %s: %s, world size %d", opts.Name, res.RunID, dctx.WorldSize)
	}
	glog.V(1).Infof("%s: bound to %s #%d (fast math: %v)", dctx, device.Name, device.Index,
		dist.FastMath())

	net, err := ssd.Build(settings, opts.Net.NetworkChannels, ssd.Options{Int8: opts.Int8, Seed: prefs.Seed})
	if err != nil {
		return nil, err
	}
	if opts.PretrainedPath != "" {
		if _, err := checkpoint.Load(opts.PretrainedPath, net.Params()); err != nil {
			return nil, err
		}
	}
	if err := g.BroadcastParams(ctx, net.Params()); err != nil {
		return nil, err
	}

	trainLoader, err := dataset.Open(cfg.Dataset.Train[dctx.Rank], dataset.Options{
		BatchSize:  prefs.BatchSizeTrain,
		Workers:    prefs.Workers,
		Dims:       settings.InputDimensions,
		ObjectSize: settings.ObjectSize,
		Shuffle:    prefs.Shuffle,
		FlipProb:   prefs.FlipProb,
		Seed:       prefs.Seed,
		Rank:       dctx.Rank,
	})
	if err != nil {
		return nil, err
	}
	valLoader, err := dataset.Open(cfg.Dataset.Validation[dctx.Rank], dataset.Options{
		BatchSize:  prefs.BatchSizeValidation,
		Workers:    prefs.Workers,
		Dims:       settings.InputDimensions,
		ObjectSize: settings.ObjectSize,
		Seed:       prefs.Seed,
		Rank:       dctx.Rank,
	})
	if err != nil {
		return nil, err
	}
	for _, l := range []Loader{trainLoader, valLoader} {
		if err := agreeOnLen(ctx, g, l.Len()); err != nil {
			return nil, err
		}
	}

	optimizer := &optim.SGD{Momentum: prefs.Momentum, WeightDecay: prefs.WeightDecay}
	schedule := optim.NewMultiStepLR(prefs.LearningRate, prefs.Milestones, prefs.Gamma)
	optimizer.SetLR(schedule.LR(schedule.Epoch()))

	runner := &Runner{
		Group:          g,
		Net:            net,
		Criterion:      ssd.NewCriterion(settings, opts.Disco),
		Optimizer:      optimizer,
		RecomputeEval:  prefs.TernaryValidation == config.TernaryRecompute,
		AbortNonFinite: prefs.NonFinite == config.NonFiniteAbort,
		LogBatches:     opts.Verbose && dctx.IsRoot(),
	}
	if opts.Ternary {
		runner.Quantizer = ternary.NewQuantizer(net.Convs())
		glog.V(1).Infof("%s: ternarizing %d layers", dctx, runner.Quantizer.NumLayers())
	}
	if !opts.Int8 {
		runner.Scaler = optim.NewGradScaler()
	}
	if opts.FLOPRegularizer {
		runner.Regularizer = ssd.NewFLOPRegularizer(settings, prefs.RegStrength)
		runner.RegConvs = net.Backbone
	}

	var gate *Gate
	var plotter plotting.Plotter
	if dctx.IsRoot() {
		store := checkpoint.Store{Dir: cfg.Output.Model}
		gate = NewGate(prefs.Patience, func(epoch int, objective float64) error {
			path, err := store.Save(opts.Name, net.Params(), checkpoint.Meta{
				RunID:     res.RunID,
				Epoch:     epoch,
				Objective: objective,
			})
			if err != nil {
				return err
			}
			res.Checkpoint = path
			glog.Infof("epoch %d: saved %s (objective %f)", epoch, path, objective)
			return nil
		})
		plotter = plotting.Plotter{Dir: filepath.Join(cfg.Output.Plots, opts.Name)}
		res.History = newHistories(runner.Criterion.NumLosses())
	}

	for epoch := 1; epoch <= prefs.MaxEpochs; epoch++ {
		if opts.Int8 && epoch == freezeObserversEpoch {
			net.FreezeObservers()
		}
		if runner.Quantizer != nil {
			runner.Quantizer.Refresh()
		}
		trainRes, err := runner.TrainPass(ctx, trainLoader)
		if err != nil {
			return nil, essentials.AddCtx(fmt.Sprintf("epoch %d training", epoch), err)
		}
		valRes, err := runner.ValidatePass(ctx, valLoader)
		if err != nil {
			return nil, essentials.AddCtx(fmt.Sprintf("epoch %d validation", epoch), err)
		}
		// The penalty uses the full-precision weights left by
		// the last step of the epoch.
		objective := valRes.Total() + runner.Penalty()
		if valRes.Batches == 0 {
			objective = math.NaN()
		}

		var halt bool
		var gateErr error
		if dctx.IsRoot() {
			glog.Infof("epoch %d (lr %g): train %s", epoch, optimizer.LR(), trainRes)
			glog.Infof("epoch %d: validation %s", epoch, valRes)
			res.History.append(trainRes, valRes)
			drawPlots(plotter, opts.Name, res.History, runner.Criterion.NumLosses())

			var state State
			state, gateErr = gate.Observe(epoch, objective)
			halt = state == Stopped || gateErr != nil
			if state == Stopped {
				glog.Infof("epoch %d: no improvement for %d epochs, stopping", epoch, prefs.Patience)
			}
		}
		halt, err = g.BroadcastBool(ctx, 0, halt)
		if err != nil {
			return nil, err
		}
		schedule.Step(optimizer)
		if err := g.Barrier(ctx); err != nil {
			return nil, err
		}
		res.Epochs = epoch
		if gateErr != nil {
			return nil, gateErr
		}
		if halt {
			res.Halted = true
			break
		}
	}

	res.Skipped = runner.Skipped
	res.ValSkipped = runner.ValSkipped
	if gate != nil {
		res.BestObjective = gate.Best()
	}
	return res, nil
}

// shareRunID gives every rank the run ID chosen by rank 0.
func shareRunID(ctx context.Context, g *dist.Group) (uuid.UUID, error) {
	id := uuid.New()
	vec := make([]float64, len(id))
	for i, b := range id {
		vec[i] = float64(b)
	}
	vec, err := g.Broadcast(ctx, 0, vec)
	if err != nil {
		return uuid.UUID{}, err
	}
	for i, x := range vec {
		id[i] = byte(x)
	}
	return id, nil
}

// agreeOnLen checks that every rank has the same number of
// batches, since each batch runs collectives.
func agreeOnLen(ctx context.Context, g *dist.Group, n int) error {
	avg, err := g.Average(ctx, float64(n))
	if err != nil {
		return err
	}
	same, err := g.AllTrue(ctx, avg[0] == float64(n))
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("ranks disagree on the number of batches (rank %d has %d)", g.Rank(), n)
	}
	return nil
}

func drawPlots(p plotting.Plotter, name string, h *Histories, numLosses int) {
	keys := []string{"Localization", "Classification", "Regression", "Disco"}[:numLosses]
	if _, err := p.DrawLoss(h.TrainLoss, h.ValLoss, name, keys); err != nil {
		glog.Warning(err)
	}
	if _, err := p.DrawMetrics(h.TrainEvent, h.ValEvent, []string{"Precision", "Recall"},
		"event_metrics_"+name); err != nil {
		glog.Warning(err)
	}
	boxKeys := []string{"Precision SUEP", "Precision QCD", "Recall SUEP", "Recall QCD"}
	if _, err := p.DrawMetrics(h.TrainBox, h.ValBox, boxKeys, "box_metrics_"+name); err != nil {
		glog.Warning(err)
	}
}
