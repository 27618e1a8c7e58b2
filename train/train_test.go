package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unixpickle/dist-ssd/checkpoint"
	"github.com/unixpickle/dist-ssd/config"
	"github.com/unixpickle/dist-ssd/dataset"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/dist-ssd/optim"
	"github.com/unixpickle/dist-ssd/ssd"
	"github.com/unixpickle/dist-ssd/ternary"
)

func testSettings() ssd.Settings {
	return ssd.Settings{
		InputDimensions:  [3]int{3, 8, 8},
		NClasses:         2,
		ObjectSize:       4,
		OverlapThreshold: 0.5,
		Step:             4,
		BetaDisco:        0.1,
	}
}

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dataset = config.Dataset{
		Train:      []string{"synthetic:8:1", "synthetic:8:2"},
		Validation: []string{"synthetic:4:3", "synthetic:4:4"},
	}
	cfg.Output = config.Output{
		Model: filepath.Join(dir, "models"),
		Plots: filepath.Join(dir, "plots"),
	}
	p := &cfg.TrainingPref
	p.BatchSizeTrain = 4
	p.BatchSizeValidation = 2
	p.Workers = 2
	p.Momentum = 0.9
	p.WeightDecay = 5e-4
	p.Patience = 2
	p.MaxEpochs = 10
	p.Shuffle = false
	p.FlipProb = 0
	p.Seed = 1
	cfg.SSDSettings = testSettings()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return Options{
		Name:    "test",
		Config:  cfg,
		Net:     &config.NetConfig{NetworkChannels: []int{4, 6}},
		Ternary: true,
		Disco:   true,
	}
}

func TestRunZeroLearningRate(t *testing.T) {
	opts := testOptions(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results := make([]*Result, 2)
	err := dist.SpawnLocal(ctx, 2, nil, func(ctx context.Context, g *dist.Group) error {
		res, err := Run(ctx, g, opts)
		results[g.Rank()] = res
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	for rank, res := range results {
		if res.Epochs != 3 || !res.Halted {
			t.Errorf("rank %d: expected halt after 3 epochs but got %d (halted=%v)",
				rank, res.Epochs, res.Halted)
		}
	}
	if results[0].RunID != results[1].RunID {
		t.Error("ranks disagree on the run ID")
	}

	h := results[0].History
	if h.ValLoss.Cols() != 3 || h.ValLoss.Rows() != 4 {
		t.Fatalf("unexpected history size %dx%d", h.ValLoss.Rows(), h.ValLoss.Cols())
	}
	for i := 0; i < h.ValLoss.Rows(); i++ {
		for _, row := range [][]float64{h.TrainLoss.Row(i), h.ValLoss.Row(i)} {
			for _, x := range row[1:] {
				if x != row[0] {
					t.Errorf("loss component %d drifted: %v", i, row)
					break
				}
			}
		}
	}

	path := results[0].Checkpoint
	if path != filepath.Join(opts.Config.Output.Model, "test"+checkpoint.Extension) {
		t.Errorf("unexpected checkpoint path %q", path)
	}
	net, err := ssd.Build(testSettings(), opts.Net.NetworkChannels, ssd.Options{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	meta, err := checkpoint.Load(path, net.Params())
	if err != nil {
		t.Fatal(err)
	}
	if meta.Epoch != 1 || meta.RunID != results[0].RunID {
		t.Errorf("unexpected checkpoint metadata %+v", meta)
	}
	plot := filepath.Join(opts.Config.Output.Plots, "test", "loss_test.png")
	if _, err := os.Stat(plot); err != nil {
		t.Errorf("missing plot: %v", err)
	}
}

func TestRunBatchCountMismatch(t *testing.T) {
	opts := testOptions(t)
	opts.Config.Dataset.Train[1] = "synthetic:12:2"
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	errs := make([]error, 2)
	dist.SpawnLocal(ctx, 2, nil, func(ctx context.Context, g *dist.Group) error {
		_, errs[g.Rank()] = Run(ctx, g, opts)
		return nil
	})
	for rank, err := range errs {
		if err == nil || !strings.Contains(err.Error(), "number of batches") {
			t.Errorf("rank %d: expected batch count error but got %v", rank, err)
		}
	}
}

type recordingOptimizer struct {
	optim.SGD
	watch   *nn.Param
	entries [][]float64
	exits   [][]float64
}

func (r *recordingOptimizer) Step(params []*nn.Param) {
	r.entries = append(r.entries, append([]float64{}, r.watch.Data...))
	r.SGD.Step(params)
	r.exits = append(r.exits, append([]float64{}, r.watch.Data...))
}

type sliceLoader []*ssd.Batch

func (s sliceLoader) Len() int {
	return len(s)
}

func (s sliceLoader) Epoch(ctx context.Context, fn func(b *ssd.Batch) error) error {
	for _, b := range s {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func syntheticBatches(t *testing.T, source string, batchSize int) sliceLoader {
	s := testSettings()
	l, err := dataset.Open(source, dataset.Options{
		BatchSize:  batchSize,
		Dims:       s.InputDimensions,
		ObjectSize: s.ObjectSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	var res sliceLoader
	l.Epoch(context.Background(), func(b *ssd.Batch) error {
		res = append(res, b)
		return nil
	})
	return res
}

func TestTernaryRoundTrip(t *testing.T) {
	batches := syntheticBatches(t, "synthetic:12:5", 3)
	err := dist.SpawnLocal(context.Background(), 1, nil, func(ctx context.Context, g *dist.Group) error {
		net, err := ssd.Build(testSettings(), []int{8, 16}, ssd.Options{Seed: 2})
		if err != nil {
			return err
		}
		watch := net.Backbone[1].Weight
		watch.Data[0] = 3
		opt := &recordingOptimizer{SGD: optim.SGD{Rate: 0.1, Momentum: 0.9}, watch: watch}
		runner := &Runner{
			Group:     g,
			Net:       net,
			Criterion: ssd.NewCriterion(testSettings(), false),
			Optimizer: opt,
			Quantizer: ternary.NewQuantizer(net.Convs()),
		}
		if _, err := runner.TrainPass(ctx, batches); err != nil {
			return err
		}

		if len(opt.entries) != len(batches) {
			return fmt.Errorf("expected %d steps but got %d", len(batches), len(opt.entries))
		}
		if opt.entries[0][0] != 3 {
			t.Errorf("first step saw %f instead of the full-precision weight", opt.entries[0][0])
		}
		for i := 1; i < len(opt.entries); i++ {
			expected := append([]float64{}, opt.exits[i-1]...)
			ternary.Clamp(expected, -1, 1)
			for j, x := range opt.entries[i] {
				if x != expected[j] {
					return fmt.Errorf("step %d: weight %d is %v at optimizer entry, expected %v",
						i, j, x, expected[j])
				}
			}
		}
		for _, x := range watch.Data {
			if x < -1 || x > 1 {
				return fmt.Errorf("weight %f outside [-1, 1] after training", x)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

type nanLoader struct {
	sliceLoader
	rank int
}

func (n nanLoader) Epoch(ctx context.Context, fn func(b *ssd.Batch) error) error {
	for i, b := range n.sliceLoader {
		if i == 1 && n.rank == 1 {
			b = &ssd.Batch{Images: b.Images.Clone(), Objects: b.Objects, NTracks: b.NTracks}
			for j := range b.Images.Data {
				b.Images.Data[j] = math.NaN()
			}
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func TestNonFinitePolicy(t *testing.T) {
	batches := syntheticBatches(t, "synthetic:9:6", 3)
	for _, abort := range []bool{false, true} {
		skipped := make([]int, 2)
		errs := make([]error, 2)
		params := make([][]float64, 2)
		dist.SpawnLocal(context.Background(), 2, nil, func(ctx context.Context, g *dist.Group) error {
			net, err := ssd.Build(testSettings(), []int{4}, ssd.Options{Seed: 3})
			if err != nil {
				return err
			}
			runner := &Runner{
				Group:          g,
				Net:            net,
				Criterion:      ssd.NewCriterion(testSettings(), false),
				Optimizer:      &optim.SGD{Rate: 0.01},
				Scaler:         optim.NewGradScaler(),
				AbortNonFinite: abort,
			}
			_, errs[g.Rank()] = runner.TrainPass(ctx, nanLoader{sliceLoader: batches, rank: g.Rank()})
			skipped[g.Rank()] = runner.Skipped
			params[g.Rank()] = nn.FlattenData(net.Params())
			return nil
		})
		for rank := range errs {
			if abort {
				if errs[rank] != ErrNonFiniteLoss {
					t.Errorf("abort: rank %d expected ErrNonFiniteLoss but got %v", rank, errs[rank])
				}
				continue
			}
			if errs[rank] != nil || skipped[rank] != 1 {
				t.Errorf("skip: rank %d got error %v and %d skipped batches", rank, errs[rank],
					skipped[rank])
			}
		}
		if !abort {
			for i, x := range params[0] {
				if x != params[1][i] || math.IsNaN(x) {
					t.Fatal("ranks diverged after skipping a batch")
				}
			}
		}
	}
}

func TestValidatePassRestoresWeights(t *testing.T) {
	batches := syntheticBatches(t, "synthetic:4:7", 2)
	err := dist.SpawnLocal(context.Background(), 1, nil, func(ctx context.Context, g *dist.Group) error {
		net, err := ssd.Build(testSettings(), []int{8, 16}, ssd.Options{Seed: 4})
		if err != nil {
			return err
		}
		before := nn.FlattenData(net.Params())
		runner := &Runner{
			Group:         g,
			Net:           net,
			Criterion:     ssd.NewCriterion(testSettings(), false),
			Quantizer:     ternary.NewQuantizer(net.Convs()),
			RecomputeEval: true,
		}
		res, err := runner.ValidatePass(ctx, batches)
		if err != nil {
			return err
		}
		if res.Batches != 2 {
			t.Errorf("expected 2 batches but got %d", res.Batches)
		}
		for i, x := range nn.FlattenData(net.Params()) {
			if x != before[i] {
				return errors.New("validation left ternary weights in place")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestValidatePassNonFinite(t *testing.T) {
	batches := syntheticBatches(t, "synthetic:6:8", 2)
	for _, abort := range []bool{false, true} {
		results := make([]float64, 2)
		skipped := make([]int, 2)
		errs := make([]error, 2)
		dist.SpawnLocal(context.Background(), 2, nil, func(ctx context.Context, g *dist.Group) error {
			net, err := ssd.Build(testSettings(), []int{4}, ssd.Options{Seed: 5})
			if err != nil {
				return err
			}
			runner := &Runner{
				Group:          g,
				Net:            net,
				Criterion:      ssd.NewCriterion(testSettings(), false),
				AbortNonFinite: abort,
			}
			res, err := runner.ValidatePass(ctx, nanLoader{sliceLoader: batches, rank: g.Rank()})
			errs[g.Rank()] = err
			results[g.Rank()] = res.Total()
			skipped[g.Rank()] = runner.ValSkipped
			return nil
		})
		for rank := range errs {
			if abort {
				if errs[rank] != ErrNonFiniteLoss {
					t.Errorf("abort: rank %d expected ErrNonFiniteLoss but got %v", rank, errs[rank])
				}
				continue
			}
			if errs[rank] != nil || skipped[rank] != 1 {
				t.Errorf("skip: rank %d got error %v and %d skipped batches", rank, errs[rank],
					skipped[rank])
			}
			if !isFinite(results[rank]) || results[rank] != results[0] {
				t.Errorf("skip: rank %d has validation loss %f", rank, results[rank])
			}
		}
	}
}
