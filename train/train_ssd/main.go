// Command train_ssd trains the detector on one or more
// ranks.
//
// With -rank unset, every rank of -world-size runs in this
// process. Otherwise each process runs one rank and they
// meet at -addr.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/unixpickle/dist-ssd/collcomm/allreduce"
	"github.com/unixpickle/dist-ssd/config"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/train"
)

func main() {
	var configPath, netPath, pretrained string
	var useInt8, ternary, regularize, verbose, disco bool
	var worldSize, rank int
	var addr string
	flag.StringVar(&configPath, "c", "ssd-config.yml", "path to the training config")
	flag.StringVar(&netPath, "s", "net-config.yml", "path to the network config")
	flag.StringVar(&pretrained, "m", "", "pre-trained checkpoint to start from")
	flag.BoolVar(&useInt8, "8", false, "quantization-aware int8 training")
	flag.BoolVar(&ternary, "t", false, "ternarize eligible convolutions")
	flag.BoolVar(&regularize, "r", false, "add the FLOP regularizer")
	flag.BoolVar(&verbose, "v", false, "log every batch")
	flag.BoolVar(&disco, "d", false, "add the decorrelation loss")
	flag.IntVar(&worldSize, "world-size", 1, "number of ranks")
	flag.IntVar(&rank, "rank", -1, "rank of this process (-1 runs all ranks in-process)")
	flag.StringVar(&addr, "addr", dist.DefaultAddr, "rendezvous address of rank 0")
	flag.Parse()
	defer glog.Flush()

	if flag.NArg() != 1 {
		glog.Fatal("usage: train_ssd [flags] <model name>")
	}
	name := flag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatal(err)
	}
	netCfg, err := config.LoadNet(netPath)
	if err != nil {
		glog.Fatal(err)
	}
	reducer := allreduce.ByName(cfg.TrainingPref.Allreduce)

	opts := train.Options{
		Name:            name,
		Config:          cfg,
		Net:             netCfg,
		Ternary:         ternary,
		Int8:            useInt8,
		FLOPRegularizer: regularize,
		Disco:           disco,
		Verbose:         verbose,
		PretrainedPath:  pretrained,
	}
	if rank <= 0 {
		plotDir := filepath.Join(cfg.Output.Plots, name)
		for _, path := range []string{configPath, netPath} {
			if err := copyInto(plotDir, path); err != nil {
				glog.Fatal(err)
			}
		}
	}

	ctx := context.Background()
	report := func(res *train.Result) {
		if res.History == nil {
			return
		}
		glog.Infof("run %s finished after %d epochs (best objective %f, %d skipped batches)",
			res.RunID, res.Epochs, res.BestObjective, res.Skipped)
		if res.Checkpoint != "" {
			glog.Infof("best model: %s", res.Checkpoint)
		}
	}

	if rank < 0 {
		err = dist.SpawnLocal(ctx, worldSize, reducer, func(ctx context.Context, g *dist.Group) error {
			res, err := train.Run(ctx, g, opts)
			if err != nil {
				return err
			}
			report(res)
			return nil
		})
		if err != nil {
			glog.Fatal(err)
		}
		return
	}

	dctx := dist.Context{Rank: rank, WorldSize: worldSize, Addr: addr}
	res, err := runRank(ctx, dctx, reducer, opts)
	if err != nil {
		glog.Fatalf("rank %d: %v", rank, err)
	}
	report(res)
}

// runRank trains as one rank of a multi-process group and
// closes the group before returning, even on failure.
func runRank(ctx context.Context, dctx dist.Context, reducer allreduce.Allreducer,
	opts train.Options) (res *train.Result, err error) {
	g, err := dist.Init(ctx, dctx, reducer)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := g.Close(); err == nil {
			err = closeErr
		}
	}()
	return train.Run(ctx, g, opts)
}

func copyInto(dir, path string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, filepath.Base(path)))
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}
