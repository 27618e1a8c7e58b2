// Command bench_infer measures the latency and throughput
// of a compiled detector and cross-checks its outputs
// against a full-precision run of the same weights.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/golang/glog"
	"github.com/unixpickle/dist-ssd/bench"
	"github.com/unixpickle/dist-ssd/checkpoint"
	"github.com/unixpickle/dist-ssd/config"
	"github.com/unixpickle/dist-ssd/dataset"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/dist-ssd/ssd"
)

func main() {
	var configPath, netPath, modelPath string
	var ternary bool
	var batchSize, warmup, samples int
	var seed int64
	flag.StringVar(&configPath, "c", "ssd-config.yml", "path to the training config")
	flag.StringVar(&netPath, "s", "net-config.yml", "path to the network config")
	flag.StringVar(&modelPath, "m", "", "checkpoint to benchmark (random weights if empty)")
	flag.BoolVar(&ternary, "t", false, "ternarize eligible convolutions")
	flag.IntVar(&batchSize, "b", 1, "batch size")
	flag.IntVar(&warmup, "w", bench.DefaultWarmup, "untimed warm-up passes")
	flag.IntVar(&samples, "n", 100, "timed passes")
	flag.Int64Var(&seed, "seed", 1, "seed for weights and inputs")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatal(err)
	}
	netCfg, err := config.LoadNet(netPath)
	if err != nil {
		glog.Fatal(err)
	}
	s := cfg.SSDSettings
	det, err := ssd.Build(s, netCfg.NetworkChannels, ssd.Options{Seed: seed})
	if err != nil {
		glog.Fatal(err)
	}
	if modelPath != "" {
		meta, err := checkpoint.Load(modelPath, det.Params())
		if err != nil {
			glog.Fatal(err)
		}
		glog.Infof("loaded run %s epoch %d", meta.RunID, meta.Epoch)
	}

	batch, err := syntheticBatch(s, batchSize, seed)
	if err != nil {
		glog.Fatal(err)
	}
	engine := bench.Compile(det, ternary)
	ref, err := engine.Reference(batch)
	if err != nil {
		glog.Fatal(err)
	}
	got, err := engine.Infer(batch)
	if err != nil {
		glog.Fatal(err)
	}
	if err := bench.CrossCheck(ref, got, bench.DefaultRTol, bench.DefaultATol); err != nil {
		glog.Fatalf("cross-check failed: %v", err)
	}

	stats, err := engine.Measure(batch, warmup, samples)
	if err != nil {
		glog.Fatal(err)
	}
	device := dist.DeviceFor(0)
	fmt.Printf("Device: %s (fast math: %v)\n", device.Name, dist.FastMath())
	fmt.Println("| Batch | Ternary | Mean (us) | Std (us) | Median (us) | P95 (us) | Images/s |")
	fmt.Println("|:--|:--|:--|:--|:--|:--|:--|")
	fmt.Printf("| %d | %v | %.1f | %.1f | %.1f | %.1f | %.1f |\n", stats.BatchSize, ternary,
		stats.Mean, stats.StdDev, stats.Median, stats.P95, stats.Throughput)
}

func syntheticBatch(s ssd.Settings, batchSize int, seed int64) (*nn.Tensor, error) {
	l, err := dataset.Open(fmt.Sprintf("synthetic:%d:%d", batchSize, seed), dataset.Options{
		BatchSize:  batchSize,
		Dims:       s.InputDimensions,
		ObjectSize: s.ObjectSize,
	})
	if err != nil {
		return nil, err
	}
	var res *nn.Tensor
	err = l.Epoch(context.Background(), func(b *ssd.Batch) error {
		res = b.Images
		return nil
	})
	return res, err
}
