// Command bench_allreduce measures the virtual time that
// each Allreducer needs for the two kinds of reductions a
// training run performs: a handful of validation losses
// per batch, and a full gradient vector per step.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/unixpickle/dist-ssd/collcomm"
	"github.com/unixpickle/dist-ssd/collcomm/allreduce"
	"github.com/unixpickle/dist-ssd/simulator"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64
}

// Run creates a network and drops each rank into its own
// Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, commFn func(c *collcomm.Comms)) {
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	network := simulator.NewLatencyNetwork(r.Latency, r.Rate)
	collcomm.SpawnSim(loop, network, nodes, commFn)
	loop.MustRun()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	reducers := []allreduce.Allreducer{
		allreduce.NaiveAllreducer{},
		allreduce.TreeAllreducer{},
	}
	reducerNames := []string{"Naive", "Tree"}
	runs := []RunInfo{
		{NumNodes: 2, Latency: 1e-4, Rate: 1e9},
		{NumNodes: 4, Latency: 1e-4, Rate: 1e9},
		{NumNodes: 8, Latency: 1e-4, Rate: 1e9},
		{NumNodes: 8, Latency: 1e-3, Rate: 1e8},
	}

	// Loss vector, loss vector with decorrelation, and
	// roughly the parameter count of a small detector.
	vecSizes := []int{3, 4, 200000}

	fmt.Print("| Ranks | Latency | NIC rate | Size ")
	for _, reducerName := range reducerNames {
		fmt.Printf("| %s ", reducerName)
	}
	fmt.Println("|")
	for i := 0; i < 4+len(reducers); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, runInfo := range runs {
		for _, size := range vecSizes {
			fmt.Printf(
				"| %d | %s | %s | %d ",
				runInfo.NumNodes,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, reducer := range reducers {
				loop := simulator.NewEventLoop()
				runInfo.Run(loop, func(c *collcomm.Comms) {
					c.Begin("allreduce")
					vec := make([]float64, size)
					if _, err := reducer.Allreduce(context.Background(), c, vec, collcomm.Sum); err != nil {
						glog.Fatalf("rank %d: %v", c.Index(), err)
					}
				})
				fmt.Printf("| %f ", loop.Time())
			}
			fmt.Println("|")
		}
	}
}
