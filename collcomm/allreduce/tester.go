package allreduce

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/unixpickle/dist-ssd/collcomm"
	"github.com/unixpickle/dist-ssd/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer, over both in-process and simulated
// transports.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1, 1337} {
			for _, transport := range []string{"local", "random", "latency"} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Transport=%s", numNodes, size, transport)
				t.Run(testName, func(t *testing.T) {
					vectors := make([][]float64, numNodes)
					sum := make([]float64, size)
					for i := range vectors {
						vectors[i] = make([]float64, size)
						for j := range vectors[i] {
							vectors[i][j] = rand.NormFloat64()
							sum[j] += vectors[i][j]
						}
					}
					results := make([][]float64, numNodes)
					errs := make([]error, numNodes)
					runCollective(t, numNodes, transport, func(c *collcomm.Comms) {
						c.Begin("allreduce")
						results[c.Index()], errs[c.Index()] = reducer.Allreduce(context.Background(),
							c, vectors[c.Index()], collcomm.Sum)
					})
					for i, err := range errs {
						if err != nil {
							t.Fatalf("rank %d: %v", i, err)
						}
					}
					verifyReductionResults(t, results, sum)
				})
			}
		}
	}
}

func runCollective(t *testing.T, numNodes int, transport string, f func(c *collcomm.Comms)) {
	if transport == "local" {
		var wg sync.WaitGroup
		for _, tr := range collcomm.NewLocalNetwork(numNodes) {
			wg.Add(1)
			go func(tr collcomm.Transport) {
				defer wg.Done()
				c := collcomm.NewComms(tr)
				defer c.Close()
				f(c)
			}(tr)
		}
		wg.Wait()
		return
	}

	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, numNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	var network simulator.Network
	if transport == "random" {
		network = simulator.RandomNetwork{}
	} else {
		network = simulator.NewLatencyNetwork(0.1, 1e6)
	}
	collcomm.SpawnSim(loop, network, nodes, f)
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
