package allreduce

import (
	"context"

	"github.com/unixpickle/dist-ssd/collcomm"
)

// A NaiveAllreducer sends every vector from every rank to
// every other rank.
//
// Each rank then reduces the gathered vectors in rank
// order, which keeps results identical across ranks.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the ranks' vectors on
// every rank.
func (n NaiveAllreducer) Allreduce(ctx context.Context, c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	gatheredVecs := make([][]float64, c.Size())

	if err := c.Bcast(ctx, data); err != nil {
		return nil, err
	}

	for i := 0; i < len(gatheredVecs)-1; i++ {
		incoming, source, err := c.Recv(ctx)
		if err != nil {
			return nil, err
		}
		gatheredVecs[source] = incoming
	}

	gatheredVecs[c.Index()] = data

	return fn(gatheredVecs...), nil
}
