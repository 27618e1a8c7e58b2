// Package allreduce implements algorithms for summing or
// maxing vectors across every rank in a process group.
package allreduce

import (
	"context"

	"github.com/unixpickle/dist-ssd/collcomm"
)

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across ranks.
//
// The caller must start a new collective with c.Begin()
// before each call, and every rank must pass a vector of
// the same length.
// Every rank receives a bit-identical result.
type Allreducer interface {
	Allreduce(ctx context.Context, c *collcomm.Comms, data []float64,
		fn collcomm.ReduceFn) ([]float64, error)
}

// ByName returns the Allreducer for a configuration name.
// Unknown names return nil.
func ByName(name string) Allreducer {
	switch name {
	case "", "tree":
		return TreeAllreducer{}
	case "naive":
		return NaiveAllreducer{}
	}
	return nil
}
