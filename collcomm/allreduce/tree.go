package allreduce

import (
	"context"

	"github.com/unixpickle/dist-ssd/collcomm"
)

// A TreeAllreducer arranges the ranks in a binary tree
// and performs a reduction by going up the tree to the
// root rank, and then back down the tree to the leaves.
//
// Only the root applies fn to the final inputs, so the
// result is identical on every rank.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(ctx context.Context, c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	parent, children := positionInTree(c.Index(), c.Size())

	// Keep child vectors in rank order regardless of
	// arrival order.
	fromChild := map[int][]float64{}
	for range children {
		msg, src, err := c.Recv(ctx)
		if err != nil {
			return nil, err
		}
		fromChild[src] = msg
	}
	messages := [][]float64{data}
	for _, child := range children {
		messages = append(messages, fromChild[child])
	}

	finalVector := fn(messages...)
	if parent >= 0 {
		if err := c.Send(ctx, parent, finalVector); err != nil {
			return nil, err
		}
		var err error
		finalVector, _, err = c.Recv(ctx)
		if err != nil {
			return nil, err
		}
	}

	for _, child := range children {
		if err := c.Send(ctx, child, finalVector); err != nil {
			return nil, err
		}
	}

	return finalVector, nil
}

// positionInTree returns the parent rank and child ranks
// for a rank in the reduction tree.
//
// There may be no children.
// The parent is -1 for the root rank.
func positionInTree(idx, size int) (parent int, children []int) {
	parent = -1
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < size {
				children = append(children, firstChild+i)
			}
		}
		return
	}
	panic("unreachable")
}
