// Package collcomm implements the point-to-point layer
// that collective operations are built on.
//
// Every rank owns a Comms object wrapping a Transport.
// Each collective operation is started with Begin, which
// tags all of its packets with a per-rank sequence number
// and an operation name. As long as every rank issues the
// same collectives in the same order, packets from a fast
// rank that has already moved on are buffered until the
// slow rank catches up; if the ranks disagree about which
// collective comes next, ErrCollectiveMismatch is
// returned instead of silently mixing up payloads.
package collcomm

import (
	"context"
	"errors"
	"fmt"

	"github.com/unixpickle/essentials"
)

// ErrCollectiveMismatch indicates that two ranks issued
// different collective operations at the same point in
// their sequence of collectives.
var ErrCollectiveMismatch = errors.New("collective operation mismatch")

// A Packet is the unit of data moved by a Transport.
type Packet struct {
	Source  int
	Seq     uint64
	Op      string
	Payload []float64
}

// A Transport moves packets between ranks.
type Transport interface {
	// Rank is the index of the local rank.
	Rank() int

	// Size is the number of ranks.
	Size() int

	// Send delivers a packet to rank dst.
	// It may return before the packet arrives.
	Send(ctx context.Context, dst int, p *Packet) error

	// Recv waits for the next packet addressed to this
	// rank, in any order.
	Recv(ctx context.Context) (*Packet, error)

	// Close releases the transport.
	Close() error
}

// Comms is one rank's view of the process group.
type Comms struct {
	Transport Transport

	seq     uint64
	op      string
	pending []*Packet
}

// NewComms wraps a Transport.
func NewComms(t Transport) *Comms {
	return &Comms{Transport: t}
}

// Begin starts the next collective operation.
// All subsequent Send and Recv calls belong to it.
func (c *Comms) Begin(op string) {
	c.seq++
	c.op = op
}

// Seq returns the sequence number of the current
// collective.
func (c *Comms) Seq() uint64 {
	return c.seq
}

// Size gets the number of ranks.
func (c *Comms) Size() int {
	return c.Transport.Size()
}

// Index returns the current rank.
func (c *Comms) Index() int {
	return c.Transport.Rank()
}

// Send sends a vector to rank dst.
func (c *Comms) Send(ctx context.Context, dst int, vec []float64) error {
	return c.Transport.Send(ctx, dst, &Packet{
		Source:  c.Index(),
		Seq:     c.seq,
		Op:      c.op,
		Payload: vec,
	})
}

// Bcast sends a vector to every other rank.
func (c *Comms) Bcast(ctx context.Context, vec []float64) error {
	for i := 0; i < c.Size(); i++ {
		if i == c.Index() {
			continue
		}
		if err := c.Send(ctx, i, vec); err != nil {
			return err
		}
	}
	return nil
}

// Recv receives the next vector of the current
// collective, along with the rank that sent it.
func (c *Comms) Recv(ctx context.Context) ([]float64, int, error) {
	for i, p := range c.pending {
		if p.Seq == c.seq {
			essentials.OrderedDelete(&c.pending, i)
			if err := c.checkOp(p); err != nil {
				return nil, 0, err
			}
			return p.Payload, p.Source, nil
		}
	}
	for {
		p, err := c.Transport.Recv(ctx)
		if err != nil {
			return nil, 0, err
		}
		if p.Seq > c.seq {
			c.pending = append(c.pending, p)
			continue
		} else if p.Seq < c.seq {
			return nil, 0, fmt.Errorf("%w: stale packet (seq %d, op %s) from rank %d during seq %d",
				ErrCollectiveMismatch, p.Seq, p.Op, p.Source, c.seq)
		}
		if err := c.checkOp(p); err != nil {
			return nil, 0, err
		}
		return p.Payload, p.Source, nil
	}
}

// Broadcast distributes root's vector to every rank.
// The vec argument is ignored on non-root ranks.
func (c *Comms) Broadcast(ctx context.Context, root int, vec []float64) ([]float64, error) {
	if c.Index() == root {
		if err := c.Bcast(ctx, vec); err != nil {
			return nil, err
		}
		return vec, nil
	}
	res, src, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if src != root {
		return nil, fmt.Errorf("%w: broadcast from rank %d but root is %d",
			ErrCollectiveMismatch, src, root)
	}
	return res, nil
}

// Close closes the underlying Transport.
func (c *Comms) Close() error {
	return c.Transport.Close()
}

func (c *Comms) checkOp(p *Packet) error {
	if p.Op != c.op {
		return fmt.Errorf("%w: rank %d is in %q but rank %d sent %q (seq %d)",
			ErrCollectiveMismatch, c.Index(), c.op, p.Source, p.Op, c.seq)
	}
	return nil
}
