package dist

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/unixpickle/dist-ssd/collcomm"
	"github.com/unixpickle/dist-ssd/collcomm/allreduce"
	"github.com/unixpickle/dist-ssd/collcomm/grpccomm"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
)

// A Group is one rank's handle on an active process group.
//
// Every method is a collective: all ranks must call the
// same methods in the same order with vectors of the same
// length. A rank that strays from that order gets an error
// wrapping collcomm.ErrCollectiveMismatch, or blocks if its
// peers never reach the same collective.
type Group struct {
	ctx     Context
	comms   *collcomm.Comms
	reducer allreduce.Allreducer

	closeOnce sync.Once
	closeErr  error
}

// NewGroup wraps a connected transport.
//
// If reducer is nil, a TreeAllreducer is used.
func NewGroup(dctx Context, t collcomm.Transport, reducer allreduce.Allreducer) *Group {
	if t.Rank() != dctx.Rank || t.Size() != dctx.WorldSize {
		panic(fmt.Sprintf("transport is rank %d/%d but context is %s", t.Rank(), t.Size(), dctx))
	}
	if reducer == nil {
		reducer = allreduce.TreeAllreducer{}
	}
	return &Group{ctx: dctx, comms: collcomm.NewComms(t), reducer: reducer}
}

// Init joins a multi-process group through the rendezvous
// address in dctx.
//
// It blocks until every rank has joined.
func Init(ctx context.Context, dctx Context, reducer allreduce.Allreducer) (g *Group, err error) {
	defer essentials.AddCtxTo("init process group", &err)
	if err := dctx.Validate(); err != nil {
		return nil, err
	}
	addr := dctx.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	t, err := grpccomm.NewTransport(ctx, grpccomm.Options{
		Addr:      addr,
		Rank:      dctx.Rank,
		WorldSize: dctx.WorldSize,
	})
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("%s joined process group at %s", dctx, addr)
	return NewGroup(dctx, t, reducer), nil
}

// SpawnLocal runs f for every rank of an in-process group,
// each in its own Goroutine, and waits for all of them.
//
// Each rank's group is closed after f returns. The first
// error cancels the context passed to the other ranks and
// is returned.
func SpawnLocal(ctx context.Context, worldSize int, reducer allreduce.Allreducer,
	f func(ctx context.Context, g *Group) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for rank, t := range collcomm.NewLocalNetwork(worldSize) {
		g := NewGroup(Context{Rank: rank, WorldSize: worldSize}, t, reducer)
		eg.Go(func() error {
			defer g.Close()
			if err := f(ctx, g); err != nil {
				return essentials.AddCtx(g.ctx.String(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Context returns the rank's distributed context.
func (g *Group) Context() Context {
	return g.ctx
}

// Rank returns the local rank.
func (g *Group) Rank() int {
	return g.ctx.Rank
}

// Size returns the world size.
func (g *Group) Size() int {
	return g.ctx.WorldSize
}

// Average sums xs across all ranks and divides by the
// world size.
//
// Every rank gets a bit-identical result.
func (g *Group) Average(ctx context.Context, xs ...float64) ([]float64, error) {
	sum, err := g.allreduce(ctx, "average", xs, collcomm.Sum)
	if err != nil {
		return nil, err
	}
	n := float64(g.ctx.WorldSize)
	for i := range sum {
		sum[i] /= n
	}
	return sum, nil
}

// AllTrue reports whether v is true on every rank.
func (g *Group) AllTrue(ctx context.Context, v bool) (bool, error) {
	res, err := g.allreduce(ctx, "all_true", []float64{boolFloat(v)}, collcomm.Min)
	if err != nil {
		return false, err
	}
	return res[0] == 1, nil
}

// Barrier blocks until every rank reaches the barrier.
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.allreduce(ctx, "barrier", []float64{0}, collcomm.Sum)
	return err
}

// Broadcast returns root's vector on every rank.
// The argument is ignored on other ranks.
func (g *Group) Broadcast(ctx context.Context, root int, vec []float64) ([]float64, error) {
	g.comms.Begin("broadcast")
	res, err := g.comms.Broadcast(ctx, root, vec)
	if err != nil {
		return nil, essentials.AddCtx("broadcast", err)
	}
	return res, nil
}

// BroadcastBool returns root's value of v on every rank.
// The argument is ignored on other ranks.
func (g *Group) BroadcastBool(ctx context.Context, root int, v bool) (bool, error) {
	vec, err := g.Broadcast(ctx, root, []float64{boolFloat(v)})
	if err != nil {
		return false, err
	}
	return vec[0] == 1, nil
}

// AverageGradients replaces each gradient with its mean
// over all ranks.
func (g *Group) AverageGradients(ctx context.Context, params []*nn.Param) error {
	avg, err := g.Average(ctx, nn.FlattenGrad(params)...)
	if err != nil {
		return essentials.AddCtx("average gradients", err)
	}
	nn.SetGrad(params, avg)
	return nil
}

// BroadcastParams copies rank 0's parameter values to
// every rank.
func (g *Group) BroadcastParams(ctx context.Context, params []*nn.Param) error {
	vec, err := g.Broadcast(ctx, 0, nn.FlattenData(params))
	if err != nil {
		return essentials.AddCtx("broadcast params", err)
	}
	if g.ctx.Rank != 0 {
		nn.SetData(params, vec)
	}
	return nil
}

// Close leaves the group.
// It is safe to call more than once.
func (g *Group) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.comms.Close()
	})
	return g.closeErr
}

func (g *Group) allreduce(ctx context.Context, op string, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	g.comms.Begin(op)
	res, err := g.reducer.Allreduce(ctx, g.comms, data, fn)
	if err != nil {
		return nil, essentials.AddCtx(op, err)
	}
	return res, nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
