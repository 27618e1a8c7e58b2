// Package grpccomm connects ranks that live in separate
// processes.
//
// Rank 0 hosts a Relay service at the rendezvous address.
// Every rank, including rank 0, joins the relay and then
// exchanges collcomm packets through per-rank mailboxes on
// the relay. The relay only forwards packets; reductions
// still run on the ranks, so any collcomm/allreduce
// algorithm works unchanged on top of it.
package grpccomm

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "distssd.Relay"

// RelayServer is the gRPC service implemented by Relay.
type RelayServer interface {
	Join(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Recv(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Leave(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Join", RelayServer.Join),
		unaryMethod("Send", RelayServer.Send),
		unaryMethod("Recv", RelayServer.Recv),
		unaryMethod("Leave", RelayServer.Leave),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay",
}

func unaryMethod(name string,
	call func(RelayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RelayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RelayServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// A Relay forwards packets between the ranks of a single
// process group.
type Relay struct {
	worldSize int

	lock   sync.Mutex
	joined map[int]bool
	left   map[int]bool
	ready  chan struct{}
	done   chan struct{}
	queues []*queue
}

// NewRelay creates a relay for worldSize ranks.
func NewRelay(worldSize int) *Relay {
	queues := make([]*queue, worldSize)
	for i := range queues {
		queues[i] = newQueue()
	}
	return &Relay{
		worldSize: worldSize,
		joined:    map[int]bool{},
		left:      map[int]bool{},
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		queues:    queues,
	}
}

// Register adds the relay service to a gRPC server.
func (r *Relay) Register(s *grpc.Server) {
	s.RegisterService(&relayServiceDesc, r)
}

// Done is closed once every rank has left.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Join registers a rank and blocks until every rank in
// the group has joined.
func (r *Relay) Join(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rank := intField(in, "rank")
	worldSize := intField(in, "world_size")
	if worldSize != r.worldSize {
		return nil, status.Errorf(codes.FailedPrecondition,
			"rank %d expects world size %d but relay has %d", rank, worldSize, r.worldSize)
	}
	if err := r.checkRank(rank); err != nil {
		return nil, err
	}

	r.lock.Lock()
	if r.joined[rank] {
		r.lock.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined", rank)
	}
	r.joined[rank] = true
	if len(r.joined) == r.worldSize {
		close(r.ready)
	}
	r.lock.Unlock()

	select {
	case <-r.ready:
		return &structpb.Struct{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// Send enqueues a packet for its destination rank.
func (r *Relay) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	dst := intField(in, "dst")
	if err := r.checkRank(dst); err != nil {
		return nil, err
	}
	if !r.queues[dst].push(in) {
		return nil, status.Errorf(codes.Unavailable, "rank %d has left", dst)
	}
	return &structpb.Struct{}, nil
}

// Recv waits for the next packet addressed to a rank.
func (r *Relay) Recv(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rank := intField(in, "rank")
	if err := r.checkRank(rank); err != nil {
		return nil, err
	}
	p, err := r.queues[rank].pop(ctx)
	if err == errQueueClosed {
		return nil, status.Errorf(codes.Unavailable, "rank %d has left", rank)
	} else if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return p, nil
}

// Leave removes a rank from the group.
func (r *Relay) Leave(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rank := intField(in, "rank")
	if err := r.checkRank(rank); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.left[rank] {
		r.left[rank] = true
		r.queues[rank].close()
		if len(r.left) == r.worldSize {
			close(r.done)
		}
	}
	return &structpb.Struct{}, nil
}

func (r *Relay) checkRank(rank int) error {
	if rank < 0 || rank >= r.worldSize {
		return status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", rank, r.worldSize)
	}
	return nil
}

func intField(s *structpb.Struct, name string) int {
	return int(s.GetFields()[name].GetNumberValue())
}
