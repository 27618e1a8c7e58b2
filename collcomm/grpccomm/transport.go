package grpccomm

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/unixpickle/dist-ssd/collcomm"
	"github.com/unixpickle/essentials"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultShutdownTimeout bounds how long rank 0 keeps the
// relay alive waiting for other ranks to leave.
const DefaultShutdownTimeout = 10 * time.Second

// Options configures a Transport.
type Options struct {
	// Addr is the rendezvous address, host:port.
	Addr string

	Rank      int
	WorldSize int

	// Listener, if non-nil, is used by rank 0 instead of
	// listening on Addr.
	Listener net.Listener

	// ShutdownTimeout overrides DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// A Transport is a collcomm.Transport backed by a relay
// on rank 0.
type Transport struct {
	opts   Options
	conn   *grpc.ClientConn
	server *grpc.Server
	relay  *Relay
}

// NewTransport joins the process group.
//
// Rank 0 starts the relay first. Every rank then blocks
// until all WorldSize ranks have joined, or ctx is done.
func NewTransport(ctx context.Context, opts Options) (t *Transport, err error) {
	defer essentials.AddCtxTo("join process group", &err)

	t = &Transport{opts: opts}
	if opts.ShutdownTimeout == 0 {
		t.opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	addr := opts.Addr
	if opts.Rank == 0 {
		lis := opts.Listener
		if lis == nil {
			lis, err = net.Listen("tcp", opts.Addr)
			if err != nil {
				return nil, err
			}
		}
		addr = lis.Addr().String()
		t.relay = NewRelay(opts.WorldSize)
		t.server = grpc.NewServer()
		t.relay.Register(t.server)
		go t.server.Serve(lis)
	}

	t.conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.stopServer()
		return nil, err
	}
	req, err := encodeJoin(opts.Rank, opts.WorldSize)
	if err != nil {
		t.shutdown()
		return nil, err
	}
	if err := t.conn.Invoke(ctx, fullMethod("Join"), req, new(structpb.Struct),
		grpc.WaitForReady(true)); err != nil {
		t.shutdown()
		return nil, err
	}
	return t, nil
}

// Rank returns the local rank.
func (t *Transport) Rank() int {
	return t.opts.Rank
}

// Size returns the world size.
func (t *Transport) Size() int {
	return t.opts.WorldSize
}

// Send forwards a packet through the relay.
func (t *Transport) Send(ctx context.Context, dst int, p *collcomm.Packet) error {
	req, err := encodePacket(dst, p)
	if err != nil {
		return essentials.AddCtx("encode packet", err)
	}
	if err := t.conn.Invoke(ctx, fullMethod("Send"), req, new(structpb.Struct)); err != nil {
		return essentials.AddCtx("send to rank "+strconv.Itoa(dst), err)
	}
	return nil
}

// Recv waits for the next packet for this rank.
func (t *Transport) Recv(ctx context.Context) (*collcomm.Packet, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"rank": t.opts.Rank})
	if err != nil {
		return nil, err
	}
	res := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, fullMethod("Recv"), req, res); err != nil {
		return nil, essentials.AddCtx("receive", err)
	}
	return decodePacket(res), nil
}

// Close leaves the process group.
//
// On rank 0 it also waits for the other ranks to leave
// before stopping the relay.
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ShutdownTimeout)
	defer cancel()
	req, err := structpb.NewStruct(map[string]interface{}{"rank": t.opts.Rank})
	if err == nil {
		err = t.conn.Invoke(ctx, fullMethod("Leave"), req, new(structpb.Struct))
	}
	if t.relay != nil {
		select {
		case <-t.relay.Done():
		case <-ctx.Done():
		}
	}
	t.shutdown()
	return essentials.AddCtx("leave process group", err)
}

func (t *Transport) shutdown() {
	if t.conn != nil {
		t.conn.Close()
	}
	t.stopServer()
}

func (t *Transport) stopServer() {
	if t.server != nil {
		t.server.Stop()
	}
}

func encodeJoin(rank, worldSize int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"rank":       rank,
		"world_size": worldSize,
	})
}

func encodePacket(dst int, p *collcomm.Packet) (*structpb.Struct, error) {
	payload := make([]interface{}, len(p.Payload))
	for i, x := range p.Payload {
		payload[i] = x
	}
	return structpb.NewStruct(map[string]interface{}{
		"src":     p.Source,
		"dst":     dst,
		"seq":     float64(p.Seq),
		"op":      p.Op,
		"payload": payload,
	})
}

func decodePacket(s *structpb.Struct) *collcomm.Packet {
	fields := s.GetFields()
	values := fields["payload"].GetListValue().GetValues()
	payload := make([]float64, len(values))
	for i, v := range values {
		payload[i] = v.GetNumberValue()
	}
	return &collcomm.Packet{
		Source:  int(fields["src"].GetNumberValue()),
		Seq:     uint64(fields["seq"].GetNumberValue()),
		Op:      fields["op"].GetStringValue(),
		Payload: payload,
	}
}
