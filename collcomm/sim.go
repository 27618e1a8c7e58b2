package collcomm

import (
	"context"

	"github.com/unixpickle/dist-ssd/simulator"
)

// SpawnSim creates a Comms object for every node in a
// simulated network and calls f for each node in its own
// Goroutine on the event loop.
//
// Simulated transports run on virtual time, so they ignore
// context deadlines; a protocol that can never finish
// shows up as a deadlock error from loop.Run().
func SpawnSim(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(NewComms(&simTransport{
				handle:  h,
				rank:    rank,
				ports:   ports,
				network: network,
			}))
		})
	}
}

type simTransport struct {
	handle  *simulator.Handle
	rank    int
	ports   []*simulator.Port
	network simulator.Network
}

func (s *simTransport) Rank() int {
	return s.rank
}

func (s *simTransport) Size() int {
	return len(s.ports)
}

func (s *simTransport) Send(ctx context.Context, dst int, p *Packet) error {
	s.network.Send(s.handle, &simulator.Message{
		Source:  s.ports[s.rank],
		Dest:    s.ports[dst],
		Message: p,
		Size:    float64(len(p.Payload)*8 + 16),
	})
	return nil
}

func (s *simTransport) Recv(ctx context.Context) (*Packet, error) {
	return s.ports[s.rank].Recv(s.handle).Message.(*Packet), nil
}

func (s *simTransport) Close() error {
	return nil
}
