package simulator

import "sync"

// A Node represents a machine on a virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is measured in bytes.
	Size float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork is a network that assigns random delays
// to every message, so messages between the same pair of
// ports may be reordered.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, h.Float64())
	}
}

// A LatencyNetwork delivers each message after a fixed
// latency plus its transmission time.
//
// Messages into the same Node are serialized, which
// models a receiving NIC with bandwidth Rate.
type LatencyNetwork struct {
	// Latency is the per-message delay in seconds.
	Latency float64

	// Rate is the per-node receive bandwidth in bytes per
	// second.
	Rate float64

	lock      sync.Mutex
	nextTimes map[*Node]float64
}

// NewLatencyNetwork creates a LatencyNetwork.
func NewLatencyNetwork(latency, rate float64) *LatencyNetwork {
	return &LatencyNetwork{
		Latency:   latency,
		Rate:      rate,
		nextTimes: map[*Node]float64{},
	}
}

// Send schedules the messages in order.
func (l *LatencyNetwork) Send(h *Handle, msgs ...*Message) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := h.Time()
	for _, msg := range msgs {
		dest := msg.Dest.Node
		arrival := now + l.Latency + msg.Size/l.Rate
		if t, ok := l.nextTimes[dest]; ok && t > now {
			arrival += t - now
		}
		l.nextTimes[dest] = arrival
		h.Schedule(msg.Dest.Incoming, msg, arrival-now)
	}
}
