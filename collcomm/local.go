package collcomm

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending to or receiving on a
// closed transport.
var ErrClosed = errors.New("transport closed")

// NewLocalNetwork creates n connected in-process
// transports, one per rank.
//
// Sends never block, so a rank may run arbitrarily far
// ahead of its peers until it waits on a Recv.
func NewLocalNetwork(n int) []Transport {
	boxes := make([]*mailbox, n)
	for i := range boxes {
		boxes[i] = &mailbox{signal: make(chan struct{}, 1)}
	}
	res := make([]Transport, n)
	for i := range res {
		res[i] = &localTransport{rank: i, boxes: boxes}
	}
	return res
}

type mailbox struct {
	lock   sync.Mutex
	queue  []*Packet
	closed bool
	signal chan struct{}
}

func (m *mailbox) push(p *Packet) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, p)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) pop(ctx context.Context) (*Packet, error) {
	for {
		m.lock.Lock()
		if m.closed {
			m.lock.Unlock()
			return nil, ErrClosed
		}
		if len(m.queue) > 0 {
			p := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.lock.Unlock()
			return p, nil
		}
		m.lock.Unlock()
		select {
		case <-m.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.closed {
		m.closed = true
		close(m.signal)
	}
}

type localTransport struct {
	rank  int
	boxes []*mailbox
}

func (l *localTransport) Rank() int {
	return l.rank
}

func (l *localTransport) Size() int {
	return len(l.boxes)
}

func (l *localTransport) Send(ctx context.Context, dst int, p *Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := append([]float64{}, p.Payload...)
	pCopy := *p
	pCopy.Payload = payload
	return l.boxes[dst].push(&pCopy)
}

func (l *localTransport) Recv(ctx context.Context) (*Packet, error) {
	return l.boxes[l.rank].pop(ctx)
}

func (l *localTransport) Close() error {
	l.boxes[l.rank].close()
	return nil
}
