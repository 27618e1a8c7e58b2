package grpccomm

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

var errQueueClosed = errors.New("queue closed")

// queue is an unbounded mailbox of encoded packets.
type queue struct {
	lock   sync.Mutex
	items  []*structpb.Struct
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(s *structpb.Struct) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, s)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop(ctx context.Context) (*structpb.Struct, error) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			s := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.lock.Unlock()
			return s, nil
		}
		closed := q.closed
		q.lock.Unlock()
		if closed {
			return nil, errQueueClosed
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
}
