// Package simulator runs simulated ranks against a virtual
// clock, so that collective protocols can be exercised
// deterministically and deadlocks can be detected instead
// of hanging a test.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// A DeadlockError is returned by EventLoop.Run when every
// Goroutine is waiting for an event that can never arrive.
type DeadlockError struct {
	// Time is the virtual time at which the loop stalled.
	Time float64

	// Blocked is the number of Goroutines still polling.
	Blocked int
}

// Error returns a description of the deadlock.
func (d *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: %d handles polling at time %f", d.Blocked, d.Time)
}

// An EventStream is a uni-directional channel of events
// that are passed through an EventLoop.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

type timer struct {
	time  float64
	event *Event
}

// A Handle is a Goroutine's mechanism for accessing an
// EventLoop. Goroutines should not share Handles.
type Handle struct {
	*EventLoop

	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll waits for the next event from a set of streams.
//
// Streams earlier in the argument list take priority if
// more than one of them has a pending event.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule delivers msg on stream after a virtual delay.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	h.modify(func() {
		t := &timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(t.time, 0) || math.IsNaN(t.time) {
			panic(fmt.Sprintf("invalid deadline: %f", t.time))
		}
		h.timers = append(h.timers, t)
	})
}

// Sleep waits for a certain amount of virtual time to
// elapse.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// Float64 draws a random number from the loop's source.
func (h *Handle) Float64() float64 {
	var res float64
	h.modify(func() {
		res = h.rng.Float64()
	})
	return res
}

// An EventLoop is a global scheduler for events in a
// simulated distributed system.
//
// All Goroutines which access an EventLoop should be
// started using the EventLoop.Go() method.
//
// Virtual time only advances when every Goroutine is
// polling, so simulated ranks can compute in real time
// without affecting the simulated clock.
type EventLoop struct {
	lock    sync.Mutex
	rng     *rand.Rand
	timers  []*timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with a randomly
// seeded tie-breaking source.
func NewEventLoop() *EventLoop {
	return NewSeededEventLoop(rand.Int63())
}

// NewSeededEventLoop creates an event loop whose
// tie-breaking between simultaneous events is driven by
// the given seed.
func NewSeededEventLoop(seed int64) *EventLoop {
	return &EventLoop{
		rng:      rand.New(rand.NewSource(seed)),
		notifyCh: make(chan struct{}, 1),
	}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs a function in a Goroutine and passes it a new
// handle to the EventLoop.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
		f(h)
	}()
}

// Run runs the loop and blocks until all handles have
// been closed.
//
// It returns a *DeadlockError if the Goroutines can make
// no further progress.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but it panics if there is a
// deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify(), but it wakes the loop
// since the set of polling handles may have changed.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		// Ties are broken randomly so that protocols do not
		// come to rely on a particular delivery order.
		indices := e.rng.Perm(len(e.timers))
		next := indices[0]
		for _, i := range indices[1:] {
			if e.timers[i].time < e.timers[next].time {
				next = i
			}
		}
		t := e.timers[next]
		essentials.UnorderedDelete(&e.timers, next)
		e.time = math.Max(e.time, t.time)
		if e.deliver(t.event) {
			return true, nil
		}
	}

	return false, &DeadlockError{Time: e.time, Blocked: len(e.handles)}
}

func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range e.rng.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
