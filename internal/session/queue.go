package session

import (
	"sync"

	"github.com/dewayanto/livetutor/pkg/provider/live"
)

// event is one entry of a run's serialized event stream.
type event interface{ isEvent() }

type (
	evStarted        struct{}
	evMessage        struct{ msg *live.ServerMessage }
	evTransportError struct{ err error }
	evTransportClose struct{}
	evCaptureError   struct{ err error }
	evDrained        struct{}
)

func (evStarted) isEvent()        {}
func (evMessage) isEvent()        {}
func (evTransportError) isEvent() {}
func (evTransportClose) isEvent() {}
func (evCaptureError) isEvent()   {}
func (evDrained) isEvent()        {}

// eventQueue is an unbounded FIFO with a wake-up signal. push never blocks,
// so transport, capture and playback goroutines can post while the consumer
// is busy tearing them down.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends ev. It reports false once the queue is closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every pending event. It returns nil after close.
func (q *eventQueue) take() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// close drops pending events and wakes the consumer. Idempotent.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
