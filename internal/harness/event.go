package harness

import (
	"sync"
	"time"
)

// EventKind tags what an instance Event carries.
type EventKind string

const (
	// EventOutput carries one raw chunk read from stdout or stderr.
	EventOutput EventKind = "output"
	// EventStatus reports a status change that is not the final exit.
	EventStatus EventKind = "status"
	// EventExited is always the last event of an instance.
	EventExited EventKind = "exited"
)

// Stream identifies which output pipe a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is a single lifecycle or output notification for one instance.
type Event struct {
	InstanceID string
	Kind       EventKind
	Time       time.Time
	Stream     Stream
	Data       string
	Status     Status
	ExitCode   *int
	Err        error
}

// eventQueue delivers events in push order through an unbounded buffer so
// that capture goroutines never block on a slow consumer. The output channel
// is closed once the queue is closed and drained, or when it is stopped.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
	stop   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:  make(chan Event),
		stop: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// discard drops undelivered events and releases the pump goroutine.
func (q *eventQueue) discard() {
	q.once.Do(func() { close(q.stop) })
	q.close()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}
