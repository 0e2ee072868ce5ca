package transport

import (
	"sync"

	"callback-rpc/rpc"

	"google.golang.org/grpc/codes"
)

type notifyKind int

const (
	kindResponse notifyKind = iota
	kindCompletion
	kindError
)

type notification struct {
	kind    notifyKind
	call    *rpc.PendingCall
	payload any
	status  codes.Code
}

// notifyQueue is an unbounded FIFO feeding the delivery goroutine. push never blocks,
// so a callback running on the delivery goroutine may start or override calls.
type notifyQueue struct {
	mu      sync.Mutex
	items   []notification
	wake    chan struct{}
	closed  bool
	stopped bool // the consumer has drained the closed queue and returned
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{wake: make(chan struct{}, 1)}
}

// push appends n. It returns false once the consumer has stopped.
func (q *notifyQueue) push(n notification) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, n)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *notifyQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close lets the consumer return after draining what was queued.
func (q *notifyQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a notification is queued. It returns false once the queue is closed
// and empty.
func (q *notifyQueue) pop() (notification, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items[0] = notification{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return n, true
		}
		if q.closed {
			q.stopped = true
			q.mu.Unlock()
			return notification{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}
