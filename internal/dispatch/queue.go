package dispatch

import (
	"sync"

	"plugwise-go-home/internal/protocol"
)

// item is one unit of work for the worker: either a new request, or a
// resend of an entry already registered under seq.
type item struct {
	req    protocol.Request
	cb     Callback
	seq    uint16
	resend bool
}

// queue is an unbounded two-lane FIFO. The high lane (user requests and
// resends) is always drained before the poll lane.
type queue struct {
	mu     sync.Mutex
	high   []item
	low    []item
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	if !it.resend && it.req.Priority == protocol.PriorityPoll {
		q.low = append(q.low, it)
	} else {
		q.high = append(q.high, it)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.high) > 0 {
		it := q.high[0]
		q.high[0] = item{}
		q.high = q.high[1:]
		return it, true
	}
	if len(q.low) > 0 {
		it := q.low[0]
		q.low[0] = item{}
		q.low = q.low[1:]
		return it, true
	}
	return item{}, false
}

// drain empties both lanes and returns what was queued.
func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append(q.high, q.low...)
	q.high, q.low = nil, nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}
