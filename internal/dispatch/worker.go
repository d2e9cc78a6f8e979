package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// Sender writes an encoded frame to the stick.
type Sender interface {
	Send(frame []byte) error
}

// Worker moves requests from the queue onto the link one at a time. After
// each write it waits for the stick to acknowledge that exact sequence id,
// or for the link-ack ceiling, before the next write.
type Worker struct {
	queue    *queue
	tracker  *Tracker
	sender   Sender
	logger   *slog.Logger
	ackWait  time.Duration
	interMsg time.Duration

	linkAck chan uint16

	mu       sync.Mutex
	awaiting uint16
	waiting  bool
}

func newWorker(q *queue, tr *Tracker, s Sender, ackWait, interMsg time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		queue:    q,
		tracker:  tr,
		sender:   s,
		logger:   logger,
		ackWait:  ackWait,
		interMsg: interMsg,
		linkAck:  make(chan uint16, 8),
	}
}

// Submit enqueues a new request. It never blocks.
func (w *Worker) Submit(it item) {
	if !it.resend {
		w.tracker.Enqueued(it.req)
	}
	w.queue.push(it)
}

// AckReceived signals that the stick acknowledged seq.
func (w *Worker) AckReceived(seq uint16) {
	select {
	case w.linkAck <- seq:
	default:
		w.logger.Debug("link ack channel full, dropping", "seq", seqHex(seq))
	}
}

// Awaiting returns the sequence id the worker is waiting a link ack for.
func (w *Worker) Awaiting() (uint16, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.awaiting, w.waiting
}

// rebind switches the awaited id after the tracker re-keyed the entry.
func (w *Worker) rebind(from, to uint16) {
	w.mu.Lock()
	if w.waiting && w.awaiting == from {
		w.awaiting = to
	}
	w.mu.Unlock()
}

func (w *Worker) setAwaiting(seq uint16, waiting bool) {
	w.mu.Lock()
	w.awaiting, w.waiting = seq, waiting
	w.mu.Unlock()
}

func (w *Worker) run(done <-chan struct{}) {
	for {
		it, ok := w.queue.pop()
		if !ok {
			select {
			case <-w.queue.notify:
				continue
			case <-done:
				return
			}
		}
		w.dispatch(it, done)

		if w.interMsg > 0 {
			select {
			case <-time.After(w.interMsg):
			case <-done:
				return
			}
		}
	}
}

func (w *Worker) dispatch(it item, done <-chan struct{}) {
	req := it.req
	seq := it.seq
	if it.resend {
		var ok bool
		if req, ok = w.tracker.Redispatch(seq); !ok {
			w.logger.Debug("resend skipped, already resolved", "seq", seqHex(seq))
			return
		}
	} else {
		seq = w.tracker.Register(req, it.cb)
	}

	// Discard acks that belong to earlier writes.
	for drained := false; !drained; {
		select {
		case <-w.linkAck:
		default:
			drained = true
		}
	}

	w.setAwaiting(seq, true)
	defer w.setAwaiting(0, false)

	if err := w.sender.Send(req.Encode()); err != nil {
		// The entry stays in flight; the sweeper retries it.
		w.logger.Error("send failed", "req", req.Name(), "mac", req.MAC, "seq", seqHex(seq), "err", err)
		return
	}
	w.logger.Debug("request sent", "req", req.Name(), "mac", req.MAC, "seq", seqHex(seq), "resend", it.resend)

	timer := time.NewTimer(w.ackWait)
	defer timer.Stop()
	for {
		select {
		case got := <-w.linkAck:
			want, _ := w.Awaiting()
			if got == want {
				return
			}
			w.logger.Debug("stale link ack drained", "got", seqHex(got), "want", seqHex(want))
		case <-timer.C:
			w.logger.Warn("link ack timeout", "req", req.Name(), "mac", req.MAC, "seq", seqHex(seq))
			return
		case <-done:
			return
		}
	}
}
