// Package dispatch serializes requests to the stick and correlates the
// acknowledgements and responses that come back.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"plugwise-go-home/internal/protocol"
)

// Callback receives the resolving response, or an error when the request
// was given up. It is invoked at most once per request.
type Callback func(resp *protocol.Response, err error)

// Entry is an in-flight request awaiting resolution.
type Entry struct {
	Seq     uint16
	Request protocol.Request
	Retries int
	SentAt  time.Time
	Expect  protocol.Kind

	callback Callback
	// resendQueued is set while a resend sits in the worker queue and
	// cleared when the worker puts it on the wire.
	resendQueued bool
}

func (e *Entry) invoke(resp *protocol.Response, err error) {
	if e.callback != nil {
		e.callback(resp, err)
	}
}

// Outcome describes what Resolve did with an acknowledgement.
type Outcome uint8

const (
	// OutcomeStale means no entry matched the sequence id.
	OutcomeStale Outcome = iota
	// OutcomePending means the entry stays in flight waiting for its response.
	OutcomePending
	// OutcomeResolved means the entry was completed and its callback ran.
	OutcomeResolved
	// OutcomeRetry means a NACK was received and the entry must be resent.
	OutcomeRetry
	// OutcomeGaveUp means a NACK was received on the last allowed attempt.
	OutcomeGaveUp
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStale:
		return "stale"
	case OutcomePending:
		return "pending"
	case OutcomeResolved:
		return "resolved"
	case OutcomeRetry:
		return "retry"
	case OutcomeGaveUp:
		return "gave_up"
	}
	return "unknown"
}

type pollKey struct {
	mac  string
	kind protocol.Kind
}

// Tracker owns the table of in-flight requests keyed by sequence id.
type Tracker struct {
	mu         sync.Mutex
	entries    map[uint16]*Entry
	queued     map[pollKey]int
	lastAck    uint16
	hasAck     bool
	maxRetries int
	now        func() time.Time
}

// NewTracker creates a tracker. maxRetries bounds NACK-triggered resends.
func NewTracker(maxRetries int, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries:    make(map[uint16]*Entry),
		queued:     make(map[pollKey]int),
		maxRetries: maxRetries,
		now:        now,
	}
}

// nextSeq returns the id following the last acknowledged one, skipping ids
// still in use. Caller must hold t.mu.
func (t *Tracker) nextSeq() uint16 {
	seq := uint16(0x0000)
	if t.hasAck {
		seq = t.lastAck + 1 // wraps FFFF -> 0000
	}
	for i := 0; i < 0x10000; i++ {
		if _, busy := t.entries[seq]; !busy {
			return seq
		}
		seq++
	}
	// 65536 entries in flight cannot happen with a serial worker.
	panic("dispatch: sequence space exhausted")
}

// Register allocates a sequence id and records req as in flight.
func (t *Tracker) Register(req protocol.Request, cb Callback) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.nextSeq()
	t.entries[seq] = &Entry{
		Seq:      seq,
		Request:  req,
		SentAt:   t.now(),
		Expect:   req.Expect,
		callback: cb,
	}
	t.unqueueLocked(req)
	return seq
}

// Redispatch refreshes the dispatch timestamp of seq ahead of a resend and
// restarts its exchange timeout. It returns false when the entry resolved or
// was dropped in the meantime.
func (t *Tracker) Redispatch(seq uint16) (protocol.Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return protocol.Request{}, false
	}
	e.SentAt = t.now()
	e.resendQueued = false
	return e.Request, true
}

// Resolve applies an acknowledgement to the entry for seq.
// Link-level codes also advance the last acknowledged id, whether or not an
// entry matches. For OutcomeRetry and OutcomeGaveUp the returned entry must
// be handed to the resend or gave-up path by the caller.
func (t *Tracker) Resolve(seq uint16, ack *protocol.Response) (Outcome, Entry) {
	t.mu.Lock()
	if ack.Ack.IsLinkLevel() {
		t.lastAck = seq
		t.hasAck = true
	}
	e, ok := t.entries[seq]
	if !ok {
		t.mu.Unlock()
		return OutcomeStale, Entry{}
	}

	switch {
	case ack.Ack.IsNack():
		if e.resendQueued {
			t.mu.Unlock()
			return OutcomePending, *e
		}
		if e.Retries < t.maxRetries {
			e.Retries++
			e.SentAt = t.now()
			e.resendQueued = true
			out := *e
			t.mu.Unlock()
			return OutcomeRetry, out
		}
		delete(t.entries, seq)
		t.mu.Unlock()
		return OutcomeGaveUp, *e

	case ackSatisfies(e.Expect, ack.Ack):
		delete(t.entries, seq)
		t.mu.Unlock()
		e.invoke(ack, nil)
		return OutcomeResolved, *e
	}

	t.mu.Unlock()
	return OutcomePending, *e
}

func ackSatisfies(expect protocol.Kind, code protocol.AckCode) bool {
	switch expect {
	case protocol.KindAck:
		return code == protocol.AckAccepted
	case protocol.KindNodeAck:
		return code.IsNodeLevel()
	}
	return false
}

// Complete resolves the entry for seq with a full response. It returns false
// when no entry matches, or when the response is not of the expected kind or
// comes from another node.
func (t *Tracker) Complete(seq uint16, resp *protocol.Response) bool {
	t.mu.Lock()
	e, ok := t.entries[seq]
	if !ok || e.Expect != resp.Kind || (e.Request.MAC != "" && resp.MAC != e.Request.MAC) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, seq)
	t.mu.Unlock()

	e.invoke(resp, nil)
	return true
}

// Sweep decides retry versus drop for every entry whose last dispatch is at
// least timeout old. Resend candidates get their retry count incremented and
// are skipped by later sweeps until Redispatch sends them; dropped entries
// are removed from the table. Callbacks are not invoked here.
func (t *Tracker) Sweep(now time.Time, maxRetries int, timeout time.Duration) (toResend, toDrop []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for seq, e := range t.entries {
		if e.resendQueued || now.Sub(e.SentAt) < timeout {
			continue
		}
		if e.Retries < maxRetries {
			e.Retries++
			e.SentAt = now
			e.resendQueued = true
			toResend = append(toResend, *e)
			continue
		}
		delete(t.entries, seq)
		toDrop = append(toDrop, *e)
	}
	sortEntries(toResend)
	sortEntries(toDrop)
	return toResend, toDrop
}

// sortEntries orders by dispatch time, then id, so resends keep submission order.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SentAt.Equal(entries[j].SentAt) {
			return entries[i].SentAt.Before(entries[j].SentAt)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

// Rekey moves the entry registered under from to the id the stick actually
// assigned. Only first transmissions are re-keyed: a resent entry keeps its
// id, so if the stick numbers the resend afresh its response goes unmatched
// and the entry ends in gave-up. It fails when from is gone, was resent, or
// to is already in use.
func (t *Tracker) Rekey(from, to uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[from]
	if !ok || from == to || e.Retries > 0 {
		return false
	}
	if _, busy := t.entries[to]; busy {
		return false
	}
	delete(t.entries, from)
	e.Seq = to
	t.entries[to] = e
	return true
}

// IsNewer reports whether seq is ahead of the last acknowledged id, or no
// id has been acknowledged yet.
func (t *Tracker) IsNewer(seq uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.hasAck || int16(seq-t.lastAck) > 0
}

// LastAck returns the last acknowledged id and whether any ack was seen.
func (t *Tracker) LastAck() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAck, t.hasAck
}

// Has reports whether seq is in flight.
func (t *Tracker) Has(seq uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[seq]
	return ok
}

// Enqueued records that req sits in the send queue, for Outstanding.
func (t *Tracker) Enqueued(req protocol.Request) {
	if req.MAC == "" {
		return
	}
	t.mu.Lock()
	t.queued[pollKey{req.MAC, req.Expect}]++
	t.mu.Unlock()
}

func (t *Tracker) unqueueLocked(req protocol.Request) {
	k := pollKey{req.MAC, req.Expect}
	if n := t.queued[k]; n > 1 {
		t.queued[k] = n - 1
	} else {
		delete(t.queued, k)
	}
}

// Outstanding reports whether a request of kind for mac is queued or in flight.
func (t *Tracker) Outstanding(mac string, kind protocol.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queued[pollKey{mac, kind}] > 0 {
		return true
	}
	for _, e := range t.entries {
		if e.Request.MAC == mac && e.Expect == kind {
			return true
		}
	}
	return false
}

// Len returns the number of in-flight entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of the in-flight entries ordered by dispatch time.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sortEntries(out)
	return out
}

// Abandon drops every entry without invoking callbacks.
func (t *Tracker) Abandon() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	clear(t.entries)
	clear(t.queued)
	return n
}
