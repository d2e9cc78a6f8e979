package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"plugwise-go-home/internal/protocol"
)

const (
	macA = "000D6F0001234567"
	macB = "000D6F00089ABCDE"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func ack(seq uint16, code protocol.AckCode) *protocol.Response {
	kind := protocol.KindAck
	if code.IsNodeLevel() {
		kind = protocol.KindNodeAck
	}
	return &protocol.Response{ID: protocol.IDAck, Seq: seq, Kind: kind, Ack: code}
}

func TestRegisterUniqueUnderConcurrency(t *testing.T) {
	tr := NewTracker(2, nil)

	const workers, perWorker = 32, 50
	ids := make(chan uint16, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- tr.Register(protocol.NewPowerUsage(macA), nil)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint16]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("sequence id %04X issued twice", id)
		}
		seen[id] = true
		if !tr.Has(id) {
			t.Errorf("id %04X has no entry", id)
		}
	}
	if tr.Len() != workers*perWorker {
		t.Errorf("Len = %d, want %d", tr.Len(), workers*perWorker)
	}
}

func TestSequenceFollowsLastAck(t *testing.T) {
	tr := NewTracker(2, nil)

	if seq := tr.Register(protocol.NewPing(macA), nil); seq != 0x0000 {
		t.Errorf("first seq = %04X, want sentinel 0000", seq)
	}

	tr.Resolve(0x0041, ack(0x0041, protocol.AckAccepted))
	if seq := tr.Register(protocol.NewPing(macA), nil); seq != 0x0042 {
		t.Errorf("seq after ack 0041 = %04X, want 0042", seq)
	}

	// Wraps, skipping the sentinel entry still in flight.
	tr.Resolve(0xFFFF, ack(0xFFFF, protocol.AckAccepted))
	if seq := tr.Register(protocol.NewPing(macA), nil); seq != 0x0001 {
		t.Errorf("seq after ack FFFF = %04X, want 0001 (0000 busy)", seq)
	}

	// Node-level acks do not move the base.
	tr.Resolve(0x0500, ack(0x0500, protocol.AckRelayOn))
	if last, _ := tr.LastAck(); last != 0xFFFF {
		t.Errorf("last ack = %04X, want FFFF", last)
	}
}

func TestResolveIdempotent(t *testing.T) {
	tr := NewTracker(2, nil)
	var calls atomic.Int32
	req := protocol.Request{ID: "0099", MAC: macA, Expect: protocol.KindAck}
	seq := tr.Register(req, func(resp *protocol.Response, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		calls.Add(1)
	})

	if out, _ := tr.Resolve(seq, ack(seq, protocol.AckAccepted)); out != OutcomeResolved {
		t.Fatalf("first resolve = %v", out)
	}
	if out, _ := tr.Resolve(seq, ack(seq, protocol.AckAccepted)); out != OutcomeStale {
		t.Errorf("second resolve = %v, want stale", out)
	}
	if calls.Load() != 1 {
		t.Errorf("callback ran %d times", calls.Load())
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d", tr.Len())
	}
}

func TestCompleteIdempotent(t *testing.T) {
	tr := NewTracker(2, nil)
	var got []*protocol.Response
	seq := tr.Register(protocol.NewPowerUsage(macA), func(resp *protocol.Response, err error) {
		got = append(got, resp)
	})

	resp := &protocol.Response{Seq: seq, MAC: macA, Kind: protocol.KindPowerUsage, Payload: &protocol.PowerUsage{Pulse1s: 9}}
	if !tr.Complete(seq, resp) {
		t.Fatal("first complete returned false")
	}
	if tr.Complete(seq, resp) {
		t.Error("second complete returned true")
	}
	if len(got) != 1 || got[0].Payload.(*protocol.PowerUsage).Pulse1s != 9 {
		t.Errorf("callback results = %v", got)
	}
}

func TestCompleteRejectsWrongKindOrNode(t *testing.T) {
	tr := NewTracker(2, nil)
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)

	if tr.Complete(seq, &protocol.Response{Seq: seq, MAC: macA, Kind: protocol.KindClock}) {
		t.Error("completed with wrong kind")
	}
	if tr.Complete(seq, &protocol.Response{Seq: seq, MAC: macB, Kind: protocol.KindPowerUsage}) {
		t.Error("completed with response from another node")
	}
	if !tr.Has(seq) {
		t.Error("entry removed by mismatched response")
	}
}

func TestLinkAckKeepsResponseWaitersPending(t *testing.T) {
	tr := NewTracker(2, nil)
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)
	if out, _ := tr.Resolve(seq, ack(seq, protocol.AckAccepted)); out != OutcomePending {
		t.Errorf("outcome = %v, want pending", out)
	}

	relay := tr.Register(protocol.NewSwitchRelay(macA, true), nil)
	if out, _ := tr.Resolve(relay, ack(relay, protocol.AckAccepted)); out != OutcomePending {
		t.Errorf("relay after stick ack = %v, want pending", out)
	}
	if out, _ := tr.Resolve(relay, ack(relay, protocol.AckRelayOn)); out != OutcomeResolved {
		t.Errorf("relay after node ack = %v, want resolved", out)
	}
}

func TestNackFailsFastUntilRetriesExhausted(t *testing.T) {
	tr := NewTracker(2, nil)
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)

	for want := 1; want <= 2; want++ {
		out, e := tr.Resolve(seq, ack(seq, protocol.AckNodeTimeout))
		if out != OutcomeRetry || e.Retries != want {
			t.Fatalf("nack %d: outcome = %v retries = %d", want, out, e.Retries)
		}
		// A repeated nack before the resend goes out is not charged.
		if out, e := tr.Resolve(seq, ack(seq, protocol.AckNodeTimeout)); out != OutcomePending || e.Retries != want {
			t.Fatalf("repeated nack %d: outcome = %v retries = %d", want, out, e.Retries)
		}
		if _, ok := tr.Redispatch(seq); !ok {
			t.Fatalf("redispatch %d failed", want)
		}
	}
	out, e := tr.Resolve(seq, ack(seq, protocol.AckError))
	if out != OutcomeGaveUp || e.Request.MAC != macA {
		t.Fatalf("final nack: outcome = %v entry = %+v", out, e)
	}
	if tr.Has(seq) {
		t.Error("entry still present after giving up")
	}
}

func TestSweepRetryBound(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(2, clock.Now)
	const timeout = 10 * time.Second
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)

	if resend, drop := tr.Sweep(clock.Advance(timeout-time.Second), 2, timeout); len(resend)+len(drop) != 0 {
		t.Fatal("swept before timeout")
	}

	resends := 0
	var dropped []Entry
	for i := 0; i < 5 && dropped == nil; i++ {
		resend, drop := tr.Sweep(clock.Advance(timeout), 2, timeout)
		resends += len(resend)
		if len(drop) > 0 {
			dropped = drop
		}
		for _, e := range resend {
			tr.Redispatch(e.Seq)
		}
	}
	if resends != 2 {
		t.Errorf("resends = %d, want 2", resends)
	}
	if len(dropped) != 1 || dropped[0].Seq != seq || dropped[0].Retries != 2 {
		t.Errorf("dropped = %+v", dropped)
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d", tr.Len())
	}
}

func TestSweepSkipsUnsentResend(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(2, clock.Now)
	const timeout = 10 * time.Second
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)

	if resend, _ := tr.Sweep(clock.Advance(timeout), 2, timeout); len(resend) != 1 {
		t.Fatalf("first sweep resent %d", len(resend))
	}
	// The worker has not sent the resend yet: later sweeps leave it alone.
	for i := 0; i < 3; i++ {
		resend, drop := tr.Sweep(clock.Advance(timeout), 2, timeout)
		if len(resend)+len(drop) != 0 {
			t.Fatalf("sweep %d while resend queued: resend=%d drop=%d", i, len(resend), len(drop))
		}
	}
	if snap := tr.Snapshot(); len(snap) != 1 || snap[0].Retries != 1 {
		t.Fatalf("entry = %+v", snap)
	}

	tr.Redispatch(seq)
	if resend, _ := tr.Sweep(clock.Advance(timeout), 2, timeout); len(resend) != 1 || resend[0].Retries != 2 {
		t.Errorf("sweep after resend = %+v", resend)
	}
}

func TestSweepOrdersByDispatchTime(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(2, clock.Now)
	first := tr.Register(protocol.NewPowerUsage(macA), nil)
	clock.Advance(time.Second)
	second := tr.Register(protocol.NewPowerUsage(macB), nil)

	resend, _ := tr.Sweep(clock.Advance(time.Minute), 2, 10*time.Second)
	if len(resend) != 2 || resend[0].Seq != first || resend[1].Seq != second {
		t.Errorf("resend order = %+v", resend)
	}
}

func TestOutstandingTracksQueuedAndInFlight(t *testing.T) {
	tr := NewTracker(2, nil)
	req := protocol.NewPowerUsage(macA)

	if tr.Outstanding(macA, protocol.KindPowerUsage) {
		t.Fatal("outstanding before enqueue")
	}
	tr.Enqueued(req)
	if !tr.Outstanding(macA, protocol.KindPowerUsage) {
		t.Fatal("queued request not outstanding")
	}
	seq := tr.Register(req, nil)
	if !tr.Outstanding(macA, protocol.KindPowerUsage) {
		t.Fatal("in-flight request not outstanding")
	}
	if tr.Outstanding(macA, protocol.KindNodeInfo) || tr.Outstanding(macB, protocol.KindPowerUsage) {
		t.Error("outstanding leaked to other kind or node")
	}
	tr.Complete(seq, &protocol.Response{Seq: seq, MAC: macA, Kind: protocol.KindPowerUsage})
	if tr.Outstanding(macA, protocol.KindPowerUsage) {
		t.Error("still outstanding after completion")
	}
}

func TestRekeyOnlyFirstTransmission(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(2, clock.Now)
	seq := tr.Register(protocol.NewPowerUsage(macA), nil)
	if !tr.Rekey(seq, 0x0200) || !tr.Has(0x0200) || tr.Has(seq) {
		t.Fatal("rekey of fresh entry failed")
	}

	tr.Sweep(clock.Advance(time.Minute), 2, time.Second)
	if tr.Rekey(0x0200, 0x0300) {
		t.Error("resent entry was re-keyed")
	}
}

func TestAbandonSkipsCallbacks(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.Register(protocol.NewPowerUsage(macA), func(*protocol.Response, error) {
		t.Error("callback invoked on abandon")
	})
	if n := tr.Abandon(); n != 1 {
		t.Errorf("abandoned %d", n)
	}
}

func TestGaveUpErrorUnwraps(t *testing.T) {
	err := error(&GaveUpError{Seq: 1, MAC: macA, Request: "PowerUsage", Retries: 2})
	if !errors.Is(err, ErrGaveUp) {
		t.Error("GaveUpError does not unwrap to ErrGaveUp")
	}
}
