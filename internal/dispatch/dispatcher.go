package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"plugwise-go-home/internal/protocol"
)

// Config holds dispatch timing and retry settings.
type Config struct {
	MaxRetries        int
	ExchangeTimeout   time.Duration
	LinkAckWait       time.Duration
	InterMessageDelay time.Duration
	ShutdownDrain     time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		ExchangeTimeout:   15 * time.Second,
		LinkAckWait:       time.Second,
		InterMessageDelay: 100 * time.Millisecond,
		ShutdownDrain:     500 * time.Millisecond,
	}
}

// Transport is the byte link used by the dispatcher.
type Transport interface {
	Sender
	OnBytes(handler func([]byte))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now for dispatch timestamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	InFlight int      `json:"in_flight"`
	Queued   int      `json:"queued"`
	Pending  []string `json:"pending,omitempty"`
}

// Dispatcher wires the tracker, send queue worker and timeout sweeper to a
// transport and parser.
type Dispatcher struct {
	cfg       Config
	transport Transport
	parser    *protocol.Parser
	tracker   *Tracker
	queue     *queue
	worker    *Worker
	sweeper   *Sweeper
	logger    *slog.Logger
	now       func() time.Time

	handlerMu  sync.RWMutex
	onResponse func(*protocol.Response)
	onGaveUp   func(mac string, req protocol.Request)

	mu        sync.Mutex
	started   bool
	stopped   bool
	done      chan struct{}
	wg        sync.WaitGroup
	accepting atomic.Bool
}

// New creates a dispatcher. Call Start to begin processing.
func New(t Transport, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.LinkAckWait <= 0 {
		cfg.LinkAckWait = def.LinkAckWait
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.parser = protocol.NewParser(d.logger)
	d.tracker = NewTracker(cfg.MaxRetries, d.now)
	d.queue = newQueue()
	d.worker = newWorker(d.queue, d.tracker, t, cfg.LinkAckWait, cfg.InterMessageDelay, d.logger)
	d.sweeper = &Sweeper{
		tracker:    d.tracker,
		worker:     d.worker,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.ExchangeTimeout,
		giveUp:     d.giveUp,
		now:        d.now,
		logger:     d.logger,
	}
	return d
}

// OnResponse sets a handler that sees every decoded response and positive
// node acknowledgement, matched or not. It runs before request callbacks.
func (d *Dispatcher) OnResponse(handler func(*protocol.Response)) {
	d.handlerMu.Lock()
	d.onResponse = handler
	d.handlerMu.Unlock()
}

// OnGaveUp sets the handler notified when a request to mac exhausts its retries.
func (d *Dispatcher) OnGaveUp(handler func(mac string, req protocol.Request)) {
	d.handlerMu.Lock()
	d.onGaveUp = handler
	d.handlerMu.Unlock()
}

// Start launches the worker and sweeper loops and begins consuming inbound bytes.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.accepting.Store(true)
	d.transport.OnBytes(d.feed)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.worker.run(d.done)
	}()
	go func() {
		defer d.wg.Done()
		d.sweeper.run(d.done)
	}()
	d.logger.Info("dispatcher started",
		"max_retries", d.cfg.MaxRetries,
		"exchange_timeout", d.cfg.ExchangeTimeout,
		"link_ack_wait", d.cfg.LinkAckWait)
}

// Stop ends the background loops. Inbound responses are still accepted for
// the shutdown drain period; remaining entries are then abandoned without
// invoking their callbacks.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	if d.cfg.ShutdownDrain > 0 && d.tracker.Len() > 0 {
		time.Sleep(d.cfg.ShutdownDrain)
	}
	d.accepting.Store(false)

	queued := len(d.queue.drain())
	abandoned := d.tracker.Abandon()
	d.logger.Info("dispatcher stopped", "abandoned", abandoned, "queued_dropped", queued)
}

// Submit enqueues req. cb, if not nil, is invoked exactly once with the
// resolving response or a *GaveUpError. Submit never blocks.
func (d *Dispatcher) Submit(req protocol.Request, cb Callback) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	d.worker.Submit(item{req: req, cb: cb})
	return nil
}

// Request submits req and blocks until it resolves, ctx ends, or the
// dispatcher stops.
func (d *Dispatcher) Request(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	type result struct {
		resp *protocol.Response
		err  error
	}
	ch := make(chan result, 1)
	if err := d.Submit(req, func(resp *protocol.Response, err error) {
		ch <- result{resp, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrStopped
	}
}

// Outstanding reports whether a request of kind for mac is queued or in flight.
func (d *Dispatcher) Outstanding(mac string, kind protocol.Kind) bool {
	return d.tracker.Outstanding(mac, kind)
}

// Tick runs one timeout sweep at now. The sweeper loop calls this every
// exchange timeout; tests call it directly with simulated time.
func (d *Dispatcher) Tick(now time.Time) (resent, dropped int) {
	return d.sweeper.Tick(now)
}

// Tracker exposes the in-flight table.
func (d *Dispatcher) Tracker() *Tracker {
	return d.tracker
}

// Stats returns queue and in-flight counts.
func (d *Dispatcher) Stats() Stats {
	st := Stats{InFlight: d.tracker.Len(), Queued: d.queue.len()}
	for _, e := range d.tracker.Snapshot() {
		st.Pending = append(st.Pending, fmt.Sprintf("%s %s %s retry=%d", seqHex(e.Seq), e.Request.Name(), e.Request.MAC, e.Retries))
	}
	return st
}

func (d *Dispatcher) feed(data []byte) {
	if !d.accepting.Load() {
		return
	}
	for _, resp := range d.parser.Feed(data) {
		d.handle(resp)
	}
}

func (d *Dispatcher) handle(resp *protocol.Response) {
	switch resp.Kind {
	case protocol.KindAck, protocol.KindNodeAck:
		d.handleAck(resp)
	default:
		d.notifyResponse(resp)
		if d.tracker.Complete(resp.Seq, resp) {
			d.logger.Debug("response matched", "kind", resp.Kind, "mac", resp.MAC, "seq", seqHex(resp.Seq))
		} else {
			d.logger.Debug("unmatched response dropped", "kind", resp.Kind, "mac", resp.MAC, "seq", seqHex(resp.Seq))
		}
	}
}

func (d *Dispatcher) handleAck(resp *protocol.Response) {
	seq := resp.Seq
	if resp.Ack.IsLinkLevel() {
		d.realign(seq)
		d.worker.AckReceived(seq)
	}
	if resp.Kind == protocol.KindNodeAck {
		d.notifyResponse(resp)
	}

	outcome, e := d.tracker.Resolve(seq, resp)
	switch outcome {
	case OutcomeStale:
		d.logger.Debug("stale ack dropped", "seq", seqHex(seq), "ack", resp.Ack)
	case OutcomeRetry:
		d.logger.Warn("request nacked, resending",
			"req", e.Request.Name(), "mac", e.Request.MAC, "seq", seqHex(seq), "ack", resp.Ack, "retry", e.Retries)
		d.worker.Submit(item{seq: seq, resend: true})
	case OutcomeGaveUp:
		d.giveUp(e)
	case OutcomeResolved:
		d.logger.Debug("request acknowledged", "req", e.Request.Name(), "mac", e.Request.MAC, "seq", seqHex(seq), "ack", resp.Ack)
	}
}

// realign re-keys the entry the worker is waiting on when the stick
// acknowledges it under a newer id than the one predicted.
func (d *Dispatcher) realign(seq uint16) {
	want, waiting := d.worker.Awaiting()
	if !waiting || want == seq || d.tracker.Has(seq) || !d.tracker.IsNewer(seq) {
		return
	}
	if d.tracker.Rekey(want, seq) {
		d.worker.rebind(want, seq)
		d.logger.Warn("sequence id realigned to stick", "predicted", seqHex(want), "assigned", seqHex(seq))
	}
}

func (d *Dispatcher) giveUp(e Entry) {
	err := &GaveUpError{Seq: e.Seq, MAC: e.Request.MAC, Request: e.Request.Name(), Retries: e.Retries}
	d.logger.Warn("request dropped", "req", e.Request.Name(), "mac", e.Request.MAC, "seq", seqHex(e.Seq), "err", err)
	e.invoke(nil, err)

	if e.Request.MAC == "" {
		return
	}
	d.handlerMu.RLock()
	h := d.onGaveUp
	d.handlerMu.RUnlock()
	if h != nil {
		h(e.Request.MAC, e.Request)
	}
}

func (d *Dispatcher) notifyResponse(resp *protocol.Response) {
	d.handlerMu.RLock()
	h := d.onResponse
	d.handlerMu.RUnlock()
	if h != nil {
		h(resp)
	}
}

func seqHex(seq uint16) string {
	return fmt.Sprintf("%04X", seq)
}
