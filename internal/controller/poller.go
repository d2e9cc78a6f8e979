package controller

import (
	"log/slog"
	"time"

	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
)

// PollConfig controls the poll scheduler.
type PollConfig struct {
	IntervalPerNode time.Duration
	MinInterval     time.Duration
	// InfoRefresh is how old a node's NodeInfo may get before the poller
	// asks for it again instead of power usage. Zero disables refreshes.
	InfoRefresh time.Duration
	// RediscoverEvery sends NodeInfo to discovered and unavailable nodes
	// every N ticks. Zero disables rediscovery.
	RediscoverEvery int
}

// DefaultPollConfig returns the settings used when none are configured.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		IntervalPerNode: 3 * time.Second,
		MinInterval:     10 * time.Second,
		InfoRefresh:     time.Hour,
		RediscoverEvery: 10,
	}
}

// submitter is the part of the dispatcher the poller needs.
type submitter interface {
	Submit(req protocol.Request, cb dispatch.Callback) error
	Outstanding(mac string, kind protocol.Kind) bool
}

// Poller periodically submits low priority liveness and power requests for
// every known node, never more than one per node and kind at a time.
type Poller struct {
	registry *Registry
	sub      submitter
	cfg      PollConfig
	now      func() time.Time
	logger   *slog.Logger
	ticks    int
}

func newPoller(reg *Registry, sub submitter, cfg PollConfig, now func() time.Time, logger *slog.Logger) *Poller {
	return &Poller{
		registry: reg,
		sub:      sub,
		cfg:      cfg,
		now:      now,
		logger:   logger.With("component", "poller"),
	}
}

// Interval is the per-node interval times the node count, clamped to the
// minimum. A non-positive result falls back to the default minimum.
func (p *Poller) Interval() time.Duration {
	iv := p.cfg.IntervalPerNode * time.Duration(p.registry.Len())
	if iv < p.cfg.MinInterval {
		iv = p.cfg.MinInterval
	}
	if iv <= 0 {
		iv = DefaultPollConfig().MinInterval
	}
	return iv
}

// Tick submits one round of polls and returns how many requests it queued.
func (p *Poller) Tick(now time.Time) int {
	p.ticks++
	rediscover := p.cfg.RediscoverEvery > 0 && p.ticks%p.cfg.RediscoverEvery == 0

	submitted := 0
	for _, rec := range p.registry.Records() {
		req, ok := p.requestFor(rec, now, rediscover)
		if !ok {
			continue
		}
		if p.sub.Outstanding(rec.MAC, req.Expect) {
			p.logger.Debug("poll skipped, request outstanding", "mac", rec.MAC, "req", req.Name())
			continue
		}
		if err := p.sub.Submit(req.AsPoll(), nil); err != nil {
			p.logger.Warn("poll submit failed", "mac", rec.MAC, "err", err)
			return submitted
		}
		submitted++
	}
	if submitted > 0 {
		p.logger.Debug("poll tick", "submitted", submitted, "nodes", p.registry.Len())
	}
	return submitted
}

func (p *Poller) requestFor(rec NodeRecord, now time.Time, rediscover bool) (protocol.Request, bool) {
	caps := rec.Type.Capabilities()
	if caps.Sleeping {
		return protocol.Request{}, false
	}
	if rec.State != StateAvailable {
		if !rediscover {
			return protocol.Request{}, false
		}
		return protocol.NewNodeInfo(rec.MAC), true
	}
	if p.cfg.InfoRefresh > 0 && now.Sub(rec.InfoRefreshed) >= p.cfg.InfoRefresh {
		return protocol.NewNodeInfo(rec.MAC), true
	}
	if caps.PowerUsage {
		return protocol.NewPowerUsage(rec.MAC), true
	}
	return protocol.NewPing(rec.MAC), true
}

func (p *Poller) run(done <-chan struct{}) {
	timer := time.NewTimer(p.Interval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			p.Tick(p.now())
			timer.Reset(p.Interval())
		case <-done:
			return
		}
	}
}
