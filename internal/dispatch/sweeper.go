package dispatch

import (
	"log/slog"
	"time"
)

// Sweeper periodically retries or drops requests that got no response
// within the exchange timeout. It never waits on replies itself.
type Sweeper struct {
	tracker    *Tracker
	worker     *Worker
	maxRetries int
	timeout    time.Duration
	giveUp     func(Entry)
	now        func() time.Time
	logger     *slog.Logger
}

// Tick runs one sweep at now and returns how many entries were resent and dropped.
func (s *Sweeper) Tick(now time.Time) (resent, dropped int) {
	toResend, toDrop := s.tracker.Sweep(now, s.maxRetries, s.timeout)
	for _, e := range toResend {
		s.logger.Warn("exchange timeout, resending",
			"req", e.Request.Name(), "mac", e.Request.MAC, "seq", seqHex(e.Seq), "retry", e.Retries)
		s.worker.Submit(item{seq: e.Seq, resend: true})
	}
	for _, e := range toDrop {
		s.giveUp(e)
	}
	return len(toResend), len(toDrop)
}

func (s *Sweeper) run(done <-chan struct{}) {
	ticker := time.NewTicker(s.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(s.now())
		case <-done:
			return
		}
	}
}
