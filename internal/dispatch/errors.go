package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrGaveUp is delivered to callbacks of requests that exhausted their retries.
	ErrGaveUp = errors.New("gave up")
	// ErrStopped is returned by blocking helpers when the dispatcher stops.
	ErrStopped = errors.New("dispatcher stopped")
)

// GaveUpError identifies the request that exhausted its retries.
type GaveUpError struct {
	Seq     uint16
	MAC     string
	Request string
	Retries int
}

func (e *GaveUpError) Error() string {
	return fmt.Sprintf("%s to %s (seq %04X): gave up after %d retries", e.Request, e.MAC, e.Seq, e.Retries)
}

func (e *GaveUpError) Unwrap() error {
	return ErrGaveUp
}
