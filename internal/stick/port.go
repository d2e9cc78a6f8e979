// Package stick provides byte transports to a Plugwise USB or network stick.
package stick

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned by Send while the link is down and being reopened.
var ErrNotConnected = errors.New("stick not connected")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stick closed")

// Transport is a raw byte link to the stick.
type Transport interface {
	Send(frame []byte) error
	OnBytes(handler func([]byte))
	Close() error
}

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 5 * time.Second
	readBuf    = 512
)

// Port is a Transport over any io.ReadWriteCloser that can be reopened.
// A single read loop delivers inbound bytes to the registered handler and
// reopens the link with exponential backoff when reads fail.
type Port struct {
	name   string
	open   func() (io.ReadWriteCloser, error)
	logger *slog.Logger

	mu     sync.Mutex
	rw     io.ReadWriteCloser
	closed bool

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onBytes   func([]byte)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPort(name string, open func() (io.ReadWriteCloser, error), logger *slog.Logger) (*Port, error) {
	rw, err := open()
	if err != nil {
		return nil, err
	}
	p := &Port{
		name:   name,
		open:   open,
		logger: logger.With("component", "stick", "port", name),
		rw:     rw,
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

// Name returns the port description, e.g. "serial:/dev/ttyUSB0".
func (p *Port) Name() string {
	return p.name
}

// OnBytes sets the inbound byte handler. The handler runs on the read loop
// goroutine and receives a slice it may keep.
func (p *Port) OnBytes(handler func([]byte)) {
	p.handlerMu.Lock()
	p.onBytes = handler
	p.handlerMu.Unlock()
}

// Send writes a complete frame to the stick.
func (p *Port) Send(frame []byte) error {
	p.mu.Lock()
	rw, closed := p.rw, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if rw == nil {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := rw.Write(frame); err != nil {
		return fmt.Errorf("%s write: %w", p.name, err)
	}
	p.logger.Debug("stick TX", "frame", fmt.Sprintf("%q", frame))
	return nil
}

// Connected reports whether the link is currently open.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rw != nil && !p.closed
}

// Close stops the read loop and closes the link. Safe to call more than once.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		if p.rw != nil {
			err = p.rw.Close()
			p.rw = nil
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
	return err
}

func (p *Port) current() io.ReadWriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rw
}

func (p *Port) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, readBuf)
	backoff := minBackoff

	for {
		select {
		case <-p.done:
			return
		default:
		}

		rw := p.current()
		var err error
		if rw == nil {
			err = ErrNotConnected
		} else {
			var n int
			n, err = rw.Read(buf)
			if n > 0 {
				backoff = minBackoff
				data := make([]byte, n)
				copy(data, buf[:n])
				p.logger.Debug("stick RX", "data", fmt.Sprintf("%q", data))
				p.deliver(data)
			}
		}
		if err == nil {
			continue
		}

		select {
		case <-p.done:
			return
		default:
		}
		if !isClosedErr(err) && !errors.Is(err, ErrNotConnected) {
			p.logger.Error("stick read error", "err", err)
		}
		select {
		case <-time.After(backoff):
		case <-p.done:
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		p.reopen()
	}
}

func (p *Port) deliver(data []byte) {
	p.handlerMu.RLock()
	h := p.onBytes
	p.handlerMu.RUnlock()
	if h != nil {
		h(data)
	}
}

// reopen replaces the current link with a freshly opened one.
func (p *Port) reopen() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.rw != nil {
		p.rw.Close()
		p.rw = nil
	}
	p.mu.Unlock()

	rw, err := p.open()
	if err != nil {
		p.logger.Warn("stick reopen failed", "err", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rw.Close()
		return
	}
	p.rw = rw
	p.logger.Info("stick reconnected")
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "closed")
}
