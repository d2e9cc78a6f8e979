package stick

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// DialTCP connects to a stick exposed over TCP (ser2net or similar).
func DialTCP(addr string, timeout time.Duration, logger *slog.Logger) (*Port, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	open := func() (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err := d.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
	return newPort("tcp:"+addr, open, logger)
}
