package protocol

// Plugwise stick serial framing: header, ASCII-hex body, CRC16 and footer.

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	frameHeader = []byte{0x05, 0x05, 0x03, 0x03}
	frameFooter = []byte{'\r', '\n'}
)

const (
	idSize  = 4
	seqSize = 4
	crcSize = 4
	macSize = 16
)

var (
	ErrShortFrame = errors.New("frame too short")
	ErrBadCRC     = errors.New("crc mismatch")
	ErrBadHex     = errors.New("invalid hex field")
)

// crc16 computes CRC-16/XMODEM (poly 0x1021, init 0x0000) over data.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// encodeFrame wraps an ASCII body into a complete wire frame.
func encodeFrame(body string) []byte {
	buf := make([]byte, 0, len(frameHeader)+len(body)+crcSize+len(frameFooter))
	buf = append(buf, frameHeader...)
	buf = append(buf, body...)
	buf = append(buf, fmt.Sprintf("%04X", crc16([]byte(body)))...)
	buf = append(buf, frameFooter...)
	return buf
}

// checkBody verifies the trailing CRC of a frame body (header and footer
// already stripped) and returns the body without the CRC.
func checkBody(body []byte) ([]byte, error) {
	if len(body) < idSize+crcSize {
		return nil, ErrShortFrame
	}
	data := body[:len(body)-crcSize]
	want, err := strconv.ParseUint(string(body[len(body)-crcSize:]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("crc field %q: %w", body[len(body)-crcSize:], ErrBadHex)
	}
	if got := crc16(data); got != uint16(want) {
		return nil, fmt.Errorf("%w: got %04X, want %04X", ErrBadCRC, got, want)
	}
	return data, nil
}

// splitFrame finds the first complete frame in buf. It returns the frame body
// (between header and footer), the number of bytes consumed, and whether a
// frame was found. Bytes before the header are consumed as garbage.
func splitFrame(buf []byte) (body []byte, consumed int, ok bool) {
	start := bytes.Index(buf, frameHeader)
	if start < 0 {
		// Keep a possible partial header at the tail.
		keep := len(frameHeader) - 1
		if len(buf) <= keep {
			return nil, 0, false
		}
		return nil, len(buf) - keep, false
	}
	rest := buf[start+len(frameHeader):]
	end := bytes.Index(rest, frameFooter)
	if end < 0 {
		return nil, start, false
	}
	// A new header before the footer means the previous frame was truncated.
	if next := bytes.Index(rest[:end], frameHeader); next >= 0 {
		return nil, start + len(frameHeader) + next, false
	}
	return rest[:end], start + len(frameHeader) + end + len(frameFooter), true
}

// ValidMAC reports whether s is a 16 character hex MAC address.
func ValidMAC(s string) bool {
	if len(s) != macSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// NormalizeMAC upper-cases a MAC and strips ':' separators.
func NormalizeMAC(s string) (string, error) {
	s = strings.ToUpper(strings.ReplaceAll(s, ":", ""))
	if !ValidMAC(s) {
		return "", fmt.Errorf("mac %q: must be 16 hex characters", s)
	}
	return s, nil
}

// field is a cursor over an ASCII-hex payload.
type field struct {
	data []byte
	pos  int
	err  error
}

func (f *field) str(n int) string {
	if f.err != nil {
		return ""
	}
	if f.pos+n > len(f.data) {
		f.err = fmt.Errorf("%w: need %d chars at offset %d, have %d", ErrShortFrame, n, f.pos, len(f.data)-f.pos)
		return ""
	}
	s := string(f.data[f.pos : f.pos+n])
	f.pos += n
	return s
}

func (f *field) uint(n int) uint64 {
	s := f.str(n)
	if f.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 16, n*4)
	if err != nil {
		f.err = fmt.Errorf("%w: %q", ErrBadHex, s)
		return 0
	}
	return v
}

func (f *field) mac() string {
	s := f.str(macSize)
	if f.err == nil && !ValidMAC(s) {
		f.err = fmt.Errorf("%w: mac %q", ErrBadHex, s)
	}
	return s
}

func (f *field) rest() []byte {
	if f.err != nil || f.pos >= len(f.data) {
		return nil
	}
	return f.data[f.pos:]
}
