package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownMessage is returned for well-formed frames with an unsupported message ID.
var ErrUnknownMessage = errors.New("unknown message id")

// maxBuffered bounds the parser buffer when no frame footer shows up.
const maxBuffered = 4096

// Decode decodes one frame body (the bytes between header and footer,
// CRC included).
func Decode(body []byte) (*Response, error) {
	data, err := checkBody(body)
	if err != nil {
		return nil, err
	}
	if len(data) < idSize+seqSize {
		return nil, ErrShortFrame
	}
	f := &field{data: data}
	resp := &Response{ID: f.str(idSize)}
	resp.Seq = uint16(f.uint(seqSize))
	if f.err != nil {
		return nil, f.err
	}

	switch resp.ID {
	case IDAck:
		resp.Ack = AckCode(f.uint(4))
		if len(f.rest()) >= macSize {
			resp.MAC = f.mac()
		}
		resp.Kind = ackKind(resp.Ack)

	case IDNodeAck:
		resp.MAC = f.mac()
		resp.Ack = AckCode(f.uint(4))
		resp.Kind = ackKind(resp.Ack)

	case IDStickInitResp:
		resp.MAC = f.mac()
		f.uint(2)
		online := f.uint(2) == 1
		info := StickInitInfo{Online: online, CirclePlusMAC: f.mac()}
		info.NetworkID = uint16(f.uint(4))
		resp.Kind = KindStickInit
		resp.Payload = &info

	case IDNodeInfoResp:
		resp.MAC = f.mac()
		info := NodeInfo{
			Year:           2000 + int(f.uint(2)),
			Month:          int(f.uint(2)),
			Minutes:        int(f.uint(4)),
			LastLogAddress: uint32(f.uint(8)),
			RelayOn:        f.uint(2) == 1,
			Hertz:          decodeHertz(f.uint(2)),
			HardwareVer:    f.str(12),
			FirmwareDate:   time.Unix(int64(f.uint(8)), 0).UTC(),
			NodeType:       int(f.uint(2)),
		}
		resp.Kind = KindNodeInfo
		resp.Payload = &info

	case IDPowerUsageResp:
		resp.MAC = f.mac()
		pu := PowerUsage{
			Pulse1s:           int16(f.uint(4)),
			Pulse8s:           int16(f.uint(4)),
			PulseHourConsumed: uint32(f.uint(8)),
			PulseHourProduced: uint32(f.uint(8)),
			NanosecondOffset:  uint16(f.uint(4)),
		}
		resp.Kind = KindPowerUsage
		resp.Payload = &pu

	case IDClockResponse:
		resp.MAC = f.mac()
		c := Clock{
			Hour:      int(f.uint(2)),
			Minute:    int(f.uint(2)),
			Second:    int(f.uint(2)),
			DayOfWeek: int(f.uint(2)),
		}
		resp.Kind = KindClock
		resp.Payload = &c

	case IDPingResponse:
		resp.MAC = f.mac()
		p := Ping{
			RSSIIn:  int(int8(f.uint(2))),
			RSSIOut: int(int8(f.uint(2))),
			Millis:  int(f.uint(4)),
		}
		resp.Kind = KindPing
		resp.Payload = &p

	case IDScanResponse:
		resp.MAC = f.mac()
		slot := ScanSlot{LinkedMAC: f.str(macSize)}
		slot.Address = int(f.uint(2))
		resp.Kind = KindScan
		resp.Payload = &slot

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, resp.ID)
	}

	if f.err != nil {
		return nil, fmt.Errorf("decode %s: %w", resp.ID, f.err)
	}
	return resp, nil
}

func ackKind(code AckCode) Kind {
	if code.IsNodeLevel() {
		return KindNodeAck
	}
	return KindAck
}

func decodeHertz(v uint64) int {
	switch v {
	case 0x85:
		return 50
	case 0xC5:
		return 60
	}
	return int(v)
}

// Parser turns a byte stream into responses, buffering partial frames.
type Parser struct {
	mu     sync.Mutex
	buf    []byte
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Feed appends data to the buffer and returns every complete response.
// Malformed frames are logged and skipped; the parser resynchronizes on the
// next frame header.
func (p *Parser) Feed(data []byte) []*Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, data...)
	var out []*Response
	for {
		body, n, ok := splitFrame(p.buf)
		p.buf = p.buf[n:]
		if !ok {
			if n == 0 {
				break
			}
			continue
		}
		resp, err := Decode(body)
		if err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				p.logger.Debug("plugwise frame ignored", "err", err, "body", string(body))
			} else {
				p.logger.Warn("plugwise decode error", "err", err, "body", string(body))
			}
			continue
		}
		out = append(out, resp)
	}
	if len(p.buf) > maxBuffered {
		p.logger.Warn("plugwise parser buffer overflow, discarding", "len", len(p.buf))
		p.buf = nil
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (p *Parser) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
