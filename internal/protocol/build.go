package protocol

import (
	"fmt"
	"time"
)

// Frame builders for the stick side of the link. Used by stick simulators
// and tests.

// ResponseFrame encodes a response frame with the given message ID, sequence
// id and ASCII-hex body (MAC included where the message carries one).
func ResponseFrame(id string, seq uint16, body string) []byte {
	return encodeFrame(fmt.Sprintf("%s%04X%s", id, seq, body))
}

// AckFrame encodes a stick acknowledgement. mac may be empty.
func AckFrame(seq uint16, code AckCode, mac string) []byte {
	return ResponseFrame(IDAck, seq, fmt.Sprintf("%04X%s", uint16(code), mac))
}

// NodeInfoFrame encodes a NodeInfo response.
func NodeInfoFrame(seq uint16, mac string, info NodeInfo) []byte {
	relay := 0
	if info.RelayOn {
		relay = 1
	}
	hz := 0x85
	if info.Hertz == 60 {
		hz = 0xC5
	}
	hw := info.HardwareVer
	if len(hw) != 12 {
		hw = "000000000000"
	}
	var fw int64
	if !info.FirmwareDate.IsZero() {
		fw = info.FirmwareDate.Unix()
	}
	year := info.Year
	if year >= 2000 {
		year -= 2000
	}
	body := fmt.Sprintf("%s%02X%02X%04X%08X%02X%02X%s%08X%02X",
		mac, year, info.Month, info.Minutes, info.LastLogAddress,
		relay, hz, hw, fw, info.NodeType)
	return ResponseFrame(IDNodeInfoResp, seq, body)
}

// PowerUsageFrame encodes a PowerUsage response.
func PowerUsageFrame(seq uint16, mac string, pu PowerUsage) []byte {
	body := fmt.Sprintf("%s%04X%04X%08X%08X%04X", mac,
		uint16(pu.Pulse1s), uint16(pu.Pulse8s),
		pu.PulseHourConsumed, pu.PulseHourProduced, pu.NanosecondOffset)
	return ResponseFrame(IDPowerUsageResp, seq, body)
}

// StickInitFrame encodes a StickInit response.
func StickInitFrame(seq uint16, stickMAC string, info StickInitInfo) []byte {
	online := 0
	if info.Online {
		online = 1
	}
	body := fmt.Sprintf("%s00%02X%s%04XFF", stickMAC, online, info.CirclePlusMAC, info.NetworkID)
	return ResponseFrame(IDStickInitResp, seq, body)
}

// ClockFrame encodes a ClockGet response for t.
func ClockFrame(seq uint16, mac string, t time.Time) []byte {
	body := fmt.Sprintf("%s%02X%02X%02X%02X000000", mac, t.Hour(), t.Minute(), t.Second(), int(t.Weekday()))
	return ResponseFrame(IDClockResponse, seq, body)
}

// ScanFrame encodes a Circle+ association slot response.
func ScanFrame(seq uint16, mac string, slot ScanSlot) []byte {
	linked := slot.LinkedMAC
	if linked == "" {
		linked = "FFFFFFFFFFFFFFFF"
	}
	return ResponseFrame(IDScanResponse, seq, fmt.Sprintf("%s%s%02X", mac, linked, slot.Address))
}

// PingFrame encodes a Ping response.
func PingFrame(seq uint16, mac string, p Ping) []byte {
	return ResponseFrame(IDPingResponse, seq, fmt.Sprintf("%s%02X%02X%04X", mac, uint8(int8(p.RSSIIn)), uint8(int8(p.RSSIOut)), p.Millis))
}
