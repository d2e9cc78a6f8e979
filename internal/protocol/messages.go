// Package protocol implements the Plugwise stick wire format: frame codec,
// request builders and response decoders.
package protocol

import (
	"fmt"
	"time"
)

// Message identifiers.
const (
	IDAck            = "0000"
	IDStickInit      = "000A"
	IDPing           = "000D"
	IDPingResponse   = "000E"
	IDStickInitResp  = "0011"
	IDPowerUsage     = "0012"
	IDPowerUsageResp = "0013"
	IDSwitchRelay    = "0017"
	IDScan           = "0018"
	IDScanResponse   = "0019"
	IDNodeInfo       = "0023"
	IDNodeInfoResp   = "0024"
	IDClockGet       = "003E"
	IDClockResponse  = "003F"
	IDNodeAck        = "0100"
)

// Kind classifies a response, and names what a request waits for.
type Kind uint8

const (
	KindNone Kind = iota
	// KindAck is the stick's acknowledgement of a command. A request
	// expecting KindAck is complete once the stick accepts it.
	KindAck
	// KindNodeAck is an acknowledgement issued by the target node itself
	// (relay switched, clock set).
	KindNodeAck
	KindStickInit
	KindNodeInfo
	KindPowerUsage
	KindClock
	KindPing
	KindScan
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	KindAck:        "ack",
	KindNodeAck:    "node_ack",
	KindStickInit:  "stick_init",
	KindNodeInfo:   "node_info",
	KindPowerUsage: "power_usage",
	KindClock:      "clock",
	KindPing:       "ping",
	KindScan:       "scan",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// AckCode is the status carried by an acknowledgement frame.
type AckCode uint16

const (
	AckAccepted    AckCode = 0x00C1
	AckError       AckCode = 0x00C2
	AckClockSet    AckCode = 0x00D7
	AckRelayOn     AckCode = 0x00D8
	AckRelayOff    AckCode = 0x00DE
	AckNodeTimeout AckCode = 0x00E1
)

func (c AckCode) String() string {
	switch c {
	case AckAccepted:
		return "accepted"
	case AckError:
		return "error"
	case AckClockSet:
		return "clock_set"
	case AckRelayOn:
		return "relay_on"
	case AckRelayOff:
		return "relay_off"
	case AckNodeTimeout:
		return "node_timeout"
	}
	return fmt.Sprintf("ack(%04X)", uint16(c))
}

// IsNack reports whether the code signals that the command failed.
func (c AckCode) IsNack() bool {
	return c == AckError || c == AckNodeTimeout
}

// IsLinkLevel reports whether the code is issued by the stick itself in
// direct answer to a just-written command.
func (c AckCode) IsLinkLevel() bool {
	return c == AckAccepted || c == AckError
}

// IsNodeLevel reports whether the code is a positive acknowledgement from
// the target node.
func (c AckCode) IsNodeLevel() bool {
	return c == AckRelayOn || c == AckRelayOff || c == AckClockSet
}

// Priority selects the send queue lane for a request.
type Priority uint8

const (
	PriorityUser Priority = iota
	PriorityPoll
)

// Request is an outbound command. Build one with the New* constructors.
type Request struct {
	ID       string
	MAC      string
	Args     string
	Expect   Kind
	Priority Priority
}

// Encode returns the wire frame for the request.
func (r Request) Encode() []byte {
	return encodeFrame(r.ID + r.MAC + r.Args)
}

// Name returns a readable name for logging.
func (r Request) Name() string {
	switch r.ID {
	case IDStickInit:
		return "StickInit"
	case IDPing:
		return "Ping"
	case IDPowerUsage:
		return "PowerUsage"
	case IDSwitchRelay:
		return "SwitchRelay"
	case IDScan:
		return "CirclePlusScan"
	case IDNodeInfo:
		return "NodeInfo"
	case IDClockGet:
		return "ClockGet"
	}
	return "Request(" + r.ID + ")"
}

// AsPoll returns a copy of r queued on the low priority lane.
func (r Request) AsPoll() Request {
	r.Priority = PriorityPoll
	return r
}

func NewStickInit() Request {
	return Request{ID: IDStickInit, Expect: KindStickInit}
}

func NewNodeInfo(mac string) Request {
	return Request{ID: IDNodeInfo, MAC: mac, Expect: KindNodeInfo}
}

func NewPowerUsage(mac string) Request {
	return Request{ID: IDPowerUsage, MAC: mac, Expect: KindPowerUsage}
}

// NewSwitchRelay switches the relay of a Circle or Stealth.
func NewSwitchRelay(mac string, on bool) Request {
	args := "00"
	if on {
		args = "01"
	}
	return Request{ID: IDSwitchRelay, MAC: mac, Args: args, Expect: KindNodeAck}
}

func NewClockGet(mac string) Request {
	return Request{ID: IDClockGet, MAC: mac, Expect: KindClock}
}

func NewPing(mac string) Request {
	return Request{ID: IDPing, MAC: mac, Expect: KindPing}
}

// NewCirclePlusScan asks the Circle+ which node occupies association slot addr (0-63).
func NewCirclePlusScan(mac string, addr int) Request {
	return Request{ID: IDScan, MAC: mac, Args: fmt.Sprintf("%02X", addr), Expect: KindScan}
}

// Response is a decoded inbound message.
type Response struct {
	ID   string
	Seq  uint16
	MAC  string
	Kind Kind
	// Ack is set for KindAck and KindNodeAck responses.
	Ack AckCode
	// Payload holds one of the typed message structs below, nil for acks.
	Payload any
}

// StickInitInfo is the payload of a StickInit response.
type StickInitInfo struct {
	Online        bool   `json:"online"`
	CirclePlusMAC string `json:"circle_plus_mac"`
	NetworkID     uint16 `json:"network_id"`
}

// NodeInfo is the payload of a NodeInfo response.
type NodeInfo struct {
	Year           int       `json:"year"`
	Month          int       `json:"month"`
	Minutes        int       `json:"minutes"`
	LastLogAddress uint32    `json:"last_log_address"`
	RelayOn        bool      `json:"relay_on"`
	Hertz          int       `json:"hertz"`
	HardwareVer    string    `json:"hardware_version"`
	FirmwareDate   time.Time `json:"firmware_date"`
	NodeType       int       `json:"node_type"`
}

// PowerUsage holds raw pulse counters as reported by a Circle.
type PowerUsage struct {
	Pulse1s           int16  `json:"pulse_1s"`
	Pulse8s           int16  `json:"pulse_8s"`
	PulseHourConsumed uint32 `json:"pulse_hour_consumed"`
	PulseHourProduced uint32 `json:"pulse_hour_produced"`
	NanosecondOffset  uint16 `json:"nanosecond_offset"`
}

// Clock is the payload of a ClockGet response.
type Clock struct {
	Hour      int `json:"hour"`
	Minute    int `json:"minute"`
	Second    int `json:"second"`
	DayOfWeek int `json:"day_of_week"`
}

// Ping is the payload of a Ping response.
type Ping struct {
	RSSIIn  int `json:"rssi_in"`
	RSSIOut int `json:"rssi_out"`
	Millis  int `json:"ping_ms"`
}

// ScanSlot is the payload of a Circle+ association table response.
type ScanSlot struct {
	LinkedMAC string `json:"linked_mac"`
	Address   int    `json:"address"`
}

// Empty reports whether the association slot is unused.
func (s ScanSlot) Empty() bool {
	return s.LinkedMAC == "FFFFFFFFFFFFFFFF" || s.LinkedMAC == ""
}
