package controller

import (
	"fmt"
	"time"

	"plugwise-go-home/internal/protocol"
)

// NodeType is the hardware family of a node, fixed once learned.
type NodeType uint8

const (
	NodeUnknown NodeType = iota
	NodeStick
	NodeCirclePlus
	NodeCircle
	NodeSwitch
	NodeSense
	NodeScan
	NodeStealth
)

var nodeTypeNames = [...]string{
	NodeUnknown:    "unknown",
	NodeStick:      "stick",
	NodeCirclePlus: "circle_plus",
	NodeCircle:     "circle",
	NodeSwitch:     "switch",
	NodeSense:      "sense",
	NodeScan:       "scan",
	NodeStealth:    "stealth",
}

// NodeTypeFromCode maps the node type byte of a NodeInfo response.
func NodeTypeFromCode(code int) NodeType {
	switch code {
	case 0:
		return NodeStick
	case 1:
		return NodeCirclePlus
	case 2:
		return NodeCircle
	case 3:
		return NodeSwitch
	case 5:
		return NodeSense
	case 6:
		return NodeScan
	case 9:
		return NodeStealth
	}
	return NodeUnknown
}

// ParseNodeType is the inverse of NodeType.String.
func ParseNodeType(s string) NodeType {
	for i, name := range nodeTypeNames {
		if name == s {
			return NodeType(i)
		}
	}
	return NodeUnknown
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Capabilities describes which optional requests a node type answers.
type Capabilities struct {
	PowerUsage bool `json:"power_usage"`
	Relay      bool `json:"relay"`
	Clock      bool `json:"clock"`
	// Sleeping nodes run on battery and only listen briefly after waking,
	// so they are never polled.
	Sleeping bool `json:"sleeping"`
}

var capabilityTable = map[NodeType]Capabilities{
	NodeCirclePlus: {PowerUsage: true, Relay: true, Clock: true},
	NodeCircle:     {PowerUsage: true, Relay: true, Clock: true},
	NodeStealth:    {PowerUsage: true, Relay: true, Clock: true},
	NodeSwitch:     {Sleeping: true},
	NodeSense:      {Sleeping: true},
	NodeScan:       {Sleeping: true},
}

// Capabilities returns the capability row for t. Unknown types report none.
func (t NodeType) Capabilities() Capabilities {
	return capabilityTable[t]
}

// NodeState is a node's position in its lifecycle.
type NodeState uint8

const (
	// StateDiscovered: the MAC is known but no NodeInfo exchange completed yet.
	StateDiscovered NodeState = iota
	StateAvailable
	StateUnavailable
)

func (s NodeState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NodeRecord is the registry's view of one node.
type NodeRecord struct {
	MAC           string               `json:"mac"`
	Name          string               `json:"name,omitempty"`
	Type          NodeType             `json:"type"`
	State         NodeState            `json:"state"`
	Available     bool                 `json:"available"`
	LastSeen      time.Time            `json:"last_seen"`
	InfoRefreshed time.Time            `json:"info_refreshed"`
	RelayOn       bool                 `json:"relay_on"`
	Info          *protocol.NodeInfo   `json:"info,omitempty"`
	Power         *protocol.PowerUsage `json:"power,omitempty"`
	PowerUpdated  time.Time            `json:"power_updated"`
}

func (r *NodeRecord) clone() NodeRecord {
	out := *r
	if r.Info != nil {
		info := *r.Info
		out.Info = &info
	}
	if r.Power != nil {
		pu := *r.Power
		out.Power = &pu
	}
	return out
}
