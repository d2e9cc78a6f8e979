package store

import "time"

// Node is the persisted part of a Plugwise node record.
type Node struct {
	MAC          string    `json:"mac"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	HardwareVer  string    `json:"hardware_version,omitempty"`
	FirmwareDate time.Time `json:"firmware_date,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// StickInfo holds what the stick reported at its last initialization.
type StickInfo struct {
	MAC           string    `json:"mac"`
	CirclePlusMAC string    `json:"circle_plus_mac"`
	NetworkID     uint16    `json:"network_id"`
	Online        bool      `json:"online"`
	UpdatedAt     time.Time `json:"updated_at"`
}
