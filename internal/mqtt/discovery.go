//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"plugwise-go-home/internal/controller"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/plugwise_000D6F.../pulse_1s/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability,omitempty"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	StateOn           string           `json:"state_on,omitempty"`
	StateOff          string           `json:"state_off,omitempty"`
	Device            haDevice         `json:"device"`
}

// nodeDisplayName returns a display name for the node.
func nodeDisplayName(rec controller.NodeRecord) string {
	if rec.Name != "" {
		return rec.Name
	}
	if rec.Type != controller.NodeUnknown {
		return "Plugwise " + typeLabel(rec.Type) + " " + rec.MAC[len(rec.MAC)-6:]
	}
	return rec.MAC
}

func typeLabel(t controller.NodeType) string {
	switch t {
	case controller.NodeCirclePlus:
		return "Circle+"
	case controller.NodeCircle:
		return "Circle"
	case controller.NodeStealth:
		return "Stealth"
	case controller.NodeSense:
		return "Sense"
	case controller.NodeScan:
		return "Scan"
	case controller.NodeSwitch:
		return "Switch"
	case controller.NodeStick:
		return "Stick"
	}
	return t.String()
}

// nodeIdentifier returns the unique identifier for HA device registry.
func nodeIdentifier(mac string) string {
	return "plugwise_" + mac
}

func stateTopic(prefix, mac string) string {
	return prefix + "/" + mac
}

func availabilityTopic(prefix, mac string) string {
	return prefix + "/" + mac + "/availability"
}

func commandTopic(prefix, mac string) string {
	return prefix + "/" + mac + "/set"
}

// buildDiscovery generates HA discovery messages for a node based on its
// capabilities. Nodes whose type is not yet known get none.
func buildDiscovery(rec controller.NodeRecord, prefix string) []discoveryMsg {
	if rec.Type == controller.NodeUnknown {
		return nil
	}

	nodeID := nodeIdentifier(rec.MAC)
	displayName := nodeDisplayName(rec)
	st := stateTopic(prefix, rec.MAC)
	avail := []haAvailability{
		{Topic: prefix + "/bridge/state"},
		{Topic: availabilityTopic(prefix, rec.MAC)},
	}

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Plugwise",
		Model:        typeLabel(rec.Type),
		Name:         displayName,
	}
	if rec.Info != nil {
		haDev.SWVersion = rec.Info.HardwareVer
	}

	caps := rec.Type.Capabilities()
	var msgs []discoveryMsg

	if caps.Relay {
		msgs = append(msgs, buildSwitch(nodeID, displayName, st, commandTopic(prefix, rec.MAC), avail, haDev))
	}
	if caps.PowerUsage {
		msgs = append(msgs,
			buildSensor(nodeID, displayName, st, avail, haDev,
				"pulse_1s", "Pulses 1s", "pulses", "measurement",
				"{{ value_json.pulse_1s }}"),
			buildSensor(nodeID, displayName, st, avail, haDev,
				"pulse_8s", "Pulses 8s", "pulses", "measurement",
				"{{ value_json.pulse_8s }}"),
			buildSensor(nodeID, displayName, st, avail, haDev,
				"pulse_hour_consumed", "Pulses Consumed This Hour", "pulses", "total_increasing",
				"{{ value_json.pulse_hour_consumed }}"),
		)
	}

	// Connectivity sensor for all non-sleeping nodes.
	if !caps.Sleeping {
		msgs = append(msgs, buildConnectivity(nodeID, displayName, st, haDev))
	}

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic string, avail []haAvailability, haDev haDevice,
	objectID, suffix, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		Availability:      avail,
		AvailabilityMode:  "all",
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildConnectivity reports node liveness. It has no availability block so
// HA still shows it while the node is offline.
func buildConnectivity(nodeID, displayName, stateTopic string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", nodeID)
	payload := haDiscovery{
		Name:          displayName + " Connectivity",
		UniqueID:      nodeID + "_connectivity",
		StateTopic:    stateTopic,
		ValueTemplate: "{{ 'ON' if value_json.available else 'OFF' }}",
		DeviceClass:   "connectivity",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
		Device:        haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, cmdTopic string, avail []haAvailability, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/relay/config", nodeID)
	payload := haDiscovery{
		Name:             displayName,
		UniqueID:         nodeID + "_relay",
		StateTopic:       stateTopic,
		CommandTopic:     cmdTopic,
		Availability:     avail,
		AvailabilityMode: "all",
		ValueTemplate:    "{{ value_json.state }}",
		PayloadOn:        `{"state":"ON"}`,
		PayloadOff:       `{"state":"OFF"}`,
		StateOn:          "ON",
		StateOff:         "OFF",
		Device:           haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a node from HA.
func buildRemoveDiscovery(mac string) []discoveryMsg {
	nodeID := nodeIdentifier(mac)

	components := []struct{ comp, obj string }{
		{"switch", "relay"},
		{"sensor", "pulse_1s"},
		{"sensor", "pulse_8s"},
		{"sensor", "pulse_hour_consumed"},
		{"binary_sensor", "connectivity"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
