//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"plugwise-go-home/internal/controller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Controller is the part of the node controller the bridge needs.
type Controller interface {
	Context() context.Context
	Events() *controller.EventBus
	Nodes() []controller.NodeRecord
	GetNodeRecord(mac string) (controller.NodeRecord, bool)
	SwitchRelay(ctx context.Context, mac string, on bool) error
}

// Bridge connects the Plugwise controller to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	prefix string
	logger *slog.Logger
	unsub  func()

	mu sync.Mutex
	// announced holds the MACs whose discovery and command subscription
	// have been published in this session.
	announced map[string]bool
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		ctrl:      ctrl,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "plugwise-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect republishes everything retained after a (re)connect. Command
// subscriptions do not survive a clean session, so they are redone too.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	b.announced = make(map[string]bool)
	b.mu.Unlock()

	b.publishBridgeState("online")
	for _, rec := range b.ctrl.Nodes() {
		b.announce(rec)
		b.publishNode(rec)
	}
}

func (b *Bridge) handleEvent(event controller.Event) {
	if event.MAC == "" {
		return
	}
	switch event.Type {
	case controller.EventNodeRemoved:
		b.handleNodeRemoved(event.MAC)
		return
	case controller.EventNodeRenamed:
		b.mu.Lock()
		delete(b.announced, event.MAC)
		b.mu.Unlock()
	case controller.EventNodeDiscovered, controller.EventNodeAvailable, controller.EventNodeUnavailable,
		controller.EventNodeInfo, controller.EventPowerUsage, controller.EventRelayState:
	default:
		return
	}

	rec, ok := b.ctrl.GetNodeRecord(event.MAC)
	if !ok {
		return
	}
	b.announce(rec)
	b.publishNode(rec)
}

// announce publishes HA discovery and subscribes to the command topic once
// the node's type is known.
func (b *Bridge) announce(rec controller.NodeRecord) {
	msgs := buildDiscovery(rec, b.prefix)
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	done := b.announced[rec.MAC]
	b.announced[rec.MAC] = true
	b.mu.Unlock()
	if done {
		return
	}

	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if rec.Type.Capabilities().Relay {
		mac := rec.MAC
		b.client.Subscribe(commandTopic(b.prefix, mac), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(mac, msg.Payload())
		})
	}
	b.logger.Info("published HA discovery", "mac", rec.MAC, "name", nodeDisplayName(rec))
}

func (b *Bridge) publishNode(rec controller.NodeRecord) {
	avail := "offline"
	if rec.Available {
		avail = "online"
	}
	b.publish(availabilityTopic(b.prefix, rec.MAC), []byte(avail), true)
	b.publish(stateTopic(b.prefix, rec.MAC), mustJSON(nodeState(rec)), true)
}

// nodeState is the JSON document published on the node's state topic.
func nodeState(rec controller.NodeRecord) map[string]any {
	state := map[string]any{
		"available": rec.Available,
		"type":      rec.Type.String(),
		"status":    rec.State.String(),
	}
	if !rec.LastSeen.IsZero() {
		state["last_seen"] = rec.LastSeen.Format(time.RFC3339)
	}
	if rec.Type.Capabilities().Relay {
		if rec.RelayOn {
			state["state"] = "ON"
		} else {
			state["state"] = "OFF"
		}
	}
	if rec.Power != nil {
		state["pulse_1s"] = rec.Power.Pulse1s
		state["pulse_8s"] = rec.Power.Pulse8s
		state["pulse_hour_consumed"] = rec.Power.PulseHourConsumed
		state["pulse_hour_produced"] = rec.Power.PulseHourProduced
	}
	return state
}

func (b *Bridge) handleNodeRemoved(mac string) {
	for _, msg := range buildRemoveDiscovery(mac) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear retained state.
	b.publish(stateTopic(b.prefix, mac), nil, true)
	b.publish(availabilityTopic(b.prefix, mac), nil, true)

	b.mu.Lock()
	wasAnnounced := b.announced[mac]
	delete(b.announced, mac)
	b.mu.Unlock()
	if wasAnnounced {
		b.client.Unsubscribe(commandTopic(b.prefix, mac))
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// handleCommand applies a {"state": "ON"|"OFF"|"TOGGLE"} command.
func (b *Bridge) handleCommand(mac string, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "mac", mac, "err", err)
		return
	}
	state, ok := cmd["state"].(string)
	if !ok {
		return
	}

	var on bool
	switch strings.ToUpper(state) {
	case "ON":
		on = true
	case "OFF":
		on = false
	case "TOGGLE":
		rec, ok := b.ctrl.GetNodeRecord(mac)
		if !ok {
			b.logger.Warn("command for unknown node", "mac", mac)
			return
		}
		on = !rec.RelayOn
	default:
		b.logger.Warn("unknown state command", "mac", mac, "state", state)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 10*time.Second)
	defer cancel()
	if err := b.ctrl.SwitchRelay(ctx, mac, on); err != nil {
		b.logger.Warn("relay command failed", "mac", mac, "on", on, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
