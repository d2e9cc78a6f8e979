package controller

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types
const (
	EventNodeDiscovered  = "node_discovered"
	EventNodeAvailable   = "node_available"
	EventNodeUnavailable = "node_unavailable"
	EventNodeInfo        = "node_info"
	EventNodeRemoved     = "node_removed"
	EventNodeRenamed     = "node_renamed"
	EventPowerUsage      = "power_usage"
	EventRelayState      = "relay_state"
	EventStickState      = "stick_state"
)

// Event is published on the EventBus. MAC is empty for stick-wide events.
type Event struct {
	Type string      `json:"type"`
	MAC  string      `json:"mac,omitempty"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans events out to subscribers in the order they subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// subscription with an empty eventType matches every event.
type subscription struct {
	id        uint64
	eventType string
	handler   EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event and returns its unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged; the others still run.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	var matched []EventHandler
	eb.mu.RLock()
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			matched = append(matched, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "mac", event.MAC, "panic", r)
		}
	}()
	h(event)
}
