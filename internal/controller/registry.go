package controller

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"plugwise-go-home/internal/protocol"
)

// Registry maps MAC addresses to node records and drives the per-node
// state machine: discovered -> available <-> unavailable.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*NodeRecord
	events *EventBus
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry. events may be nil.
func NewRegistry(events *EventBus, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		nodes:  make(map[string]*NodeRecord),
		events: events,
		now:    now,
		logger: logger.With("component", "registry"),
	}
}

// List returns the known MACs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	macs := make([]string, 0, len(r.nodes))
	for mac := range r.nodes {
		macs = append(macs, mac)
	}
	r.mu.RUnlock()
	sort.Strings(macs)
	return macs
}

// Get returns a copy of the record for mac.
func (r *Registry) Get(mac string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[mac]
	if !ok {
		return NodeRecord{}, false
	}
	return rec.clone(), true
}

// Records returns copies of all records sorted by MAC.
func (r *Registry) Records() []NodeRecord {
	r.mu.RLock()
	out := make([]NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Discover creates a discovered record for an unseen MAC. It reports whether
// a record was created.
func (r *Registry) Discover(mac string) bool {
	return r.Restore(mac, NodeUnknown, "")
}

// Restore creates a discovered record with a type and name remembered from
// a previous run. Existing records are left untouched.
func (r *Registry) Restore(mac string, typ NodeType, name string) bool {
	r.mu.Lock()
	if _, ok := r.nodes[mac]; ok {
		r.mu.Unlock()
		return false
	}
	r.nodes[mac] = &NodeRecord{MAC: mac, Type: typ, Name: name, State: StateDiscovered}
	r.mu.Unlock()

	r.logger.Info("node discovered", "mac", mac, "type", typ)
	r.events.Emit(Event{Type: EventNodeDiscovered, MAC: mac, Data: map[string]interface{}{"type": typ.String()}})
	return true
}

// ApplyNodeInfo records a completed NodeInfo exchange. The node becomes
// available, and its type is set if not yet known.
func (r *Registry) ApplyNodeInfo(mac string, info protocol.NodeInfo) NodeRecord {
	now := r.now()
	learned := NodeTypeFromCode(info.NodeType)

	r.mu.Lock()
	rec, existed := r.nodes[mac]
	if !existed {
		rec = &NodeRecord{MAC: mac, State: StateDiscovered}
		r.nodes[mac] = rec
	}
	if rec.Type == NodeUnknown {
		rec.Type = learned
	} else if learned != NodeUnknown && learned != rec.Type {
		r.logger.Warn("node reported a different type, keeping the first one",
			"mac", mac, "type", rec.Type, "reported", learned)
	}
	prev := rec.State
	rec.State = StateAvailable
	rec.Available = true
	rec.LastSeen = now
	rec.InfoRefreshed = now
	rec.RelayOn = info.RelayOn
	infoCopy := info
	rec.Info = &infoCopy
	out := rec.clone()
	r.mu.Unlock()

	if !existed {
		r.events.Emit(Event{Type: EventNodeDiscovered, MAC: mac, Data: map[string]interface{}{"type": out.Type.String()}})
	}
	if prev != StateAvailable {
		r.logger.Info("node available", "mac", mac, "type", out.Type, "from", prev)
		r.events.Emit(Event{Type: EventNodeAvailable, MAC: mac, Data: map[string]interface{}{"type": out.Type.String()}})
	}
	r.events.Emit(Event{Type: EventNodeInfo, MAC: mac, Data: out})
	return out
}

// MarkSeen records a successful exchange with mac. An unavailable node
// becomes available again; a discovered node waits for its NodeInfo.
func (r *Registry) MarkSeen(mac string) {
	r.mu.Lock()
	rec, ok := r.nodes[mac]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.LastSeen = r.now()
	recovered := rec.State == StateUnavailable
	if recovered {
		rec.State = StateAvailable
		rec.Available = true
	}
	typ := rec.Type
	r.mu.Unlock()

	if recovered {
		r.logger.Info("node available again", "mac", mac)
		r.events.Emit(Event{Type: EventNodeAvailable, MAC: mac, Data: map[string]interface{}{"type": typ.String()}})
	}
}

// MarkUnavailable flags an available node as unavailable after the dispatch
// layer gave up on it.
func (r *Registry) MarkUnavailable(mac string) {
	r.mu.Lock()
	rec, ok := r.nodes[mac]
	if !ok || rec.State != StateAvailable {
		if ok {
			rec.Available = false
		}
		r.mu.Unlock()
		return
	}
	rec.State = StateUnavailable
	rec.Available = false
	lastSeen := rec.LastSeen
	r.mu.Unlock()

	r.logger.Warn("node unavailable", "mac", mac, "last_seen", lastSeen)
	r.events.Emit(Event{Type: EventNodeUnavailable, MAC: mac, Data: map[string]interface{}{"last_seen": lastSeen}})
}

// UpdatePower stores the latest pulse counters for mac.
func (r *Registry) UpdatePower(mac string, pu protocol.PowerUsage) {
	r.mu.Lock()
	rec, ok := r.nodes[mac]
	if !ok {
		r.mu.Unlock()
		return
	}
	puCopy := pu
	rec.Power = &puCopy
	rec.PowerUpdated = r.now()
	r.mu.Unlock()

	r.events.Emit(Event{Type: EventPowerUsage, MAC: mac, Data: pu})
}

// SetRelay records the relay state confirmed by the node.
func (r *Registry) SetRelay(mac string, on bool) {
	r.mu.Lock()
	rec, ok := r.nodes[mac]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.RelayOn = on
	if rec.Info != nil {
		rec.Info.RelayOn = on
	}
	r.mu.Unlock()

	r.events.Emit(Event{Type: EventRelayState, MAC: mac, Data: map[string]interface{}{"on": on}})
}

// Rename sets the friendly name for mac.
func (r *Registry) Rename(mac, name string) bool {
	r.mu.Lock()
	rec, ok := r.nodes[mac]
	if ok {
		rec.Name = name
	}
	r.mu.Unlock()
	if ok {
		r.events.Emit(Event{Type: EventNodeRenamed, MAC: mac, Data: map[string]interface{}{"name": name}})
	}
	return ok
}

// Unregister removes mac from the registry.
func (r *Registry) Unregister(mac string) bool {
	r.mu.Lock()
	_, ok := r.nodes[mac]
	delete(r.nodes, mac)
	r.mu.Unlock()
	if ok {
		r.logger.Info("node unregistered", "mac", mac)
		r.events.Emit(Event{Type: EventNodeRemoved, MAC: mac})
	}
	return ok
}
