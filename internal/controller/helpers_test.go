package controller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
	"plugwise-go-home/internal/store"
)

const (
	macA     = "000D6F0001234567"
	macB     = "000D6F00089ABCDE"
	macStick = "000D6F0000AAAAAA"
	macCP    = "000D6F0000C1C1C1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// memStore is a minimal in-memory store.
type memStore struct {
	mu    sync.Mutex
	nodes map[string]store.Node
	stick *store.StickInfo
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[string]store.Node)}
}

func (m *memStore) SaveNode(n *store.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.MAC] = *n
	return nil
}

func (m *memStore) GetNode(mac string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[mac]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &n, nil
}

func (m *memStore) DeleteNode(mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, mac)
	return nil
}

func (m *memStore) ListNodes() ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		n := n
		list = append(list, &n)
	}
	return list, nil
}

func (m *memStore) UpdateNode(mac string, fn func(*store.Node) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[mac]
	if !ok {
		return store.ErrNotFound
	}
	if err := fn(&n); err != nil {
		return err
	}
	m.nodes[mac] = n
	return nil
}

func (m *memStore) SaveStickInfo(info *store.StickInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *info
	m.stick = &cp
	return nil
}

func (m *memStore) GetStickInfo() (*store.StickInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stick == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.stick
	return &cp, nil
}

func (m *memStore) Close() error { return nil }

// simStick answers frames the way a stick with a small network would.
// Every write to a reachable node, or to the stick itself, is acknowledged
// with consecutive ids. Writes to MACs not in nodes get no answer at all.
type simStick struct {
	mu         sync.Mutex
	handler    func([]byte)
	seq        uint16
	sent       []string
	online     bool
	circlePlus string
	nodes      map[string]int // MAC -> node type code
	slots      []string
	relay      map[string]bool
}

func newSimStick() *simStick {
	return &simStick{
		circlePlus: "0000000000000000",
		nodes:      make(map[string]int),
		relay:      make(map[string]bool),
	}
}

func (s *simStick) Send(frame []byte) error {
	body := string(frame[4 : len(frame)-6])
	id := body[:4]
	mac := ""
	if len(body) >= 20 {
		mac = body[4:20]
	}

	s.mu.Lock()
	s.sent = append(s.sent, id+mac)
	var out [][]byte
	typ, reachable := s.nodes[mac]
	if id == protocol.IDStickInit || reachable {
		seq := s.seq
		s.seq++
		out = append(out, protocol.AckFrame(seq, protocol.AckAccepted, ""))
		switch id {
		case protocol.IDStickInit:
			out = append(out, protocol.StickInitFrame(seq, macStick, protocol.StickInitInfo{
				Online: s.online, CirclePlusMAC: s.circlePlus, NetworkID: 0x1234,
			}))
		case protocol.IDNodeInfo:
			out = append(out, protocol.NodeInfoFrame(seq, mac, protocol.NodeInfo{
				Year: 2024, Month: 5, Hertz: 50, NodeType: typ, RelayOn: s.relay[mac],
			}))
		case protocol.IDPowerUsage:
			out = append(out, protocol.PowerUsageFrame(seq, mac, protocol.PowerUsage{Pulse1s: 12, PulseHourConsumed: 3600}))
		case protocol.IDPing:
			out = append(out, protocol.PingFrame(seq, mac, protocol.Ping{RSSIIn: -40, RSSIOut: -50, Millis: 12}))
		case protocol.IDClockGet:
			out = append(out, protocol.ClockFrame(seq, mac, time.Date(2024, 5, 1, 13, 14, 15, 0, time.UTC)))
		case protocol.IDSwitchRelay:
			on := body[20:22] == "01"
			s.relay[mac] = on
			code := protocol.AckRelayOff
			if on {
				code = protocol.AckRelayOn
			}
			out = append(out, protocol.AckFrame(seq, code, mac))
		case protocol.IDScan:
			addr := 0
			for _, c := range body[20:22] {
				addr = addr*16 + hexVal(c)
			}
			slot := protocol.ScanSlot{Address: addr}
			if addr < len(s.slots) {
				slot.LinkedMAC = s.slots[addr]
			}
			out = append(out, protocol.ScanFrame(seq, mac, slot))
		}
	}
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		for _, f := range out {
			h(f)
		}
	}
	return nil
}

func hexVal(c rune) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

func (s *simStick) OnBytes(handler func([]byte)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *simStick) addNode(mac string, typ int) {
	s.mu.Lock()
	s.nodes[mac] = typ
	s.mu.Unlock()
}

func (s *simStick) removeNode(mac string) {
	s.mu.Lock()
	delete(s.nodes, mac)
	s.mu.Unlock()
}

// sentTo counts frames written with the given message id and MAC.
func (s *simStick) sentTo(id, mac string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.sent {
		if f == id+mac {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Dispatch: dispatch.Config{
			MaxRetries:        2,
			ExchangeTimeout:   time.Hour, // sweeps are driven by Tick
			LinkAckWait:       20 * time.Millisecond,
			InterMessageDelay: 0,
			ShutdownDrain:     10 * time.Millisecond,
		},
		Poll: PollConfig{
			IntervalPerNode: time.Hour, // polls are driven by Tick
			MinInterval:     time.Hour,
			InfoRefresh:     0,
			RediscoverEvery: 1,
		},
		InitTimeout: time.Second,
	}
}

func startController(t *testing.T, sim *simStick, cfg Config, st store.Store, opts ...Option) *Controller {
	t.Helper()
	if st == nil {
		st = newMemStore()
	}
	c := New(sim, st, NewEventBus(newTestLogger()), cfg, newTestLogger(), opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
