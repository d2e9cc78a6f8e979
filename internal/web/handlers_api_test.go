package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
)

const (
	macCircle = "000D6F0001234567"
	macSense  = "000D6F00089ABCDE"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeController keeps node state in a real registry and answers commands
// from canned values.
type fakeController struct {
	events   *controller.EventBus
	registry *controller.Registry

	mu     sync.Mutex
	relay  []bool
	cmdErr error
	power  protocol.PowerUsage
}

func newFakeController() *fakeController {
	eb := controller.NewEventBus(newTestLogger())
	f := &fakeController{
		events:   eb,
		registry: controller.NewRegistry(eb, nil, newTestLogger()),
		power:    protocol.PowerUsage{Pulse1s: 12, Pulse8s: 96, PulseHourConsumed: 4000},
	}
	f.registry.ApplyNodeInfo(macCircle, protocol.NodeInfo{NodeType: 2, RelayOn: true})
	f.registry.ApplyNodeInfo(macSense, protocol.NodeInfo{NodeType: 5})
	return f
}

func (f *fakeController) Context() context.Context       { return context.Background() }
func (f *fakeController) Events() *controller.EventBus   { return f.events }
func (f *fakeController) Nodes() []controller.NodeRecord { return f.registry.Records() }
func (f *fakeController) GetNodeRecord(mac string) (controller.NodeRecord, bool) {
	return f.registry.Get(mac)
}

func (f *fakeController) Discover(mac string) (bool, error) {
	norm, err := protocol.NormalizeMAC(mac)
	if err != nil {
		return false, fmt.Errorf("%w: %v", controller.ErrInvalidMAC, err)
	}
	return f.registry.Discover(norm), nil
}

func (f *fakeController) Rename(mac, name string) error {
	if !f.registry.Rename(mac, name) {
		return fmt.Errorf("%s: %w", mac, controller.ErrUnknownNode)
	}
	return nil
}

func (f *fakeController) Unregister(mac string) error {
	if !f.registry.Unregister(mac) {
		return fmt.Errorf("%s: %w", mac, controller.ErrUnknownNode)
	}
	return nil
}

func (f *fakeController) check(mac string) error {
	f.mu.Lock()
	err := f.cmdErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := f.registry.Get(mac); !ok {
		return fmt.Errorf("%s: %w", mac, controller.ErrUnknownNode)
	}
	return nil
}

func (f *fakeController) SwitchRelay(_ context.Context, mac string, on bool) error {
	if err := f.check(mac); err != nil {
		return err
	}
	f.mu.Lock()
	f.relay = append(f.relay, on)
	f.mu.Unlock()
	f.registry.SetRelay(mac, on)
	return nil
}

func (f *fakeController) PowerUsage(_ context.Context, mac string) (*protocol.PowerUsage, error) {
	if err := f.check(mac); err != nil {
		return nil, err
	}
	pu := f.power
	return &pu, nil
}

func (f *fakeController) NodeInfo(_ context.Context, mac string) (*protocol.NodeInfo, error) {
	if err := f.check(mac); err != nil {
		return nil, err
	}
	return &protocol.NodeInfo{NodeType: 2, HardwareVer: "070085000000"}, nil
}

func (f *fakeController) ClockGet(_ context.Context, mac string) (*protocol.Clock, error) {
	if err := f.check(mac); err != nil {
		return nil, err
	}
	return &protocol.Clock{Hour: 13, Minute: 5, Second: 9, DayOfWeek: 3}, nil
}

func (f *fakeController) Ping(_ context.Context, mac string) (*protocol.Ping, error) {
	if err := f.check(mac); err != nil {
		return nil, err
	}
	return &protocol.Ping{RSSIIn: 70, RSSIOut: 65, Millis: 40}, nil
}

func (f *fakeController) StickState() map[string]interface{} {
	return map[string]interface{}{"stick": map[string]interface{}{"online": true}, "nodes": f.registry.Len()}
}

func (f *fakeController) DispatchStats() dispatch.Stats {
	return dispatch.Stats{InFlight: 1, Queued: 3, Pending: []string{"0005 PowerUsage 000D6F0001234567 retry=1"}}
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	f.cmdErr = err
	f.mu.Unlock()
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeController) {
	t.Helper()
	ctrl := newFakeController()
	srv := NewServer(ctrl, newTestLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, ctrl
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIListNodes(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, "GET", "/api/nodes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var nodes []struct {
		MAC  string `json:"mac"`
		Type string `json:"type"`
	}
	decode(t, w, &nodes)
	if len(nodes) != 2 || nodes[0].MAC != macCircle || nodes[0].Type != "circle" {
		t.Errorf("nodes = %+v", nodes)
	}
}

func TestAPIGetNode(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/nodes/000d6f0001234567", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rec map[string]interface{}
	decode(t, w, &rec)
	if rec["mac"] != macCircle || rec["relay_on"] != true || rec["state"] != "available" {
		t.Errorf("record = %v", rec)
	}

	if w := do(t, srv, "GET", "/api/nodes/FFFFFFFFFFFFFFFF", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/nodes/xyz", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad mac status = %d", w.Code)
	}
}

func TestAPIDiscoverNode(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := do(t, srv, "POST", "/api/nodes", `{"mac":"00:0D:6F:00:00:00:00:99"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if _, ok := ctrl.registry.Get("000D6F0000000099"); !ok {
		t.Error("node not discovered")
	}
	if w := do(t, srv, "POST", "/api/nodes", `{"mac":"000D6F0000000099"}`); w.Code != http.StatusOK {
		t.Errorf("repeat status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/nodes", `{"mac":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/nodes", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestAPIRenameNode(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := do(t, srv, "PATCH", "/api/nodes/"+macCircle, `{"name": "  Fridge "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if rec, _ := ctrl.registry.Get(macCircle); rec.Name != "Fridge" {
		t.Errorf("name = %q", rec.Name)
	}

	long := bytes.Repeat([]byte("x"), maxNameLen+1)
	if w := do(t, srv, "PATCH", "/api/nodes/"+macCircle, `{"name":"`+string(long)+`"}`); w.Code != http.StatusBadRequest {
		t.Errorf("long name status = %d", w.Code)
	}
	if w := do(t, srv, "PATCH", "/api/nodes/FFFFFFFFFFFFFFFF", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d", w.Code)
	}
}

func TestAPIDeleteNode(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	if w := do(t, srv, "DELETE", "/api/nodes/"+macSense, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ctrl.registry.Len() != 1 {
		t.Errorf("registry len = %d", ctrl.registry.Len())
	}
	if w := do(t, srv, "DELETE", "/api/nodes/"+macSense, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAPIRelay(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	tests := []struct {
		body   string
		status int
		want   bool
	}{
		{`{"state":"off"}`, http.StatusOK, false},
		{`{"state":"ON"}`, http.StatusOK, true},
		{`{"state":"toggle"}`, http.StatusOK, false},
		{`{"state":"dim"}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		w := do(t, srv, "POST", "/api/nodes/"+macCircle+"/relay", tt.body)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d", tt.body, w.Code)
			continue
		}
		if tt.status != http.StatusOK {
			continue
		}
		var resp map[string]interface{}
		decode(t, w, &resp)
		if resp["relay_on"] != tt.want {
			t.Errorf("%s: relay_on = %v", tt.body, resp["relay_on"])
		}
	}
	if len(ctrl.relay) != 3 {
		t.Errorf("relay calls = %v", ctrl.relay)
	}
}

func TestAPINodeQueries(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		path  string
		key   string
		value float64
	}{
		{"/power", "pulse_8s", 96},
		{"/clock", "hour", 13},
		{"/ping", "ping_ms", 40},
		{"/info", "node_type", 2},
	}
	for _, tt := range tests {
		w := do(t, srv, "POST", "/api/nodes/"+macCircle+tt.path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", tt.path, w.Code)
			continue
		}
		var resp map[string]interface{}
		decode(t, w, &resp)
		if resp[tt.key] != tt.value {
			t.Errorf("%s: %s = %v, want %v", tt.path, tt.key, resp[tt.key], tt.value)
		}
	}
}

func TestAPICommandErrors(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	tests := []struct {
		err    error
		status int
	}{
		{&dispatch.GaveUpError{Seq: 7, MAC: macCircle, Request: "PowerUsage", Retries: 3}, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", dispatch.ErrStopped), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", controller.ErrUnsupported), http.StatusBadRequest},
		{errors.New("serial port gone"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ctrl.setErr(tt.err)
		if w := do(t, srv, "POST", "/api/nodes/"+macCircle+"/power", ""); w.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.status)
		}
	}
}

func TestAPIStickAndDispatch(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	var stick map[string]interface{}
	w := do(t, srv, "GET", "/api/stick", "")
	decode(t, w, &stick)
	if stick["nodes"] != float64(2) || stick["ws_clients"] != float64(0) {
		t.Errorf("stick = %v", stick)
	}

	var stats dispatch.Stats
	decode(t, do(t, srv, "GET", "/api/dispatch", ""), &stats)
	if stats.InFlight != 1 || stats.Queued != 3 || len(stats.Pending) != 1 {
		t.Errorf("dispatch = %+v", stats)
	}

	var ver map[string]string
	decode(t, do(t, srv, "GET", "/api/version", ""), &ver)
	if ver["version"] != "1.2.3" {
		t.Errorf("version = %v", ver)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name   string
		header string
		path   string
		status int
	}{
		{"header", "secret-key", "/api/nodes", http.StatusOK},
		{"query", "", "/api/nodes?api_key=secret-key", http.StatusOK},
		{"missing", "", "/api/nodes", http.StatusUnauthorized},
		{"wrong", "wrong-key", "/api/nodes", http.StatusUnauthorized},
		{"ws without key", "", "/ws", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestOriginAllowList(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://ha.local"}))

	tests := []struct {
		method string
		origin string
		status int
	}{
		{"OPTIONS", "http://ha.local", http.StatusNoContent},
		{"OPTIONS", "http://evil.example", http.StatusForbidden},
		{"PATCH", "http://evil.example", http.StatusForbidden},
		{"PATCH", "http://ha.local", http.StatusOK},
		{"GET", "http://evil.example", http.StatusOK},
	}
	for _, tt := range tests {
		var body *bytes.Buffer
		if tt.method == "PATCH" {
			body = bytes.NewBufferString(`{"name":"x"}`)
		} else {
			body = &bytes.Buffer{}
		}
		req := httptest.NewRequest(tt.method, "/api/nodes/"+macCircle, body)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s from %s: status = %d, want %d", tt.method, tt.origin, w.Code, tt.status)
		}
	}
}
