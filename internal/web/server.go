package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"plugwise-go-home/internal/automation"
	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
)

const defaultCommandTimeout = 30 * time.Second

// Controller is the part of the node controller the API exposes.
type Controller interface {
	Events() *controller.EventBus
	Nodes() []controller.NodeRecord
	GetNodeRecord(mac string) (controller.NodeRecord, bool)
	Discover(mac string) (bool, error)
	Rename(mac, name string) error
	Unregister(mac string) error
	SwitchRelay(ctx context.Context, mac string, on bool) error
	PowerUsage(ctx context.Context, mac string) (*protocol.PowerUsage, error)
	NodeInfo(ctx context.Context, mac string) (*protocol.NodeInfo, error)
	ClockGet(ctx context.Context, mac string) (*protocol.Clock, error)
	Ping(ctx context.Context, mac string) (*protocol.Ping, error)
	StickState() map[string]interface{}
	DispatchStats() dispatch.Stats
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for cross-origin requests and
// WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithCommandTimeout bounds how long node command endpoints wait for the node.
func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// Server is the HTTP API and event stream.
type Server struct {
	ctrl           Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	commandTimeout time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding controller events to
// WebSocket clients.
func NewServer(ctrl Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:           ctrl,
		logger:         logger.With("component", "web"),
		mux:            http.NewServeMux(),
		commandTimeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(func(event controller.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("POST /api/nodes", s.handleAPIDiscoverNode)
	s.mux.HandleFunc("GET /api/nodes/{mac}", s.handleAPIGetNode)
	s.mux.HandleFunc("PATCH /api/nodes/{mac}", s.handleAPIRenameNode)
	s.mux.HandleFunc("DELETE /api/nodes/{mac}", s.handleAPIDeleteNode)
	s.mux.HandleFunc("POST /api/nodes/{mac}/relay", s.handleAPIRelay)
	s.mux.HandleFunc("POST /api/nodes/{mac}/power", s.handleAPIPower)
	s.mux.HandleFunc("POST /api/nodes/{mac}/info", s.handleAPINodeInfo)
	s.mux.HandleFunc("POST /api/nodes/{mac}/clock", s.handleAPIClock)
	s.mux.HandleFunc("POST /api/nodes/{mac}/ping", s.handleAPIPing)
	s.mux.HandleFunc("GET /api/stick", s.handleAPIStick)
	s.mux.HandleFunc("GET /api/dispatch", s.handleAPIDispatch)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying origin and API key checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin check on mutating requests against CSRF.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot set headers on a WebSocket upgrade, so the key may
	// also come as ?api_key=.
	if s.apiKey != "" && (strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
