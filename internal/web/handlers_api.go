package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
)

const (
	maxBodyBytes = 1 << 20
	maxNameLen   = 64
)

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Nodes())
}

type discoverRequest struct {
	MAC string `json:"mac"`
}

func (s *Server) handleAPIDiscoverNode(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	created, err := s.ctrl.Discover(req.MAC)
	if err != nil {
		s.writeCommandError(w, "discover", req.MAC, err)
		return
	}
	mac, _ := protocol.NormalizeMAC(req.MAC)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]interface{}{"mac": mac, "created": created})
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	rec, found := s.ctrl.GetNodeRecord(mac)
	if !found {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type renameNodeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameNode(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	var req renameNodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > maxNameLen {
		s.writeError(w, http.StatusBadRequest, "name too long")
		return
	}
	if err := s.ctrl.Rename(mac, name); err != nil {
		s.writeCommandError(w, "rename", mac, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": name})
}

func (s *Server) handleAPIDeleteNode(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Unregister(mac); err != nil {
		s.writeCommandError(w, "unregister", mac, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type relayRequest struct {
	State string `json:"state"` // on, off or toggle
}

func (s *Server) handleAPIRelay(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	var req relayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var on bool
	switch strings.ToLower(req.State) {
	case "on":
		on = true
	case "off":
	case "toggle":
		rec, found := s.ctrl.GetNodeRecord(mac)
		if !found {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		on = !rec.RelayOn
	default:
		s.writeError(w, http.StatusBadRequest, `state must be "on", "off" or "toggle"`)
		return
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.ctrl.SwitchRelay(ctx, mac, on); err != nil {
		s.writeCommandError(w, "switch relay", mac, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "relay_on": on})
}

func (s *Server) handleAPIPower(w http.ResponseWriter, r *http.Request) {
	runNodeCommand(s, w, r, "power usage", s.ctrl.PowerUsage)
}

func (s *Server) handleAPINodeInfo(w http.ResponseWriter, r *http.Request) {
	runNodeCommand(s, w, r, "node info", s.ctrl.NodeInfo)
}

func (s *Server) handleAPIClock(w http.ResponseWriter, r *http.Request) {
	runNodeCommand(s, w, r, "clock", s.ctrl.ClockGet)
}

func (s *Server) handleAPIPing(w http.ResponseWriter, r *http.Request) {
	runNodeCommand(s, w, r, "ping", s.ctrl.Ping)
}

// runNodeCommand runs a blocking node query and writes its payload.
func runNodeCommand[T any](s *Server, w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*T, error)) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	out, err := fn(ctx, mac)
	if err != nil {
		s.writeCommandError(w, op, mac, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIStick(w http.ResponseWriter, r *http.Request) {
	state := make(map[string]interface{})
	for k, v := range s.ctrl.StickState() {
		state[k] = v
	}
	state["ws_clients"] = s.wsHub.ClientCount()
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAPIDispatch(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.DispatchStats())
}

func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.commandTimeout)
}

// pathMAC normalizes the {mac} path value, writing 400 when it is malformed.
func (s *Server) pathMAC(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac, err := protocol.NormalizeMAC(r.PathValue("mac"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid mac")
		return "", false
	}
	return mac, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeCommandError maps controller and dispatch errors to HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, op, mac string, err error) {
	switch {
	case errors.Is(err, controller.ErrUnknownNode):
		s.writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, controller.ErrInvalidMAC):
		s.writeError(w, http.StatusBadRequest, "invalid mac")
	case errors.Is(err, controller.ErrUnsupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrGaveUp), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+" failed", "mac", mac, "err", err)
		s.writeError(w, http.StatusGatewayTimeout, "node did not respond")
	case errors.Is(err, dispatch.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "controller stopped")
	default:
		s.logger.Error(op+" failed", "mac", mac, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
