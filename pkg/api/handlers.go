package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
	"github.com/psaab/wgguard/pkg/session"
)

const opTimeout = 30 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownProfile):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidOperation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, StatusResponse{
		Uptime:              time.Since(s.startTime).Truncate(time.Second).String(),
		ProfileDir:          s.store.Dir(),
		ProfileCount:        len(s.store.Names()),
		KillSwitchOnConnect: s.ctrl.KillSwitchOnConnect(),
	})
}

func profileInfo(st session.Status) ProfileInfo {
	info := ProfileInfo{
		Name:       st.Name,
		Interface:  st.Interface,
		Path:       st.Path,
		State:      st.State.Kind.String(),
		Reason:     st.State.Reason,
		Missing:    st.Missing,
		ParseError: st.ParseErr,
		KillSwitch: KillSwitchInfo{Active: st.KillSwitch.Active, Alert: st.KillSwitch.Alert},
	}
	if st.KillSwitch.Active {
		info.KillSwitch.Token = st.KillSwitch.Token.String()
		info.KillSwitch.Chain = st.KillSwitch.Token.Chain()
	}
	return info
}

func deviceInfo(d *gateway.DeviceInfo) *DeviceInfo {
	out := &DeviceInfo{PublicKey: d.PublicKey, ListenPort: d.ListenPort, Peers: []PeerInfo{}}
	for _, p := range d.Peers {
		pi := PeerInfo{PublicKey: p.PublicKey, RxBytes: p.RxBytes, TxBytes: p.TxBytes}
		if p.Endpoint.IsValid() {
			pi.Endpoint = p.Endpoint.String()
		}
		for _, a := range p.AllowedIPs {
			pi.AllowedIPs = append(pi.AllowedIPs, a.String())
		}
		if !p.LastHandshake.IsZero() {
			pi.LastHandshake = p.LastHandshake.UTC().Format(time.RFC3339)
		}
		out.Peers = append(out.Peers, pi)
	}
	return out
}

func (s *Server) profilesHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Snapshot()
	out := make([]ProfileInfo, 0, len(snap))
	for _, st := range snap {
		out = append(out, profileInfo(st))
	}
	writeOK(w, out)
}

func (s *Server) findStatus(name string) (session.Status, bool) {
	for _, st := range s.ctrl.Snapshot() {
		if st.Name == name {
			return st, true
		}
	}
	return session.Status{}, false
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.findStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown profile: "+name)
		return
	}
	info := profileInfo(st)
	if st.State.Kind == profile.Connected {
		ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
		defer cancel()
		if d, err := s.ctrl.Details(ctx, name); err == nil {
			info.Device = deviceInfo(d)
		}
	}
	writeOK(w, info)
}

func (s *Server) toggleHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.ctrl.Toggle(name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.findStatus(name)
	writeJSON(w, http.StatusAccepted, Response{Success: true, Data: profileInfo(st)})
}

func (s *Server) killSwitchHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, ok := s.findStatus(name); !ok {
		writeError(w, http.StatusNotFound, "unknown profile: "+name)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	var err error
	if req.Enabled {
		err = s.ctrl.EnableKillSwitch(ctx, name)
	} else {
		err = s.ctrl.DisableKillSwitch(ctx, name)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.findStatus(name)
	writeOK(w, profileInfo(st))
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	ksErr := s.ctrl.ReconcileKillSwitch(ctx)
	if err := s.ctrl.Reconcile(ctx); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if ksErr != nil {
		writeError(w, http.StatusBadGateway, ksErr.Error())
		return
	}
	s.profilesHandler(w, r)
}

func logEntry(e logging.Entry) LogEntry {
	return LogEntry{
		Time:    e.Time.UTC().Format(time.RFC3339Nano),
		Profile: e.Profile,
		Action:  e.Action,
		OK:      e.OK,
		Alert:   e.Alert,
		Message: e.Message,
	}
}

func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "status log not available")
		return
	}
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid n: "+v)
			return
		}
		n = parsed
	}
	latest := s.log.Latest(n)
	out := make([]LogEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, logEntry(e))
	}
	writeOK(w, out)
}
