package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/dns"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

// Machine is the part of the tunnel state machine the API drives.
type Machine interface {
	Send(cmd tunnel.Command) bool
	Settings() tunnel.Settings
	Events() *tunnel.Broadcaster
}

// History is the transition log.
type History interface {
	Recent(ctx context.Context, n int) ([]history.Transition, error)
	LastBackendChange(ctx context.Context) (history.BackendChange, bool, error)
}

// DNSStatus reports the bound DNS backend.
type DNSStatus interface {
	Current() (dns.BackendKind, bool)
}

// Profiles manages imported profiles.
type Profiles interface {
	Add(ctx context.Context, name, configPath, username string) (*vpn.Profile, error)
	Remove(ref string) error
	Get(ref string) (*vpn.Profile, error)
	List() []*vpn.Profile
}

// Passwords stores profile passwords.
type Passwords interface {
	Set(profileID, password string) error
	Delete(profileID string) error
	Exists(profileID string) bool
}

// ProfileSelector chooses the profile used by the next connection.
type ProfileSelector interface {
	SelectProfile(name string)
	SelectedProfile() string
}

// ServerConfig wires a Server. Only Machine is required.
type ServerConfig struct {
	Machine   Machine
	History   History
	DNS       DNSStatus
	Profiles  Profiles
	Passwords Passwords
	Selector  ProfileSelector
	Logger    common.Logger
}

// Server serves the management API.
type Server struct {
	cfg      ServerConfig
	log      common.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer returns a server for cfg.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, log: common.OrDiscard(cfg.Logger), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/connect", s.handleConnect)
	s.mux.HandleFunc("POST /v1/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("PUT /v1/settings", s.handleSettings)
	s.mux.HandleFunc("GET /v1/history", s.handleHistory)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/profiles", s.handleListProfiles)
	s.mux.HandleFunc("POST /v1/profiles", s.handleAddProfile)
	s.mux.HandleFunc("DELETE /v1/profiles/{ref}", s.handleRemoveProfile)
	s.mux.HandleFunc("PUT /v1/profiles/{ref}/password", s.handleSetPassword)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen opens the unix socket at path with mode 0660, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, common.WrapError(err, "failed to create socket directory")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, common.WrapError(err, "failed to remove stale socket")
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0660); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("management API listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) send(w http.ResponseWriter, cmd tunnel.Command) {
	if !s.cfg.Machine.Send(cmd) {
		writeError(w, http.StatusServiceUnavailable, common.ErrShuttingDown)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.send(w, tunnel.Connect{})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.send(w, tunnel.Disconnect{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Settings: s.cfg.Machine.Settings(), Time: time.Now()}
	if ev, ok := s.cfg.Machine.Events().Last(); ok {
		st.State = &ev
	}
	if s.cfg.Selector != nil {
		st.Profile = s.cfg.Selector.SelectedProfile()
	}
	if s.cfg.DNS != nil {
		if kind, ok := s.cfg.DNS.Current(); ok {
			st.DNSBackend = kind.String()
		}
	}
	if s.cfg.History != nil {
		change, ok, err := s.cfg.History.LastBackendChange(r.Context())
		if err != nil {
			s.log.Warn("status: %v", err)
		} else if ok {
			st.LastBackendChange = &change
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var u SettingsUpdate
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if u.Profile != nil {
		if s.cfg.Selector == nil {
			writeError(w, http.StatusNotImplemented, errors.New("profile selection unavailable"))
			return
		}
		if *u.Profile != "" && s.cfg.Profiles != nil {
			if _, err := s.cfg.Profiles.Get(*u.Profile); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
		}
		s.cfg.Selector.SelectProfile(*u.Profile)
	}
	// Queued commands are still applied during shutdown, so the reply
	// lists what was queued rather than failing a partial update.
	applied := SettingsUpdate{Profile: u.Profile}
	queued, refused := 0, false
	if u.AllowLAN != nil {
		if s.cfg.Machine.Send(tunnel.AllowLAN(*u.AllowLAN)) {
			applied.AllowLAN = u.AllowLAN
			queued++
		} else {
			refused = true
		}
	}
	if u.BlockWhenDisconnected != nil && !refused {
		if s.cfg.Machine.Send(tunnel.BlockWhenDisconnected(*u.BlockWhenDisconnected)) {
			applied.BlockWhenDisconnected = u.BlockWhenDisconnected
			queued++
		} else {
			refused = true
		}
	}
	if refused && queued == 0 && u.Profile == nil {
		writeError(w, http.StatusServiceUnavailable, common.ErrShuttingDown)
		return
	}
	writeJSON(w, http.StatusAccepted, applied)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("history unavailable"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	entries, err := s.cfg.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEvents streams transitions, starting with the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.cfg.Machine.Events().Subscribe(16)
	defer unsubscribe()

	// The read loop only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if ev, ok := s.cfg.Machine.Events().Last(); ok {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, http.StatusNotImplemented, errors.New("profiles unavailable"))
		return
	}
	selected := ""
	if s.cfg.Selector != nil {
		selected = s.cfg.Selector.SelectedProfile()
	}
	out := []Profile{}
	for _, p := range s.cfg.Profiles.List() {
		entry := Profile{Profile: *p, Selected: selected != "" && (p.Name == selected || p.ID == selected)}
		if s.cfg.Passwords != nil {
			entry.HasPassword = s.cfg.Passwords.Exists(p.ID)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, http.StatusNotImplemented, errors.New("profiles unavailable"))
		return
	}
	var req ProfileRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.cfg.Profiles.Add(r.Context(), req.Name, req.ConfigPath, req.Username)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("imported profile %s from %s", p.Name, req.ConfigPath)
	writeJSON(w, http.StatusCreated, Profile{Profile: *p})
}

func (s *Server) handleRemoveProfile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, http.StatusNotImplemented, errors.New("profiles unavailable"))
		return
	}
	ref := r.PathValue("ref")
	p, err := s.cfg.Profiles.Get(ref)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.cfg.Profiles.Remove(p.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.cfg.Passwords != nil {
		if err := s.cfg.Passwords.Delete(p.ID); err != nil {
			s.log.Warn("failed to delete password for %s: %v", p.Name, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil || s.cfg.Passwords == nil {
		writeError(w, http.StatusNotImplemented, errors.New("credentials unavailable"))
		return
	}
	p, err := s.cfg.Profiles.Get(r.PathValue("ref"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var req PasswordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Password == "" {
		err = s.cfg.Passwords.Delete(p.ID)
	} else {
		err = s.cfg.Passwords.Set(p.ID, req.Password)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
