package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/jamwatch/internal/index"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/recorder"
	"github.com/audiolibrelab/jamwatch/internal/recovery"
	"github.com/audiolibrelab/jamwatch/internal/service"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

const (
	eventBufferSize = 64
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server is the HTTP control surface of a running jamwatch daemon
type Server struct {
	service service.Service
	root    string
	listen  string
	mux     *http.ServeMux
	logger  *slog.Logger
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	recorder.Status
	Message           string `json:"message"`
	SessionsDirectory string `json:"sessions_directory"`
}

// StopResponse carries the finalized session of a stop command
type StopResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Session *session.Metadata `json:"session,omitempty"`
}

// SessionsResponse represents the JSON response for the sessions endpoint
type SessionsResponse struct {
	Sessions   []index.Entry `json:"sessions"`
	TotalCount int           `json:"total_count"`
}

// ScanResponse lists the condition of every session directory
type ScanResponse struct {
	Sessions    []recovery.Report `json:"sessions"`
	Interrupted int               `json:"interrupted"`
}

// SessionInfoRequest updates the free-text fields of a session
type SessionInfoRequest struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
}

// ProfileSelectRequest switches the active configuration profile
type ProfileSelectRequest struct {
	Profile string `json:"profile"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header (CLI, scripts), pages
// served by this host and pages served from loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// New creates a server for svc. root is the sessions directory served by
// the file endpoint.
func New(svc service.Service, root, listen string) *Server {
	s := &Server{
		service: svc,
		root:    root,
		listen:  listen,
		mux:     http.NewServeMux(),
		logger:  slog.Default().With("component", "server"),
	}
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/sessions", s.handleSessions)
	s.mux.HandleFunc("/sessions/", s.handleSession)
	s.mux.HandleFunc("/scan", s.handleScan)
	s.mux.HandleFunc("/rescan", s.handleRescan)
	s.mux.HandleFunc("/config/select", s.handleSelectProfile)
	s.mux.HandleFunc("/events", s.handleEvents)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control server", "listen", s.listen, "url", "http://"+s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	s.logger.Info("Control server stopped")
	return nil
}

// handleStart starts a recording, or reports the one in progress
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	st, err := s.service.StartRecording(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: st, Message: statusMessage(st), SessionsDirectory: s.root})
}

// handleStop stops the current recording and waits for finalization
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	m, err := s.service.StopRecording(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}
	resp := StopResponse{Success: true, Message: "Nothing was recording", Session: m}
	if m != nil {
		resp.Message = fmt.Sprintf("Session %s saved (%s)", m.ID, m.Duration().Round(time.Second))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStatus returns the recording state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	st := s.service.GetRecordingState()
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: st, Message: statusMessage(st), SessionsDirectory: s.root})
}

// handleSessions lists indexed sessions, newest first
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	filter := index.Filter{Condition: r.URL.Query().Get("condition")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.service.ListSessions(r.Context(), filter)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list sessions: %v", err))
		return
	}
	if entries == nil {
		entries = []index.Entry{}
	}
	s.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: entries, TotalCount: len(entries)})
}

// handleSession routes /sessions/{id}, /sessions/{id}/repair,
// /sessions/{id}/info and /sessions/{id}/files/{name}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Session id required")
		return
	}

	switch {
	case action == "":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		m, err := s.service.GetSession(r.Context(), id)
		if err != nil {
			s.sendErrorResponse(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, m)

	case action == "repair":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		res, err := s.service.RepairSession(r.Context(), id)
		if err != nil {
			s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Repair failed: %v", err),
				"operation", "repair", "session", id)
			return
		}
		s.writeJSON(w, http.StatusOK, res)

	case action == "info":
		if !requireMethod(w, r, http.MethodPut) {
			return
		}
		var req SessionInfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		m, err := s.service.UpdateSessionInfo(r.Context(), id, req.Title, req.Notes)
		if err != nil {
			s.sendErrorResponse(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, m)

	case strings.HasPrefix(action, "files/"):
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.serveSessionFile(w, r, id, strings.TrimPrefix(action, "files/"))

	default:
		http.NotFound(w, r)
	}
}

// serveSessionFile streams one file of a session with range support
func (s *Server) serveSessionFile(w http.ResponseWriter, r *http.Request, id, name string) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) ||
		strings.Contains(id, "..") || strings.ContainsAny(id, `\`) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if name == lock.FileName || strings.HasPrefix(name, ".") {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if _, err := s.service.GetSession(r.Context(), id); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	path := filepath.Join(s.root, id, name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error opening file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, name, info.ModTime(), file)
}

// handleScan reports session conditions without touching the index
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	reports, err := s.service.Scan(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Scan failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, scanResponse(reports))
}

// handleRescan rescans the sessions root and rebuilds the index
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	reports, err := s.service.Rescan(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Rescan failed: %v", err),
			"operation", "rescan")
		return
	}
	s.writeJSON(w, http.StatusOK, scanResponse(reports))
}

// handleSelectProfile switches the recorder to another profile
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ProfileSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name required")
		return
	}
	if err := s.service.LoadProfile(r.Context(), req.Profile); err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "select_profile", "profile", req.Profile)
		return
	}
	s.writeJSON(w, http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Profile '%s' loaded", req.Profile),
	})
}

// handleEvents streams bus events to a websocket client
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the upgrade so nothing published after the
	// handshake is missed.
	ch, cancel := s.service.Subscribe(eventBufferSize)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("Event client connected", "remote", r.RemoteAddr)

	// The client sends nothing; reading detects its close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Event client write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("Event client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func scanResponse(reports []recovery.Report) ScanResponse {
	resp := ScanResponse{Sessions: reports}
	if resp.Sessions == nil {
		resp.Sessions = []recovery.Report{}
	}
	for _, r := range reports {
		if r.Repairable() {
			resp.Interrupted++
		}
	}
	return resp
}

func statusMessage(st recorder.Status) string {
	switch st.Phase {
	case recorder.PhaseRecording:
		return fmt.Sprintf("Recording session %s (%s)", st.SessionID,
			(time.Duration(st.ElapsedMs) * time.Millisecond).Round(time.Second))
	case recorder.PhaseInitializing:
		return "Opening devices"
	case recorder.PhaseStopping:
		return fmt.Sprintf("Finalizing session %s", st.SessionID)
	default:
		if st.LastError != "" {
			return "Idle - last error: " + st.LastError
		}
		return "Idle - waiting for a trigger"
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recovery.ErrNotFound), errors.Is(err, index.ErrNotFound), errors.Is(err, session.ErrNoMetadata):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrActive), errors.Is(err, lock.ErrLive), errors.Is(err, lock.ErrHeld):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoDevices), errors.Is(err, recorder.ErrClosed), errors.Is(err, service.ErrNoRecorder):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs and sends a JSON error
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Sending error response to client", logFields...)
	} else {
		s.logger.Debug("Sending error response to client", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
