// Package web exposes a read-only status surface for operators: a small
// JSON API over the session history and live update/sensor state, plus a
// WebSocket stream of manager events. Nothing here feeds back into protocol
// decisions.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"pldmd/internal/history"
	"pldmd/internal/manager"
)

// SessionSource is the slice of the history store the dashboard reads.
type SessionSource interface {
	ListSessions() ([]history.SessionRecord, error)
	ListSessionsByEID(eid uint8) ([]history.SessionRecord, error)
	ListSensorEvents() ([]history.SensorEventRecord, error)
}

// SensorStates supplies the live sensor cache snapshot.
type SensorStates interface {
	States() map[uint16][]uint8
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithSensorStates wires the live sensor cache into /api/sensors.
func WithSensorStates(states SensorStates) ServerOption {
	return func(s *Server) {
		s.sensors = states
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the status dashboard.
type Server struct {
	mgr            *manager.Manager
	sessions       SessionSource
	sensors        SensorStates
	wsHub          *Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()
}

// NewServer creates a status dashboard over mgr and the session history.
func NewServer(mgr *manager.Manager, sessions SessionSource, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		mgr:      mgr,
		sessions: sessions,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewHub(logger)

	// Mirror every manager event to connected WebSocket clients.
	s.unsubEvents = mgr.Events().SubscribeAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop unsubscribes from the manager and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{eid}", s.handleSessionsByEID)
	s.mux.HandleFunc("GET /api/sensors", s.handleSensors)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying API key auth to /api/ routes.
// The WebSocket route is not key-protected because browsers cannot send
// custom headers on the upgrade; origin patterns gate it instead.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}
