// Package server provides the HTTP API used by the candidate's browser shim
// and the admin dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/exam"
	"github.com/invisible-tech/proctor-sensor/internal/version"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

const (
	maxBodyBytes      = 1 << 20
	defaultAlertLimit = 100
)

// Server is the HTTP server for the proctoring API.
type Server struct {
	cfg        config.ProctorConfig
	manager    *exam.Manager
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server backed by the given session manager.
func New(cfg config.ProctorConfig, manager *exam.Manager, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, manager: manager, log: log}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleView)
	mux.HandleFunc("GET /api/v1/sessions/{id}/alerts", s.handleSessionAlerts)
	mux.HandleFunc("POST /api/v1/sessions/{id}/events", s.handleEvent)
	mux.HandleFunc("POST /api/v1/sessions/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("POST /api/v1/sessions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Proctor API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

type startRequest struct {
	StudentID       string            `json:"student_id"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Telemetry       browser.Telemetry `json:"telemetry"`
}

type startResponse struct {
	SessionID     string `json:"session_id"`
	TimeRemaining int    `json:"time_remaining"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DurationSeconds < 0 {
		http.Error(w, "duration_seconds must not be negative", http.StatusBadRequest)
		return
	}
	c, err := s.manager.StartSession(r.Context(), exam.StartRequest{
		StudentID: req.StudentID,
		Duration:  time.Duration(req.DurationSeconds) * time.Second,
		Telemetry: req.Telemetry,
	})
	switch {
	case errors.Is(err, exam.ErrStudentRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, exam.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.WithError(err).Error("Failed to start session")
		http.Error(w, "Failed to start session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: c.ID(), TimeRemaining: c.Machine().TimeRemaining()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.Sessions(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list sessions")
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

func (s *Server) handleSessionAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.manager.SessionAlerts(r.Context(), r.PathValue("id"))
	if errors.Is(err, exam.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to load session alerts")
		http.Error(w, "Failed to load alerts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	var ev browser.Event
	if !decode(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"prevented": c.Dispatch(&ev)})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	var t browser.Telemetry
	if !decode(w, r, &t) {
		return
	}
	c.Apply(t)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"submitted": c.Submit()})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.manager.RecentAlerts(limit))
}

func (s *Server) client(w http.ResponseWriter, r *http.Request) (*exam.Client, bool) {
	c, err := s.manager.Session(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
