// Package server is the agent's read-only admin HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/peterje/shellagent/internal/api"
	"github.com/peterje/shellagent/internal/models"
	"github.com/peterje/shellagent/internal/preflight"
	"github.com/peterje/shellagent/internal/pty"
	"github.com/peterje/shellagent/internal/session"
)

type Server struct {
	mux        *http.ServeMux
	registry   *session.Registry
	report     preflight.Report
	userSwitch pty.UserSwitchPolicy
	journal    api.Journal
	metrics    http.Handler
	started    time.Time
	log        zerolog.Logger
}

// Options wires optional parts of the admin surface. A nil Journal or
// Metrics leaves the matching routes unregistered.
type Options struct {
	Report     preflight.Report
	UserSwitch pty.UserSwitchPolicy
	Journal    api.Journal
	Metrics    http.Handler
	Log        zerolog.Logger
}

func New(registry *session.Registry, opts Options) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		registry:   registry,
		report:     opts.Report,
		userSwitch: opts.UserSwitch,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		started:    time.Now(),
		log:        opts.Log.With().Str("component", "admin").Logger(),
	}
	s.routes()
	return s
}

// Handler returns the mux wrapped in request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, recoveryMiddleware(s.log, s))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.registry)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)

	// History
	if s.journal != nil {
		history := api.NewHistoryHandler(s.journal)
		s.mux.HandleFunc("GET /api/history/sessions", history.HandleSessions)
		s.mux.HandleFunc("GET /api/history/sessions/{id}/commands", history.HandleCommands)
	}

	// Metrics
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.report.ShellOK() {
		status = "degraded"
	}
	resp := models.HealthResponse{
		Status:     status,
		Sessions:   s.registry.Len(),
		Shell:      s.report.Shell,
		Tools:      s.report.Tools,
		UserSwitch: string(s.userSwitch),
		Root:       s.report.Root,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
