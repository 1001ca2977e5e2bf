// Package adminapi is the operator-facing HTTP surface: health, the
// registered-agent catalog, VM inspection and teardown, and a live log tail
// per VM. It never touches the MCP tool surface itself — that is
// internal/mcphandler's job — and is protected by internal/auth's
// single-operator bearer token middleware.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/auth"
	"github.com/clarateach/agentfleet/internal/correlator"
	"github.com/clarateach/agentfleet/internal/vm"
)

// Server is the admin HTTP API. It holds no VM or agent state of its own;
// every handler reads through to the correlator and VM manager live.
type Server struct {
	router    *chi.Mux
	corr      *correlator.Correlator
	vms       *vm.Manager
	logHub    *vmLogHub
	logger    *logrus.Logger
	startedAt time.Time
}

// Config configures the admin server.
type Config struct {
	// AdminSecret signs/validates the operator bearer token. Empty
	// disables auth entirely, matching internal/auth.Middleware's
	// local-dev behavior.
	AdminSecret []byte
}

// NewServer builds an admin Server and its routes. logHub receives lines
// from the logrus hook cmd/agentfleetd registers against the process
// logger (see NewLogHook) and fans them out per VM to /vms/{id}/logs
// subscribers.
func NewServer(corr *correlator.Correlator, vms *vm.Manager, logHub *vmLogHub, logger *logrus.Logger, cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		corr:      corr,
		vms:       vms,
		logHub:    logHub,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.routes(cfg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(cfg Config) {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.AdminSecret))

		r.Get("/agents", s.handleListAgents)
		r.Route("/vms", func(r chi.Router) {
			r.Get("/", s.handleListVMs)
			r.Delete("/{vmID}", s.handleDestroyVM)
			r.Get("/{vmID}/logs", s.handleTailLogs)
		})
		r.Post("/cleanup", s.handleCleanup)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode admin API response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	VMCount       int    `json:"vm_count"`
	AgentCount    int    `json:"agent_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		VMCount:       len(s.vms.List()),
		AgentCount:    len(s.corr.Tools()),
	})
}
