// Package server implements the dispatch HTTP server: REST API, auth,
// Server-Sent Events and metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/metrics"
	"github.com/GoCodeAlone/dispatch/server/api"
	"github.com/GoCodeAlone/dispatch/server/stream"
	"github.com/GoCodeAlone/dispatch/worker"
)

// Server is the dispatch HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine  *engine.Engine
	bus     comms.Bus
	team    *worker.Team
	metrics *metrics.Collector
	hub     *stream.Hub

	routesOnce  sync.Once
	unsubscribe func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       stream.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetEngine attaches the coordination engine.
func (s *Server) SetEngine(e *engine.Engine) { s.engine = e }

// SetBus attaches the event bus that feeds /events and task histories.
func (s *Server) SetBus(bus comms.Bus) { s.bus = bus }

// SetTeam attaches the in-process workers listed by /api/team.
func (s *Server) SetTeam(t *worker.Team) { s.team = t }

// SetMetrics exposes the collector on /metrics.
func (s *Server) SetMetrics(c *metrics.Collector) { s.metrics = c }

// Handler registers routes on first use and returns the root handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening. The write timeout bounds
// every response except the event stream.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout.D(),
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Engine:  s.engine,
		Bus:     s.bus,
		Team:    s.team,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(comms.AllTasks, s.hub.Handle)
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleEvents)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	apiMux.HandleFunc("POST /api/auth/tokens", s.handleMintToken)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleEvents authenticates the token query parameter and hands the
// connection to the hub with the write deadline lifted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := verifyToken(s.jwtSecret(), r.URL.Query().Get("token")); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && s.httpSrv != nil {
		s.logger.Debug("clear write deadline", slog.Any("err", err))
	}
	s.hub.ServeHTTP(w, r)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorBody{Error: msg})
}
