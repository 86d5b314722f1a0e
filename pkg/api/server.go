// Package api exposes the bridge registry over HTTP, together with health
// and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
	"github.com/proposalhub/apibridge/pkg/health"
)

// Prefix is the root of the resource routes.
const Prefix = "/api/v1"

// CacheSegment is the reserved path segment that clears a resource's cache.
// A record whose id equals it cannot be deleted through the API.
const CacheSegment = "_cache"

// Server serves the registered facades over HTTP.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	registry   *bridge.Registry
	health     *health.Tracker
	config     ServerConfig
	logger     *slog.Logger
	started    time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// MaxBodyBytes bounds request bodies
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// AllowedOrigins restricts CORS; empty allows any origin
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "localhost:8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    1 << 20,
		EnableCORS:      true,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithHealth reports per-resource health on /health and /health/ready.
func WithHealth(tracker *health.Tracker) Option {
	return func(s *Server) {
		s.health = tracker
	}
}

// WithMetrics mounts a metrics handler at path.
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		if handler != nil {
			s.mux.Handle("GET "+path, handler)
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRoutes mounts additional routes.
func WithRoutes(routes ...Route) Option {
	return func(s *Server) {
		for _, route := range routes {
			s.Handle(route)
		}
	}
}

// Route is an extra JSON endpoint, typically a resource extension.
type Route struct {
	Method  string
	Pattern string
	// Status is the success status; zero means 200.
	Status int
	Handle func(r *http.Request) (any, error)
}

// NewServer creates a new API server over registry.
func NewServer(config ServerConfig, registry *bridge.Registry, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		registry: registry,
		config:   config,
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")

	// Health endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleLiveness)
	s.mux.HandleFunc("GET /health/ready", s.handleReadiness)
	s.mux.HandleFunc("GET /stats", s.handleStats)

	// Resource endpoints
	s.mux.HandleFunc("GET "+Prefix+"/{resource}", s.handleList)
	s.mux.HandleFunc("POST "+Prefix+"/{resource}", s.handleCreate)
	s.mux.HandleFunc("GET "+Prefix+"/{resource}/{id}", s.handleGet)
	s.mux.HandleFunc("PATCH "+Prefix+"/{resource}/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE "+Prefix+"/{resource}/{id}", s.handleDelete)
	s.mux.HandleFunc("DELETE "+Prefix+"/{resource}/"+CacheSegment, s.handleClearCache)

	handler := s.identityMiddleware(s.mux)
	handler = s.loggingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Handle mounts route. Handlers return a value rendered as a success
// envelope, or an error rendered as a BridgeError.
func (s *Server) Handle(route Route) {
	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	s.mux.HandleFunc(route.Method+" "+route.Pattern, func(w http.ResponseWriter, r *http.Request) {
		data, err := route.Handle(r)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondData(w, status, data)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && !stderr.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// Resource handlers

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[len(values)-1]
		}
	}
	data, err := h.List(r.Context(), params)
	s.respond(w, http.StatusOK, data, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := h.Get(r.Context(), r.PathValue("id"))
	s.respond(w, http.StatusOK, data, err)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	data, err := h.CreateRaw(r.Context(), body)
	s.respond(w, http.StatusCreated, data, err)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	data, err := h.UpdateRaw(r.Context(), r.PathValue("id"), body)
	s.respond(w, http.StatusOK, data, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := h.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	removed := h.ClearCache(r.URL.Query().Get("pattern"))
	s.respondData(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (bridge.Handle, bool) {
	h, err := s.registry.Get(r.PathValue("resource"))
	if err != nil {
		s.respondError(w, errors.Newf(errors.ErrCodeNotFound, "unknown resource %q", r.PathValue("resource")).WithCause(err))
		return nil, false
	}
	return h, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	reader := io.Reader(r.Body)
	if s.config.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Validation("reading request body: %v", err)
	}
	if len(body) > 0 && !json.Valid(body) {
		return nil, errors.Validation("request body is not valid JSON")
	}
	return body, nil
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"resources": s.registry.Resources(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overall := s.health.Overall()
	statusCode := http.StatusOK
	switch overall {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, map[string]any{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"uptime":     time.Since(s.started).String(),
		"resources":  s.registry.Resources(),
		"components": s.health.Components(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	ready := len(s.registry.Resources()) > 0
	status := "no resources registered"
	if ready {
		status = health.StateHealthy.String()
	}
	if ready && s.health != nil {
		overall := s.health.Overall()
		ready = overall != health.StateUnavailable
		status = overall.String()
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]any{
		"ready":     ready,
		"status":    status,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, http.StatusOK, s.registry.Stats())
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(transport.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(transport.HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", requestID,
			"duration", time.Since(start))
	})
}

// identityMiddleware maps the identity headers onto the request context.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(transport.HeaderUserID)); id != "" {
			ctx = authz.WithSubject(ctx, authz.Subject{
				ID:     id,
				Roles:  splitList(r.Header.Get(transport.HeaderUserRoles)),
				TeamID: strings.TrimSpace(r.Header.Get(transport.HeaderTeamID)),
			})
		}
		if raw := r.Header.Get(transport.HeaderScope); raw != "" {
			scope, err := authz.ParseScope(raw)
			if err != nil {
				s.respondError(w, errors.Validation("%v", err))
				return
			}
			ctx = authz.WithScope(ctx, scope)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, origin := range s.config.AllowedOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type",
			transport.HeaderUserID,
			transport.HeaderUserRoles,
			transport.HeaderTeamID,
			transport.HeaderScope,
			transport.HeaderRequestID,
		}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respond(w http.ResponseWriter, status int, data any, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, status, data)
}

func (s *Server) respondData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.respondError(w, errors.Newf(errors.ErrCodeUnknownError, "encoding response: %v", err))
		return
	}
	s.respondJSON(w, status, transport.Envelope{Success: true, Data: raw})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// respondError renders err as a failed envelope with its HTTP status.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	bridgeErr := errors.Normalize(err, "")
	status := bridgeErr.HTTPStatus
	if status == 0 {
		status = errors.GetDefaultHTTPStatus(bridgeErr.Code)
	}
	s.respondJSON(w, status, bridgeErr)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
