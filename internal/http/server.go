package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *slog.Logger

	health          *HealthHandler
	cors            *CORSConfig
	securityHeaders *SecurityHeadersConfig
	metricsPaths    []string
	requestTimeout  time.Duration
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth replaces the default health handler, typically to add
// readiness checks.
func WithHealth(h *HealthHandler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithCORS sets the CORS policy.
func WithCORS(cfg *CORSConfig) Option {
	return func(s *Server) {
		s.cors = cfg
	}
}

// WithSecurityHeaders sets the security header policy.
func WithSecurityHeaders(cfg *SecurityHeadersConfig) Option {
	return func(s *Server) {
		s.securityHeaders = cfg
	}
}

// WithMetricsPaths lists the routes reported by name in request metrics.
// Anything else is folded into a catch-all label.
func WithMetricsPaths(paths ...string) Option {
	return func(s *Server) {
		s.metricsPaths = append(s.metricsPaths, paths...)
	}
}

// WithRequestTimeout bounds handler execution.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// NewServer creates a new HTTP server with default middleware.
func NewServer(addr string, opts ...Option) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:         r,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthHandler()
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recover(s.logger))
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				s.logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	})

	r.Use(metrics.Middleware(append([]string{"/healthz", "/readyz", "/metrics"}, s.metricsPaths...)...))
	r.Use(SecurityHeadersMiddleware(s.securityHeaders))
	r.Use(CORSMiddleware(s.cors))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Router returns the chi router for adding routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Health returns the health handler so readiness can be toggled.
func (s *Server) Health() *HealthHandler {
	return s.health
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}
