package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kiroku/internal/ratelimit"
)

// Server is the Kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	registry   *Registry
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Hooks.
type ServerConfig struct {
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Hooks   []EventHook

	// Middlewares wrap the root handler outermost, in registration order:
	// the first-registered middleware sees every request first.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Session settings.
	SubscriberBuffer int
	DeliveryLimit    int
	SessionIdleTTL   time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	registry := NewRegistry(RegistryConfig{
		Logger:           cfg.Logger,
		SubscriberBuffer: cfg.SubscriberBuffer,
		DeliveryLimit:    cfg.DeliveryLimit,
		IdleTTL:          cfg.SessionIdleTTL,
		Hooks:            cfg.Hooks,
	})
	h := NewHandlers(registry, cfg.Logger, cfg.Version, cfg.OpenAPISpec)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	maxBody := func(next http.Handler) http.Handler {
		return maxBodyMiddleware(cfg.MaxRequestBodyBytes, next)
	}

	mux := http.NewServeMux()

	// Session lifecycle.
	mux.Handle("POST /v1/sessions", ingestRL(http.HandlerFunc(h.HandleCreateSession)))
	mux.Handle("GET /v1/sessions/{session_id}", http.HandlerFunc(h.HandleGetSession))
	mux.Handle("POST /v1/sessions/{session_id}/close", http.HandlerFunc(h.HandleCloseSession))

	// Patch ingestion (rate limited, body capped).
	mux.Handle("POST /v1/sessions/{session_id}/patches",
		ingestRL(maxBody(http.HandlerFunc(h.HandleIngestPatches))))

	// Event subscription (no rate limit, long-lived connection).
	mux.Handle("GET /v1/sessions/{session_id}/events", http.HandlerFunc(h.HandleEvents))

	// Health and version (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /version", h.HandleVersion)

	// OpenAPI spec (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		registry: registry,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins serving HTTP requests and runs the idle-session reaper.
// It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	go s.registry.Start(ctx)
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.registry.Shutdown(ctx)
}
