package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/ratelimit"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// Server is the Metsuke HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Pipeline  *pipeline.Supervisor
	Registry  *registry.Registry
	Providers *provider.Registry
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker      *Broker
	MCPServer   *mcpserver.MCPServer
	RateLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Extension points for embedders. ExtraRoutes run after the built-in
	// routes are registered; Middlewares wrap the whole chain, first
	// registered outermost.
	ExtraRoutes []func(mux *http.ServeMux)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		Registry:            cfg.Registry,
		Providers:           cfg.Providers,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/clarification", h.HandleClarification)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Event log and audit surfaces.
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/events/stream", h.HandleStreamEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/replay", h.HandleReplay)
	mux.HandleFunc("GET /v1/runs/{run_id}/integrity", h.HandleIntegrity)
	mux.HandleFunc("GET /v1/runs/{run_id}/export", h.HandleExport)

	// Persona and routing administration.
	mux.HandleFunc("GET /v1/eyes", h.HandleListEyes)
	mux.HandleFunc("GET /v1/personas", h.HandleListPersonas)
	mux.HandleFunc("POST /v1/personas", h.HandleCreatePersona)
	mux.HandleFunc("POST /v1/personas/{persona_id}/activate", h.HandleActivatePersona)
	mux.HandleFunc("GET /v1/routing", h.HandleListRouting)
	mux.HandleFunc("PUT /v1/routing", h.HandleUpsertRouting)
	mux.HandleFunc("GET /v1/strictness", h.HandleListStrictness)
	mux.HandleFunc("PUT /v1/strictness/{name}", h.HandleUpsertStrictness)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no middleware dependencies beyond the DB ping).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first): request ID, security
	// headers, rate limiting, tracing, logging, recovery, handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	if cfg.RateLimiter != nil {
		handler = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, RequestIDFromRequest)(handler)
	}
	handler = securityHeadersMiddleware(handler)
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
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
