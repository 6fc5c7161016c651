// Package metsuke embeds the Metsuke Eye pipeline orchestrator as a library.
//
// The App type wires the full service: configuration, telemetry, storage,
// migrations, the persona/routing registry, the Eye pipeline supervisor,
// the SSE broker, the MCP server, and the HTTP API. The cmd/metsuke binary
// is a thin wrapper around it; external programs can embed the same App and
// customize it through With* options.
package metsuke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/metsuke-ai/metsuke/internal/config"
	"github.com/metsuke-ai/metsuke/internal/mcp"
	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/ratelimit"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/seed"
	"github.com/metsuke-ai/metsuke/internal/server"
	"github.com/metsuke-ai/metsuke/internal/storage"
	"github.com/metsuke-ai/metsuke/internal/telemetry"
	"github.com/metsuke-ai/metsuke/migrations"
)

// App is a fully wired Metsuke service.
// Create one with New, start it with Run, stop it with Shutdown
// (Run performs its own shutdown when its context is cancelled).
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db         *storage.DB
	registry   *registry.Registry
	providers  *provider.Registry
	supervisor *pipeline.Supervisor
	broker     *server.Broker
	mcpSrv     *mcp.Server
	limiter    ratelimit.Limiter
	srv        *server.Server

	otelShutdown telemetry.Shutdown
	version      string
}

// New creates an App: loads config, connects storage, runs migrations,
// seeds the baseline catalog, and wires every subsystem. Nothing is
// listening yet; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.seedFile != "" {
		cfg.SeedFile = o.seedFile
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	app, err := build(ctx, cfg, db, logger, version, o)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(context.Background())
		return nil, err
	}
	app.otelShutdown = otelShutdown
	return app, nil
}

func build(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger, version string, o resolvedOptions) (*App, error) {
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}

	// Eye provider selection. The static and noop providers are always
	// registered so seeded routing rules and explicit overrides resolve.
	eyeProv := newEyeProvider(cfg, version, logger)
	if o.provider != nil {
		eyeProv = &providerAdapter{inner: o.provider}
		logger.Info("eye provider: custom", "name", eyeProv.Name())
	}
	providers := provider.NewRegistry(
		provider.NewStaticProvider(version),
		provider.NewNoopProvider(),
		eyeProv,
	)

	// Seed the baseline persona/routing/strictness catalog. Apply is
	// idempotent: existing state always wins over the seed.
	seedFile := seed.Default(eyeProv.Name())
	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		seedFile = f
	}
	if err := seed.Apply(ctx, db, seedFile, logger); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	reg := registry.New(db, logger)
	if err := reg.Reload(ctx); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	hooks := make([]pipeline.EventHook, 0, len(o.eventHooks))
	for _, h := range o.eventHooks {
		hooks = append(hooks, adaptHook(h))
	}

	sup := pipeline.New(db, reg, providers, logger, pipeline.Config{
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
		RunTimeout:        cfg.RunTimeout,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	}, hooks...)

	// SSE broker needs the dedicated LISTEN/NOTIFY connection.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(db, sup, reg, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	extraRoutes := make([]func(mux *http.ServeMux), 0, len(o.routeRegistrars))
	for _, rr := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, rr)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Pipeline:            sup,
		Registry:            reg,
		Providers:           providers,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		registry:   reg,
		providers:  providers,
		supervisor: sup,
		broker:     broker,
		mcpSrv:     mcpSrv,
		limiter:    limiter,
		srv:        srv,
		version:    version,
	}, nil
}

// Run resumes interrupted runs, starts the background loops and the HTTP
// server, then blocks until ctx is cancelled or the server fails. On
// cancellation it performs a graceful Shutdown before returning.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("metsuke starting", "version", a.version, "port", a.cfg.Port)

	// Resume runs left in running status by a previous process. Their
	// event logs are durable; execution picks up at the recorded stage.
	if err := a.supervisor.Recover(ctx); err != nil {
		a.logger.Warn("run recovery failed", "error", err)
	}

	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.supervisor.WatchdogLoop(ctx, a.cfg.WatchdogInterval)
	go a.registry.RefreshLoop(ctx, a.cfg.RegistryRefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the App gracefully. Each phase gets its own timeout so
// early completion doesn't steal budget from later phases. Order: (1) stop
// accepting new HTTP requests and drain in-flight handlers, (2) drain run
// executors so no transition is cut off mid-commit, (3) close storage and
// flush telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("metsuke shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	supCtx, supCancel := contextWithOptionalTimeout(ctx, 15*time.Second)
	if err := a.supervisor.Shutdown(supCtx); err != nil {
		a.logger.Error("pipeline shutdown error", "error", err)
	}
	supCancel()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}

	a.db.Close(ctx)

	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}
	}

	a.logger.Info("metsuke stopped")
	return nil
}

// Handler returns the root HTTP handler, for tests and embedders that
// mount the App under their own server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// contextWithOptionalTimeout caps the parent context at d unless the
// parent already carries an earlier deadline.
func contextWithOptionalTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// newEyeProvider creates an Eye provider based on configuration.
// Provider selection: "ollama", "openai", "static", "noop", or "auto"
// (default). Auto mode tries Ollama if reachable, then OpenAI if a key is
// present, else falls back to the deterministic static provider so local
// development works with no external capability at all.
func newEyeProvider(cfg config.Config, version string, logger *slog.Logger) provider.Provider {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when METSUKE_PROVIDER=openai")
			return provider.NewStaticProvider(version)
		}
		logger.Info("eye provider: openai", "url", cfg.OpenAIURL)
		return provider.NewOpenAIProvider(cfg.OpenAIURL, cfg.OpenAIAPIKey)

	case "ollama":
		logger.Info("eye provider: ollama", "url", cfg.OllamaURL)
		return provider.NewOllamaProvider(cfg.OllamaURL)

	case "static":
		logger.Info("eye provider: static (deterministic validation)")
		return provider.NewStaticProvider(version)

	case "noop":
		logger.Info("eye provider: noop (every invocation fails)")
		return provider.NewNoopProvider()

	case "auto":
		fallthrough
	default:
		if cfg.OllamaURL != "" && ollamaReachable(cfg.OllamaURL) {
			logger.Info("eye provider: ollama (auto-detected)", "url", cfg.OllamaURL)
			return provider.NewOllamaProvider(cfg.OllamaURL)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("eye provider: openai (auto-detected)", "url", cfg.OpenAIURL)
			return provider.NewOpenAIProvider(cfg.OpenAIURL, cfg.OpenAIAPIKey)
		}
		logger.Warn("no AI provider available, using static provider (deterministic validation)")
		return provider.NewStaticProvider(version)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// providerAdapter bridges the public Provider interface to the internal one.
type providerAdapter struct {
	inner Provider
}

func (a *providerAdapter) Name() string { return a.inner.Name() }

func (a *providerAdapter) Invoke(ctx context.Context, req provider.InvokeRequest) ([]byte, error) {
	return a.inner.Invoke(ctx, EyeRequest{
		Eye:     string(req.Eye),
		Persona: req.Persona,
		Model:   req.Model,
		Payload: req.Payload,
		Timeout: req.Timeout,
	})
}

// adaptHook converts a public EventHook into the internal pipeline hook.
func adaptHook(h EventHook) pipeline.EventHook {
	return func(e model.PipelineEvent) {
		var eye *string
		if e.Eye != nil {
			s := string(*e.Eye)
			eye = &s
		}
		h(Event{
			RunID:      e.RunID,
			Seq:        e.Seq,
			EventType:  string(e.EventType),
			Eye:        eye,
			Code:       string(e.Code),
			Message:    e.MD,
			NextAction: string(e.NextAction),
			CreatedAt:  e.CreatedAt,
		})
	}
}
