package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// HandlersDeps holds the dependencies for the HTTP handlers.
type HandlersDeps struct {
	DB        *storage.DB
	Pipeline  *pipeline.Supervisor
	Registry  *registry.Registry
	Providers *provider.Registry
	Broker    *Broker
	Logger    *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers carries the request handlers and their dependencies.
type Handlers struct {
	db        *storage.DB
	pipeline  *pipeline.Supervisor
	registry  *registry.Registry
	providers *provider.Registry
	broker    *Broker
	logger    *slog.Logger

	version      string
	maxBodyBytes int64
	startedAt    time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:           deps.DB,
		pipeline:     deps.Pipeline,
		registry:     deps.Registry,
		providers:    deps.Providers,
		broker:       deps.Broker,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxRequestBodyBytes,
		startedAt:    time.Now().UTC(),
	}
}

// HandleHealth reports process and dependency health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Postgres = "ok"

	if n, err := h.db.CountActiveRuns(r.Context()); err == nil {
		resp.ActiveRuns = n
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// pathRunID parses the run_id path segment.
func pathRunID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("run_id"))
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// respondError maps domain errors onto the API error contract.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, pipeline.ErrRunTerminal),
		errors.Is(err, pipeline.ErrNotAwaiting):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		if current, ok := storage.IsStatusConflict(err); ok {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"run is currently "+string(current))
			return
		}
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}
