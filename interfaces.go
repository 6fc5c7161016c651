package metsuke

import (
	"context"
	"net/http"
)

// Provider executes Eye invocations against a backing capability.
// When provided via WithProvider, replaces the auto-detected
// Ollama/OpenAI/static provider for every routing rule that names it.
// The returned bytes must be a JSON Eye envelope; validation happens
// inside the pipeline.
type Provider interface {
	Invoke(ctx context.Context, req EyeRequest) ([]byte, error)
	Name() string
}

// EventHook receives every pipeline event the supervisor appends.
// Hooks are called synchronously after the event is committed, so they
// must not block; offload slow work to a goroutine.
// Multiple hooks may be registered via multiple WithEventHook calls.
type EventHook func(event Event)

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Called once during New after all built-in routes are registered, so it
// cannot shadow them.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /healthz. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
