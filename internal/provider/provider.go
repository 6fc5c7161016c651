// Package provider implements the outbound I/O boundary to the external
// capabilities that back each Eye.
//
// Defines a Provider interface with one implementation per backing service.
// Providers apply the per-call timeout and classify network-level failures
// as transport errors; they never interpret envelope semantics. The
// interface allows swapping providers per Eye through routing rules without
// changing the pipeline.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// InvokeRequest carries everything one Eye invocation needs.
type InvokeRequest struct {
	Eye     model.Eye
	Persona string         // resolved persona content, sent as the system prompt
	Model   string         // provider-specific model name from the routing rule
	Payload map[string]any // accumulated input payload, serialized as the user message
	Timeout time.Duration  // per-call deadline from the strictness profile
}

// Provider executes one Eye invocation and returns the raw, unparsed output.
type Provider interface {
	// Invoke sends the persona and payload to the backing capability.
	// The returned bytes are whatever the capability produced; envelope
	// validation happens downstream.
	Invoke(ctx context.Context, req InvokeRequest) ([]byte, error)

	// Name returns the identifier routing rules use to select this provider.
	Name() string
}

// TransportError marks a network, timeout, or provider-side failure.
// The pipeline retries these under the strictness budget; everything else
// at this boundary is a programming or configuration error.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrUnknownProvider is returned when a routing rule names a provider that
// is not registered.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry resolves routing provider refs to implementations. Read-only
// after construction; safe for concurrent use.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry builds a registry from the given providers. Later entries
// with a duplicate name replace earlier ones.
func NewRegistry(providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Registry{byName: byName}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
