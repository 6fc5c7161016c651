package provider

import (
	"context"
	"errors"
)

// NoopProvider refuses every invocation with a transport error. Installed
// when no backing capability is configured at all, so misrouted stages fail
// cleanly as provider-unavailable instead of panicking on a nil provider.
type NoopProvider struct{}

// NewNoopProvider creates the refusing provider.
func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

// Name returns the routing identifier.
func (p *NoopProvider) Name() string { return "noop" }

// Invoke always fails.
func (p *NoopProvider) Invoke(context.Context, InvokeRequest) ([]byte, error) {
	return nil, &TransportError{Provider: "noop", Err: errors.New("no provider configured")}
}
