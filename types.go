package metsuke

import (
	"time"

	"github.com/google/uuid"
)

// EyeRequest is one Eye invocation as seen by a custom Provider.
// It is a curated view of the internal invocation request so external
// providers never import internal packages.
type EyeRequest struct {
	// Eye is the pipeline stage being invoked (e.g. "ambiguity-check").
	Eye string
	// Persona is the resolved persona content, sent as the system prompt.
	Persona string
	// Model is the provider-specific model name from the routing rule.
	Model string
	// Payload is the accumulated input payload for the stage.
	Payload map[string]any
	// Timeout is the per-call deadline from the strictness profile.
	Timeout time.Duration
}

// Event is the public representation of one pipeline event.
// It is a curated view of internal/model.PipelineEvent for use in
// extension interfaces; raw envelope payloads and content hashes stay
// behind the HTTP API.
type Event struct {
	RunID     uuid.UUID
	Seq       int64
	EventType string
	// Eye is nil for run-level events (run-started, run-completed, ...).
	Eye        *string
	Code       string
	Message    string
	NextAction string
	CreatedAt  time.Time
}
