package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text. These prevent a single
// oversized field from filling Postgres TEXT columns or ballooning the
// payload forwarded to every downstream Eye.
const (
	MaxInputLen   = 64 * 1024 // 64 KB
	MaxAnswerLen  = 16 * 1024 // 16 KB
	MaxPersonaLen = 32 * 1024 // 32 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Input      string     `json:"input"`
	Strictness string     `json:"strictness,omitempty"`
}

// Validate checks field presence and length limits.
func (r *StartRunRequest) Validate() error {
	if r.Input == "" {
		return fmt.Errorf("input is required")
	}
	if len(r.Input) > MaxInputLen {
		return fmt.Errorf("input exceeds maximum length of %d bytes", MaxInputLen)
	}
	switch r.Strictness {
	case "", StrictnessPermissive, StrictnessStandard, StrictnessStrict:
	default:
		return fmt.Errorf("unknown strictness %q", r.Strictness)
	}
	return nil
}

// ClarificationRequest is the request body for POST /v1/runs/{id}/clarification.
type ClarificationRequest struct {
	Answer string `json:"answer"`
}

// Validate checks field presence and length limits.
func (r *ClarificationRequest) Validate() error {
	if r.Answer == "" {
		return fmt.Errorf("answer is required")
	}
	if len(r.Answer) > MaxAnswerLen {
		return fmt.Errorf("answer exceeds maximum length of %d bytes", MaxAnswerLen)
	}
	return nil
}

// CreatePersonaRequest is the request body for POST /v1/personas.
type CreatePersonaRequest struct {
	Eye      Eye    `json:"eye"`
	Content  string `json:"content"`
	Activate bool   `json:"activate,omitempty"`
}

// Validate checks field presence and length limits.
func (r *CreatePersonaRequest) Validate() error {
	if !KnownEye(r.Eye) {
		return fmt.Errorf("unknown eye %q", r.Eye)
	}
	if r.Content == "" {
		return fmt.Errorf("content is required")
	}
	if len(r.Content) > MaxPersonaLen {
		return fmt.Errorf("content exceeds maximum length of %d bytes", MaxPersonaLen)
	}
	return nil
}

// UpsertRoutingRequest is the request body for PUT /v1/routing.
type UpsertRoutingRequest struct {
	Eye        Eye        `json:"eye"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Strictness string     `json:"strictness"`
}

// Validate checks field presence.
func (r *UpsertRoutingRequest) Validate() error {
	if !KnownEye(r.Eye) {
		return fmt.Errorf("unknown eye %q", r.Eye)
	}
	if r.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	switch r.Strictness {
	case StrictnessPermissive, StrictnessStandard, StrictnessStrict:
	default:
		return fmt.Errorf("unknown strictness %q", r.Strictness)
	}
	return nil
}

// UpsertProfileRequest is the request body for PUT /v1/strictness/{name}.
type UpsertProfileRequest struct {
	AmbiguityThreshold float64 `json:"ambiguity_threshold"`
	RetryBudget        int     `json:"retry_budget"`
	InvokeTimeoutMs    int64   `json:"invoke_timeout_ms"`
}

// Validate checks ranges.
func (r *UpsertProfileRequest) Validate() error {
	if r.AmbiguityThreshold < 0 || r.AmbiguityThreshold > 1 {
		return fmt.Errorf("ambiguity_threshold must be in [0,1]")
	}
	if r.RetryBudget < 1 {
		return fmt.Errorf("retry_budget must be at least 1")
	}
	if r.InvokeTimeoutMs < 100 {
		return fmt.Errorf("invoke_timeout_ms must be at least 100")
	}
	return nil
}

// EyeStatus pairs a catalog Eye with its active persona version for
// GET /v1/eyes.
type EyeStatus struct {
	Eye            Eye    `json:"eye"`
	ActiveVersion  *int   `json:"active_version,omitempty"`
	PersonaCount   int    `json:"persona_count"`
	DefaultOrdinal int    `json:"default_ordinal"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ReplayResult is the response for GET /v1/runs/{id}/replay.
type ReplayResult struct {
	Status     RunStatus `json:"status"`
	StageIndex int       `json:"stage_index"`
	EventCount int       `json:"event_count"`
	Consistent bool      `json:"consistent"`
}

// IntegrityResult is the response for GET /v1/runs/{id}/integrity.
type IntegrityResult struct {
	MerkleRoot string `json:"merkle_root"`
	EventCount int    `json:"event_count"`
	Verified   bool   `json:"verified"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
