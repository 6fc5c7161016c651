package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending               RunStatus = "pending"
	RunStatusRunning               RunStatus = "running"
	RunStatusAwaitingClarification RunStatus = "awaiting_clarification"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusFailed                RunStatus = "failed"
	RunStatusCancelled             RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one end-to-end execution of the pipeline for one request.
// Owned exclusively by the pipeline engine; mutated only through the
// storage transition primitive.
type Run struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   uuid.UUID      `json:"session_id"`
	Stages      []Eye          `json:"stages"`
	StageIndex  int            `json:"stage_index"`
	Status      RunStatus      `json:"status"`
	Strictness  string         `json:"strictness"`
	Input       string         `json:"input"`
	Context     map[string]any `json:"context,omitempty"`
	LastCode    Code           `json:"last_code,omitempty"`
	LastMessage string         `json:"last_message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CurrentStage returns the Eye at the run's stage index, or "" when the
// index is past the final stage.
func (r *Run) CurrentStage() Eye {
	if r.StageIndex < 0 || r.StageIndex >= len(r.Stages) {
		return ""
	}
	return r.Stages[r.StageIndex]
}
