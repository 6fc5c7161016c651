package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a pipeline event.
type EventType string

const (
	// Run lifecycle events. Eye is nil on these (system-level).
	EventRunStarted   EventType = "run-started"
	EventRunCompleted EventType = "run-completed"
	EventRunFailed    EventType = "run-failed"
	EventRunCancelled EventType = "run-cancelled"

	// Stage events, attributed to the Eye that produced them.
	EventStageStarted   EventType = "stage-started"
	EventStageRetried   EventType = "stage-retried"
	EventStageCompleted EventType = "stage-completed"

	// Clarification loop events.
	EventClarificationRequested EventType = "clarification-requested"
	EventClarificationResolved  EventType = "clarification-resolved"

	// StaleResult records an Eye response that arrived after its run was
	// cancelled or timed out. Audit only; never applied to run state.
	EventStaleResult EventType = "stale-result"
)

// NextAction hints recorded on events to drive UI branching without
// string-matching on prose.
const (
	NextActionAdvance    = "advance"
	NextActionRetry      = "retry"
	NextActionAwaitInput = "await_input"
	NextActionHalt       = "halt"
	NextActionNone       = "none"
)

// PipelineEvent is an append-only fact in the audit log. Source of truth
// for run state. Never mutated or deleted; ordered per run by Seq.
type PipelineEvent struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	Seq         int64          `json:"seq"`
	Eye         *Eye           `json:"eye,omitempty"`
	EventType   EventType      `json:"event_type"`
	Code        Code           `json:"code"`
	MD          string         `json:"md,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	NextAction  string         `json:"next_action"`
	ContentHash string         `json:"content_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ClarificationRequestedPayload is the data contract for
// clarification-requested events.
type ClarificationRequestedPayload struct {
	Questions      []string `json:"questions"`
	AmbiguityScore float64  `json:"score"`
	IsCodeRelated  bool     `json:"is_code_related"`
	QuestionsMD    string   `json:"questions_md,omitempty"`
}

// ClarificationResolvedPayload is the data contract for
// clarification-resolved events.
type ClarificationResolvedPayload struct {
	Answer string `json:"answer"`
}

// StageCompletedPayload is the data contract for stage-completed events.
// Envelope carries the validated envelope verbatim; Anomaly is set when the
// envelope's ok flag and code disagreed (ok stays authoritative).
type StageCompletedPayload struct {
	Envelope   map[string]any `json:"envelope"`
	Anomaly    string         `json:"anomaly,omitempty"`
	Attempt    int            `json:"attempt"`
	DurationMs int64          `json:"duration_ms"`
}

// AnomalyOKCodeConflict marks an envelope whose ok flag was true while its
// code named a rejection.
const AnomalyOKCodeConflict = "ok_code_conflict"
