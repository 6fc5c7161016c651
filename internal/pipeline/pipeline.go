// Package pipeline is the orchestrator core: it advances each run through
// its ordered Eye stages, applies retry and clarification policy, and turns
// every decision into a guarded run transition plus audit events.
//
// Concurrency model: one executor goroutine per run, admitted through a
// weighted semaphore. Within a run, stage execution is strictly sequential;
// the only suspension points are the provider call (deadline-bounded) and
// the awaiting-clarification park (unbounded, resumed by an external
// caller). Run state is mutated only through the storage transition
// primitive, whose status guard makes the single-writer discipline hold
// even across process restarts.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

var (
	// ErrRunTerminal is returned when an operation re-enters a run that
	// already reached a terminal status.
	ErrRunTerminal = errors.New("pipeline: run is terminal")

	// ErrNotAwaiting is returned when a clarification answer arrives for a
	// run that is not parked in awaiting_clarification.
	ErrNotAwaiting = errors.New("pipeline: run is not awaiting clarification")

	// ErrExecutorActive is returned when a second executor is requested for
	// a run that already has one in this process.
	ErrExecutorActive = errors.New("pipeline: executor already active for run")
)

// Store is the durable run and event surface the orchestrator drives.
// Implemented by *storage.DB; faked in-memory by tests.
type Store interface {
	CreateRun(ctx context.Context, run model.Run, started storage.EventInput) (model.Run, model.PipelineEvent, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	Transition(ctx context.Context, p storage.TransitionParams) ([]model.PipelineEvent, error)
	AppendStaleEvent(ctx context.Context, runID uuid.UUID, in storage.EventInput) (model.PipelineEvent, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.Run, error)
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]model.Run, error)
}

// nonTerminal is the status guard shared by cancellation and the watchdog:
// any run that has not reached a terminal status yet.
var nonTerminal = []model.RunStatus{
	model.RunStatusPending,
	model.RunStatusRunning,
	model.RunStatusAwaitingClarification,
}
