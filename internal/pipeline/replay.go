package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// Projection is run state rebuilt purely from the event log.
type Projection struct {
	RunID       uuid.UUID
	Status      model.RunStatus
	StageIndex  int
	LastCode    model.Code
	LastMessage string
	EventCount  int
	LastSeq     int64
}

// Replay folds a run's events, in sequence order, into the state they
// imply. Pure function; the event log is the source of truth, so any
// disagreement between the projection and the stored run row indicates
// corruption or a write that bypassed the transition primitive.
func Replay(events []model.PipelineEvent) (Projection, error) {
	if len(events) == 0 {
		return Projection{}, fmt.Errorf("pipeline: replay: no events")
	}
	if events[0].EventType != model.EventRunStarted {
		return Projection{}, fmt.Errorf("pipeline: replay: log starts with %s, want %s", events[0].EventType, model.EventRunStarted)
	}

	p := Projection{
		RunID:      events[0].RunID,
		Status:     model.RunStatusPending,
		EventCount: len(events),
	}

	for i, e := range events {
		if e.Seq != int64(i+1) {
			return Projection{}, fmt.Errorf("pipeline: replay: sequence gap at index %d: seq %d", i, e.Seq)
		}
		if e.RunID != p.RunID {
			return Projection{}, fmt.Errorf("pipeline: replay: event %d belongs to run %s", e.Seq, e.RunID)
		}

		switch e.EventType {
		case model.EventRunStarted:
			if i != 0 {
				return Projection{}, fmt.Errorf("pipeline: replay: duplicate %s at seq %d", e.EventType, e.Seq)
			}
		case model.EventStageStarted, model.EventStageRetried:
			p.Status = model.RunStatusRunning
		case model.EventStageCompleted:
			p.Status = model.RunStatusRunning
			if e.NextAction == model.NextActionAdvance {
				p.StageIndex++
			}
		case model.EventClarificationRequested:
			p.Status = model.RunStatusAwaitingClarification
		case model.EventClarificationResolved:
			p.Status = model.RunStatusRunning
		case model.EventRunCompleted:
			p.Status = model.RunStatusCompleted
		case model.EventRunFailed:
			p.Status = model.RunStatusFailed
		case model.EventRunCancelled:
			p.Status = model.RunStatusCancelled
		case model.EventStaleResult:
			// Audit-only; never moves state.
		default:
			return Projection{}, fmt.Errorf("pipeline: replay: unknown event type %q at seq %d", e.EventType, e.Seq)
		}

		if e.Code != "" && e.EventType != model.EventStaleResult {
			p.LastCode = e.Code
			p.LastMessage = e.MD
		}
		p.LastSeq = e.Seq
	}
	return p, nil
}

// Consistent reports whether a projection agrees with the stored run row
// on the fields replay can reconstruct.
func (p Projection) Consistent(run model.Run) bool {
	return p.RunID == run.ID &&
		p.Status == run.Status &&
		p.StageIndex == run.StageIndex &&
		p.LastCode == run.LastCode
}
