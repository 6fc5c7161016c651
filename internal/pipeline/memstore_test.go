package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/integrity"
	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// memStore is an in-memory pipeline.Store with the same guard and sequence
// semantics as the Postgres implementation.
type memStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]model.Run
	events map[uuid.UUID][]model.PipelineEvent
}

func newMemStore() *memStore {
	return &memStore{
		runs:   make(map[uuid.UUID]model.Run),
		events: make(map[uuid.UUID][]model.PipelineEvent),
	}
}

func (m *memStore) CreateRun(_ context.Context, run model.Run, started storage.EventInput) (model.Run, model.PipelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	run.Status = model.RunStatusPending
	run.StageIndex = 0
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	m.runs[run.ID] = run
	event := m.appendLocked(run.ID, started)
	return run, event, nil
}

func (m *memStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
	}
	return run, nil
}

func (m *memStore) Transition(_ context.Context, p storage.TransitionParams) ([]model.PipelineEvent, error) {
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("transition requires at least one event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[p.RunID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", storage.ErrNotFound, p.RunID)
	}
	allowed := false
	for _, s := range p.From {
		if run.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &storage.StatusConflictError{Current: run.Status}
	}

	run.Status = p.To
	if p.StageIndex != nil {
		run.StageIndex = *p.StageIndex
	}
	if p.Context != nil {
		run.Context = p.Context
	}
	if p.LastCode != "" {
		run.LastCode = p.LastCode
		run.LastMessage = p.LastMessage
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[p.RunID] = run

	events := make([]model.PipelineEvent, 0, len(p.Events))
	for _, in := range p.Events {
		events = append(events, m.appendLocked(p.RunID, in))
	}
	return events, nil
}

func (m *memStore) AppendStaleEvent(_ context.Context, runID uuid.UUID, in storage.EventInput) (model.PipelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return model.PipelineEvent{}, fmt.Errorf("%w: run %s", storage.ErrNotFound, runID)
	}
	return m.appendLocked(runID, in), nil
}

func (m *memStore) ListRunsByStatus(_ context.Context, status model.RunStatus) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []model.Run
	for _, run := range m.runs {
		if run.Status == status {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (m *memStore) ListStaleRuns(_ context.Context, cutoff time.Time) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []model.Run
	for _, run := range m.runs {
		switch run.Status {
		case model.RunStatusPending, model.RunStatusRunning:
			if run.UpdatedAt.Before(cutoff) {
				runs = append(runs, run)
			}
		}
	}
	return runs, nil
}

func (m *memStore) appendLocked(runID uuid.UUID, in storage.EventInput) model.PipelineEvent {
	event := model.PipelineEvent{
		ID:         uuid.New(),
		RunID:      runID,
		Seq:        int64(len(m.events[runID]) + 1),
		Eye:        in.Eye,
		EventType:  in.EventType,
		Code:       in.Code,
		MD:         in.MD,
		Data:       in.Data,
		NextAction: in.NextAction,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	event.ContentHash = integrity.ComputeEventHash(event)
	m.events[runID] = append(m.events[runID], event)
	return event
}

// eventsFor returns a copy of a run's event log in sequence order.
func (m *memStore) eventsFor(runID uuid.UUID) []model.PipelineEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]model.PipelineEvent, len(m.events[runID]))
	copy(events, m.events[runID])
	return events
}

// age rewinds a run's updated_at so the watchdog sees it as stale.
func (m *memStore) age(runID uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[runID]
	run.UpdatedAt = run.UpdatedAt.Add(-by)
	m.runs[runID] = run
}
