package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
)

func TestReplay_RebuildsCompletedRun(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "replay me"})
	require.NoError(t, err)
	run := waitStatus(t, store, created.ID, model.RunStatusCompleted)

	p, err := pipeline.Replay(store.eventsFor(run.ID))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, p.Status)
	assert.Equal(t, len(model.EyeCatalog), p.StageIndex)
	assert.Equal(t, model.CodeOK, p.LastCode)
	assert.True(t, p.Consistent(run))
}

func TestReplay_RebuildsFailedRun(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "ship it [reject]"})
	require.NoError(t, err)
	run := waitStatus(t, store, created.ID, model.RunStatusFailed)

	p, err := pipeline.Replay(store.eventsFor(run.ID))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, p.Status)
	assert.Equal(t, model.CodeRejected, p.LastCode)
	assert.True(t, p.Consistent(run))
}

func TestReplay_RebuildsParkedRun(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "unclear [clarify] request"})
	require.NoError(t, err)
	run := waitStatus(t, store, created.ID, model.RunStatusAwaitingClarification)

	p, err := pipeline.Replay(store.eventsFor(run.ID))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingClarification, p.Status)
	assert.Equal(t, 0, p.StageIndex)
	assert.True(t, p.Consistent(run))
}

func TestReplay_EmptyLog(t *testing.T) {
	_, err := pipeline.Replay(nil)
	assert.Error(t, err)
}

func TestReplay_MustStartWithRunStarted(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hi"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusCompleted)

	events := store.eventsFor(created.ID)
	_, err = pipeline.Replay(events[1:])
	assert.Error(t, err)
}

func TestReplay_DetectsSequenceGap(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hi"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusCompleted)

	events := store.eventsFor(created.ID)
	gapped := append(events[:2:2], events[3:]...)
	_, err = pipeline.Replay(gapped)
	assert.ErrorContains(t, err, "sequence gap")
}

func TestReplay_UnknownEventType(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hi"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusCompleted)

	events := store.eventsFor(created.ID)
	events[1].EventType = "telemetry-blip"
	_, err = pipeline.Replay(events)
	assert.ErrorContains(t, err, "unknown event type")
}
