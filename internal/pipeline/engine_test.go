package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
	"github.com/metsuke-ai/metsuke/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource serves registry state from memory.
type fakeSource struct {
	personas []model.Persona
	rules    []model.RoutingRule
	profiles []model.StrictnessProfile
}

func (f *fakeSource) ListActivePersonas(context.Context) ([]model.Persona, error) {
	return f.personas, nil
}

func (f *fakeSource) ListRoutingRules(context.Context) ([]model.RoutingRule, error) {
	return f.rules, nil
}

func (f *fakeSource) ListStrictnessProfiles(context.Context) ([]model.StrictnessProfile, error) {
	return f.profiles, nil
}

// seededSource routes every Eye to the named provider with an active persona.
func seededSource(providerName string) *fakeSource {
	src := &fakeSource{}
	for i, eye := range model.EyeCatalog {
		src.personas = append(src.personas, model.Persona{
			ID: uuid.New(), Eye: eye, Version: i + 1,
			Content: "persona for " + string(eye), Active: true,
		})
		src.rules = append(src.rules, model.RoutingRule{
			ID: uuid.New(), Eye: eye,
			Provider: providerName, Model: "canned", Strictness: model.StrictnessStandard,
		})
	}
	return src
}

// fnProvider delegates invocations to a closure.
type fnProvider struct {
	name string
	fn   func(req provider.InvokeRequest) ([]byte, error)
}

func (p *fnProvider) Name() string { return p.name }

func (p *fnProvider) Invoke(_ context.Context, req provider.InvokeRequest) ([]byte, error) {
	return p.fn(req)
}

// gateProvider blocks every invocation until released.
type gateProvider struct {
	started chan struct{}
	release chan struct{}
}

func newGateProvider() *gateProvider {
	return &gateProvider{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gateProvider) Name() string { return "gate" }

func (g *gateProvider) Invoke(ctx context.Context, req provider.InvokeRequest) ([]byte, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return okEnvelope(req.Eye), nil
	case <-ctx.Done():
		return nil, &provider.TransportError{Provider: "gate", Err: ctx.Err()}
	}
}

func okEnvelope(eye model.Eye) []byte {
	raw, _ := json.Marshal(map[string]any{
		"eye":  string(eye),
		"ok":   true,
		"code": "OK",
		"md":   fmt.Sprintf("%s passed", eye),
		"data": map[string]any{"summary": "ok"},
		"ts":   time.Now().UTC().Format(time.RFC3339),
	})
	return raw
}

func newSupervisor(t *testing.T, store pipeline.Store, src registry.Source, cfg pipeline.Config, providers ...provider.Provider) *pipeline.Supervisor {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	reg := registry.New(src, testutil.TestLogger())
	require.NoError(t, reg.Reload(context.Background()))

	sup := pipeline.New(store, reg, provider.NewRegistry(providers...), testutil.TestLogger(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sup.Shutdown(ctx))
	})
	return sup
}

func waitStatus(t *testing.T, store *memStore, id uuid.UUID, want model.RunStatus) model.Run {
	t.Helper()
	var run model.Run
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", want)
	return run
}

func eventTypes(events []model.PipelineEvent) []model.EventType {
	types := make([]model.EventType, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func countType(events []model.PipelineEvent, et model.EventType) int {
	n := 0
	for _, e := range events {
		if e.EventType == et {
			n++
		}
	}
	return n
}

func findEvent(events []model.PipelineEvent, et model.EventType) (model.PipelineEvent, bool) {
	for _, e := range events {
		if e.EventType == et {
			return e, true
		}
	}
	return model.PipelineEvent{}, false
}

func TestRun_AllStagesPass(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "summarize the design doc"})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, created.Status)
	assert.Len(t, created.Stages, len(model.EyeCatalog))

	run := waitStatus(t, store, created.ID, model.RunStatusCompleted)
	assert.Equal(t, len(model.EyeCatalog), run.StageIndex)
	assert.Equal(t, model.CodeOK, run.LastCode)
	for _, eye := range model.EyeCatalog {
		assert.Contains(t, run.Context, string(eye))
	}

	events := store.eventsFor(run.ID)
	assert.Equal(t, model.EventRunStarted, events[0].EventType)
	assert.Equal(t, model.EventRunCompleted, events[len(events)-1].EventType)
	assert.Equal(t, len(model.EyeCatalog), countType(events, model.EventStageStarted))
	assert.Equal(t, len(model.EyeCatalog), countType(events, model.EventStageCompleted))
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestRun_ClarificationLoop(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "do something [clarify] with the repo"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusAwaitingClarification)
	assert.Equal(t, model.CodeNeedsClarification, run.LastCode)
	assert.Equal(t, 0, run.StageIndex)

	events := store.eventsFor(run.ID)
	requested, ok := findEvent(events, model.EventClarificationRequested)
	require.True(t, ok)
	assert.Equal(t, model.NextActionAwaitInput, requested.NextAction)
	questions, ok := requested.Data["questions"].([]string)
	require.True(t, ok)
	assert.Len(t, questions, 2)

	// Answering while parked resumes the same stage with the answer merged
	// into the payload, and the static provider then lets it pass.
	resumed, err := sup.SubmitClarification(context.Background(), run.ID, "target repo is metsuke, no deadline")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, resumed.Status)

	run = waitStatus(t, store, created.ID, model.RunStatusCompleted)
	assert.Equal(t, "target repo is metsuke, no deadline", run.Context[pipeline.ContextKeyClarificationAnswer])

	events = store.eventsFor(run.ID)
	assert.Equal(t, 1, countType(events, model.EventClarificationResolved))
	// The interrupted first stage re-enters, so it starts twice.
	assert.Equal(t, len(model.EyeCatalog)+1, countType(events, model.EventStageStarted))
}

func TestRun_Rejection(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "merge this [reject] immediately"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusFailed)
	assert.Equal(t, model.CodeRejected, run.LastCode)
	assert.Equal(t, "review found blocking defects", run.LastMessage)
	// Failed at code-reviewer; the four stages before it advanced.
	assert.Equal(t, 4, run.StageIndex)

	events := store.eventsFor(run.ID)
	failedEvent := events[len(events)-1]
	assert.Equal(t, model.EventRunFailed, failedEvent.EventType)
	assert.Equal(t, model.CodeRejected, failedEvent.Code)

	// The rejecting verdict is recorded in the same transaction, halting.
	verdict := events[len(events)-2]
	assert.Equal(t, model.EventStageCompleted, verdict.EventType)
	assert.Equal(t, model.NextActionHalt, verdict.NextAction)
	require.NotNil(t, verdict.Eye)
	assert.Equal(t, model.EyeCodeReviewer, *verdict.Eye)
}

func TestRun_TransportRetryThenSuccess(t *testing.T) {
	var calls atomic.Int64
	flaky := &fnProvider{name: "flaky", fn: func(req provider.InvokeRequest) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, &provider.TransportError{Provider: "flaky", Err: fmt.Errorf("connection reset")}
		}
		return okEnvelope(req.Eye), nil
	}}
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("flaky"), pipeline.Config{}, flaky)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusCompleted)
	events := store.eventsFor(run.ID)
	assert.Equal(t, 1, countType(events, model.EventStageRetried))
	retried, _ := findEvent(events, model.EventStageRetried)
	assert.Equal(t, model.CodeProviderUnavailable, retried.Code)
	assert.Equal(t, model.NextActionRetry, retried.NextAction)
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	down := &fnProvider{name: "down", fn: func(provider.InvokeRequest) ([]byte, error) {
		return nil, &provider.TransportError{Provider: "down", Err: fmt.Errorf("dial tcp: refused")}
	}}
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("down"), pipeline.Config{}, down)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusFailed)
	assert.Equal(t, model.CodeProviderUnavailable, run.LastCode)
	assert.Equal(t, 0, run.StageIndex)

	// Standard strictness allows two attempts total: one retry, then failure.
	assert.Equal(t, []model.EventType{
		model.EventRunStarted,
		model.EventStageStarted,
		model.EventStageRetried,
		model.EventRunFailed,
	}, eventTypes(store.eventsFor(run.ID)))
}

func TestRun_MalformedEnvelopeExhaustsBudget(t *testing.T) {
	garbled := &fnProvider{name: "garbled", fn: func(provider.InvokeRequest) ([]byte, error) {
		return []byte("sorry, I cannot produce JSON today"), nil
	}}
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("garbled"), pipeline.Config{}, garbled)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusFailed)
	assert.Equal(t, model.CodeMalformedEnvelope, run.LastCode)

	retried, ok := findEvent(store.eventsFor(run.ID), model.EventStageRetried)
	require.True(t, ok)
	assert.Equal(t, model.CodeMalformedEnvelope, retried.Code)
}

func TestRun_OKCodeConflictRecordedAsAnomaly(t *testing.T) {
	conflicted := &fnProvider{name: "odd", fn: func(req provider.InvokeRequest) ([]byte, error) {
		if req.Eye == model.EyeAmbiguityCheck {
			raw, _ := json.Marshal(map[string]any{
				"eye":  string(req.Eye),
				"ok":   true,
				"code": "E_REJECTED",
				"md":   "contradictory verdict",
				"ts":   time.Now().UTC().Format(time.RFC3339),
			})
			return raw, nil
		}
		return okEnvelope(req.Eye), nil
	}}
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("odd"), pipeline.Config{}, conflicted)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	// ok=true is authoritative: the run advances despite the rejection code.
	run := waitStatus(t, store, created.ID, model.RunStatusCompleted)
	events := store.eventsFor(run.ID)
	first, ok := findEvent(events, model.EventStageCompleted)
	require.True(t, ok)
	assert.Equal(t, model.AnomalyOKCodeConflict, first.Data["anomaly"])
	assert.Equal(t, model.CodeRejected, first.Code)
}

func TestRun_NoActivePersonaFailsRun(t *testing.T) {
	src := seededSource("static")
	src.personas = src.personas[1:] // drop ambiguity-check's persona
	store := newMemStore()
	sup := newSupervisor(t, store, src, pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusFailed)
	assert.Equal(t, model.CodeNoActivePersona, run.LastCode)
}

func TestRun_NoRouteFailsRun(t *testing.T) {
	src := seededSource("static")
	src.rules = nil
	store := newMemStore()
	sup := newSupervisor(t, store, src, pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	run := waitStatus(t, store, created.ID, model.RunStatusFailed)
	assert.Equal(t, model.CodeNoRoute, run.LastCode)
}

func TestCancelRun_RecordsStaleResult(t *testing.T) {
	gate := newGateProvider()
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("gate"), pipeline.Config{}, gate)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)

	// Wait until the provider call is in flight, then cancel under it.
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never invoked")
	}
	cancelled, err := sup.CancelRun(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, model.CodeRunCancelled, cancelled.LastCode)

	// Releasing the provider after cancellation produces a late result,
	// which lands in the audit log without touching run state.
	close(gate.release)
	require.Eventually(t, func() bool {
		_, ok := findEvent(store.eventsFor(created.ID), model.EventStaleResult)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	run, err := store.GetRun(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestCancelRun_WhileAwaitingClarification(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "do something [clarify] with the repo"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusAwaitingClarification)

	cancelled, err := sup.CancelRun(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, model.CodeRunCancelled, cancelled.LastCode)

	// The parked stage never resumes: the cancellation event closes the log
	// and no further stage starts.
	events := store.eventsFor(created.ID)
	assert.Equal(t, model.EventRunCancelled, events[len(events)-1].EventType)
	assert.Equal(t, 1, countType(events, model.EventStageStarted))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, store.eventsFor(created.ID), len(events))

	_, err = sup.SubmitClarification(context.Background(), created.ID, "too late")
	assert.ErrorIs(t, err, pipeline.ErrRunTerminal)
}

func TestCancelRun_TerminalRunRejected(t *testing.T) {
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusCompleted)

	_, err = sup.CancelRun(context.Background(), created.ID)
	assert.ErrorIs(t, err, pipeline.ErrRunTerminal)

	_, err = sup.SubmitClarification(context.Background(), created.ID, "too late")
	assert.ErrorIs(t, err, pipeline.ErrRunTerminal)
}

func TestSubmitClarification_NotAwaiting(t *testing.T) {
	gate := newGateProvider()
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("gate"), pipeline.Config{}, gate)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never invoked")
	}

	_, err = sup.SubmitClarification(context.Background(), created.ID, "unsolicited answer")
	assert.ErrorIs(t, err, pipeline.ErrNotAwaiting)

	close(gate.release)
	waitStatus(t, store, created.ID, model.RunStatusCompleted)
}

func TestSubmitClarification_WaitsForExecutorRelease(t *testing.T) {
	store := newMemStore()
	src := seededSource("static")
	reg := registry.New(src, testutil.TestLogger())
	require.NoError(t, reg.Reload(context.Background()))

	// Hold the parking executor inside its post-commit hook so it is still
	// registered when the answer arrives. The resume must wait out the old
	// executor instead of leaving the run running with no executor.
	holdParked := make(chan struct{})
	hook := func(e model.PipelineEvent) {
		if e.EventType == model.EventClarificationRequested {
			<-holdParked
		}
	}
	sup := pipeline.New(store, reg, provider.NewRegistry(provider.NewStaticProvider("")),
		testutil.TestLogger(), pipeline.Config{RetryBaseDelay: time.Millisecond}, hook)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sup.Shutdown(ctx))
	})

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "do something [clarify] with the repo"})
	require.NoError(t, err)
	waitStatus(t, store, created.ID, model.RunStatusAwaitingClarification)
	assert.Equal(t, 1, sup.ActiveExecutors())

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(holdParked)
	}()
	resumed, err := sup.SubmitClarification(context.Background(), created.ID, "target repo is metsuke")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, resumed.Status)

	run := waitStatus(t, store, created.ID, model.RunStatusCompleted)
	assert.Equal(t, len(model.EyeCatalog), run.StageIndex)
	events := store.eventsFor(created.ID)
	assert.Equal(t, len(model.EyeCatalog)+1, countType(events, model.EventStageStarted))
}

func TestConcurrencyLimit_QueuesExcessRuns(t *testing.T) {
	gate := newGateProvider()
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("gate"), pipeline.Config{MaxConcurrentRuns: 1}, gate)

	first, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "first"})
	require.NoError(t, err)
	second, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "second"})
	require.NoError(t, err)

	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never invoked")
	}
	// The second run is queued behind the semaphore: accepted and durable
	// but not yet executing.
	run, err := store.GetRun(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	close(gate.release)
	waitStatus(t, store, first.ID, model.RunStatusCompleted)
	waitStatus(t, store, second.ID, model.RunStatusCompleted)
}

func TestWatchdog_FailsStaleRuns(t *testing.T) {
	gate := newGateProvider()
	store := newMemStore()
	sup := newSupervisor(t, store, seededSource("gate"), pipeline.Config{RunTimeout: time.Minute}, gate)

	created, err := sup.StartRun(context.Background(), model.StartRunRequest{Input: "hello"})
	require.NoError(t, err)
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never invoked")
	}

	store.age(created.ID, 2*time.Minute)
	swept, err := sup.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	run, err := store.GetRun(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.CodeRunTimeout, run.LastCode)

	close(gate.release)
	require.Eventually(t, func() bool {
		_, ok := findEvent(store.eventsFor(created.ID), model.EventStaleResult)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRecover_ResumesInterruptedRuns(t *testing.T) {
	store := newMemStore()

	// A run left pending by a previous process: durable, no executor.
	orphan := model.Run{
		ID:         uuid.New(),
		SessionID:  uuid.New(),
		Stages:     model.DefaultStages(),
		Strictness: model.StrictnessStandard,
		Input:      "finish what the old process started",
	}
	_, _, err := store.CreateRun(context.Background(), orphan, storage.EventInput{
		EventType:  model.EventRunStarted,
		MD:         "run accepted",
		NextAction: model.NextActionNone,
	})
	require.NoError(t, err)

	sup := newSupervisor(t, store, seededSource("static"), pipeline.Config{}, provider.NewStaticProvider(""))
	require.NoError(t, sup.Recover(context.Background()))

	run := waitStatus(t, store, orphan.ID, model.RunStatusCompleted)
	assert.Equal(t, len(model.EyeCatalog), run.StageIndex)
}
