package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// Config tunes the supervisor.
type Config struct {
	// MaxConcurrentRuns bounds simultaneously executing runs; further runs
	// queue in pending status until a slot frees.
	MaxConcurrentRuns int64
	// RunTimeout is the overall deadline after which the watchdog fails a
	// run that stopped making progress.
	RunTimeout time.Duration
	// RetryBaseDelay is the pause before attempt n+1, scaled by n.
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 32
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	return c
}

// EventHook observes every event the supervisor appends through its own
// transitions. Called synchronously after commit; keep it fast.
type EventHook func(event model.PipelineEvent)

// Supervisor owns run execution: it admits runs through a concurrency
// semaphore, runs one executor goroutine per active run, and is the only
// component that applies run transitions while a run is live in this
// process.
type Supervisor struct {
	store     Store
	registry  *registry.Registry
	providers *provider.Registry
	logger    *slog.Logger
	metrics   *metrics
	cfg       Config
	hooks     []EventHook

	sem *semaphore.Weighted

	mu    sync.Mutex
	execs map[uuid.UUID]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a supervisor. Call Shutdown to stop executors and wait for
// them to drain.
func New(store Store, reg *registry.Registry, providers *provider.Registry, logger *slog.Logger, cfg Config, hooks ...EventHook) *Supervisor {
	cfg = cfg.withDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		store:     store,
		registry:  reg,
		providers: providers,
		logger:    logger.With("component", "pipeline"),
		metrics:   newMetrics(),
		cfg:       cfg,
		hooks:     hooks,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		execs:     make(map[uuid.UUID]context.CancelFunc),
		baseCtx:   baseCtx,
		stop:      stop,
	}
}

// StartRun creates a run in pending status and hands it to an executor.
// The executor may still be queued behind the concurrency limit when this
// returns; the run-started event is already durable either way.
func (s *Supervisor) StartRun(ctx context.Context, req model.StartRunRequest) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, fmt.Errorf("pipeline: start run: %w", err)
	}

	sessionID := uuid.New()
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}
	strictness := req.Strictness
	if strictness == "" {
		strictness = model.StrictnessStandard
	}

	run := model.Run{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Stages:     model.DefaultStages(),
		Strictness: strictness,
		Input:      req.Input,
		Context:    map[string]any{},
	}
	started := storage.EventInput{
		EventType: model.EventRunStarted,
		MD:        "run accepted",
		Data: map[string]any{
			"stages":     stageNames(run.Stages),
			"strictness": strictness,
			"session_id": sessionID.String(),
		},
		NextAction: model.NextActionNone,
	}

	created, event, err := s.store.CreateRun(ctx, run, started)
	if err != nil {
		return model.Run{}, err
	}
	s.notifyHooks(event)
	s.metrics.runsStarted.Add(ctx, 1)
	s.logger.Info("run accepted",
		"run_id", created.ID, "session_id", sessionID, "strictness", strictness)

	if err := s.launch(created); err != nil {
		// Only reachable on an in-process id collision; the run stays
		// pending and recovery or the watchdog will pick it up.
		s.logger.Error("executor launch failed", "run_id", created.ID, "error", err)
	}
	return created, nil
}

// SubmitClarification resumes a parked run with the caller's answer. The
// answer is merged into the run context and the current stage re-executes
// with a fresh attempt counter.
func (s *Supervisor) SubmitClarification(ctx context.Context, runID uuid.UUID, answer string) (model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.Terminal() {
		return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, run.Status)
	}
	if run.Status != model.RunStatusAwaitingClarification {
		return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrNotAwaiting, runID, run.Status)
	}

	eye := run.CurrentStage()
	newCtx := cloneContext(run.Context)
	newCtx[ContextKeyClarificationAnswer] = answer

	events, err := s.store.Transition(ctx, storage.TransitionParams{
		RunID:   runID,
		From:    []model.RunStatus{model.RunStatusAwaitingClarification},
		To:      model.RunStatusRunning,
		Context: newCtx,
		Events: []storage.EventInput{{
			Eye:        &eye,
			EventType:  model.EventClarificationResolved,
			MD:         "clarification answered",
			Data:       map[string]any{"answer": answer},
			NextAction: model.NextActionNone,
		}},
	})
	if err != nil {
		if current, ok := storage.IsStatusConflict(err); ok {
			if current.Terminal() {
				return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, current)
			}
			return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrNotAwaiting, runID, current)
		}
		return model.Run{}, err
	}
	s.notifyHooks(events...)

	run.Status = model.RunStatusRunning
	run.Context = newCtx
	s.logger.Info("clarification resolved", "run_id", runID, "eye", eye)

	if err := s.relaunch(run); err != nil {
		s.logger.Error("executor launch failed", "run_id", runID, "error", err)
	}
	return run, nil
}

// CancelRun moves a non-terminal run to cancelled and tears down its
// executor. Idempotent against already-terminal runs only in the sense
// that the caller gets ErrRunTerminal rather than a second transition.
func (s *Supervisor) CancelRun(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	events, err := s.store.Transition(ctx, storage.TransitionParams{
		RunID:       runID,
		From:        nonTerminal,
		To:          model.RunStatusCancelled,
		LastCode:    model.CodeRunCancelled,
		LastMessage: "cancelled by caller",
		Events: []storage.EventInput{{
			EventType:  model.EventRunCancelled,
			Code:       model.CodeRunCancelled,
			MD:         "cancelled by caller",
			NextAction: model.NextActionHalt,
		}},
	})
	if err != nil {
		if current, ok := storage.IsStatusConflict(err); ok {
			return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, current)
		}
		return model.Run{}, err
	}
	s.notifyHooks(events...)

	s.abort(runID)
	s.metrics.runsCancelled.Add(ctx, 1)
	s.logger.Info("run cancelled", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// Recover resumes runs interrupted by a process restart: pending and
// running runs get fresh executors picking up at their stored stage index;
// awaiting_clarification runs stay parked. Call once at startup, before
// serving traffic.
func (s *Supervisor) Recover(ctx context.Context) error {
	resumed := 0
	for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusPending} {
		runs, err := s.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("pipeline: recover %s runs: %w", status, err)
		}
		for _, run := range runs {
			if err := s.launch(run); err != nil {
				continue // already has an executor
			}
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Info("resumed interrupted runs", "count", resumed)
	}
	return nil
}

// ActiveExecutors returns the number of in-process run executors.
func (s *Supervisor) ActiveExecutors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}

// Shutdown cancels every executor and waits for them to drain, bounded by
// ctx. Interrupted runs stay in their stored status for the next process
// to recover.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: shutdown: %w", ctx.Err())
	}
}

// launch registers and starts one executor goroutine for the run.
func (s *Supervisor) launch(run model.Run) error {
	execCtx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	if _, exists := s.execs[run.ID]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrExecutorActive, run.ID)
	}
	s.execs[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release(run.ID)

		if err := s.sem.Acquire(execCtx, 1); err != nil {
			return // shutting down while queued
		}
		defer s.sem.Release(1)
		s.runStages(execCtx, run)
	}()
	return nil
}

// relaunch starts an executor for a run resumed in place. The parked
// stage's executor unregisters itself shortly after committing its
// suspension, so a resume landing in that window briefly collides with the
// old registration; wait it out instead of leaving the run for the
// watchdog.
func (s *Supervisor) relaunch(run model.Run) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.launch(run)
		if !errors.Is(err, ErrExecutorActive) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *Supervisor) release(runID uuid.UUID) {
	s.mu.Lock()
	delete(s.execs, runID)
	s.mu.Unlock()
}

// abort cancels the run's executor, if one is live in this process.
func (s *Supervisor) abort(runID uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.execs[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// transition applies one guarded transition and feeds the committed events
// to registered hooks.
func (s *Supervisor) transition(ctx context.Context, p storage.TransitionParams) error {
	events, err := s.store.Transition(ctx, p)
	if err != nil {
		return err
	}
	s.notifyHooks(events...)
	return nil
}

func (s *Supervisor) notifyHooks(events ...model.PipelineEvent) {
	for _, hook := range s.hooks {
		for _, e := range events {
			hook(e)
		}
	}
}

func stageNames(stages []model.Eye) []string {
	names := make([]string, len(stages))
	for i, e := range stages {
		names[i] = string(e)
	}
	return names
}
