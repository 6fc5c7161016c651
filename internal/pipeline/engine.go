package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/clarify"
	"github.com/metsuke-ai/metsuke/internal/envelope"
	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// ContextKeyClarificationAnswer is the run context key carrying the
// caller's clarification answer into every later stage payload.
const ContextKeyClarificationAnswer = "clarification_answer"

type stageOutcome int

const (
	// stageAdvanced means the stage passed and the run moved forward.
	stageAdvanced stageOutcome = iota
	// stageSuspended means the executor must stop without a terminal
	// decision: the run is parked awaiting clarification, or the executor
	// context was cancelled and another writer owns the final transition.
	stageSuspended
	// stageHalted means the run reached a terminal status.
	stageHalted
)

// runStages drives a run from its current stage index to a terminal status
// or a suspension point. The registry snapshot is pinned once on entry so a
// concurrent persona or routing change never affects stages already in
// flight.
func (s *Supervisor) runStages(ctx context.Context, run model.Run) {
	snap := s.registry.Current()
	logger := s.logger.With("run_id", run.ID, "registry_version", snap.Version())

	for run.StageIndex < len(run.Stages) {
		switch s.executeStage(ctx, &run, snap, logger) {
		case stageAdvanced:
			continue
		case stageSuspended, stageHalted:
			return
		}
	}
}

// executeStage runs the Eye at the run's current stage index: resolve the
// persona and route, invoke the provider under the retry budget, validate
// the envelope, and apply exactly one guarded transition per decision.
func (s *Supervisor) executeStage(ctx context.Context, run *model.Run, snap *registry.Snapshot, logger *slog.Logger) stageOutcome {
	eye := run.CurrentStage()
	logger = logger.With("eye", eye, "stage_index", run.StageIndex)

	res, err := snap.Resolve(eye, run.SessionID)
	if err != nil {
		logger.Warn("stage resolution failed", "error", err)
		return s.failRun(ctx, run, &eye, resolutionCode(err), err.Error(), nil)
	}

	prov, err := s.providers.Get(res.Provider)
	if err != nil {
		logger.Warn("routing names unregistered provider", "provider", res.Provider)
		return s.failRun(ctx, run, &eye, model.CodeNoRoute, err.Error(), nil)
	}

	started := storage.EventInput{
		Eye:       &eye,
		EventType: model.EventStageStarted,
		MD:        string(eye) + " started",
		Data: map[string]any{
			"provider":        res.Provider,
			"model":           res.Model,
			"persona_version": res.PersonaVersion,
			"strictness":      res.Profile.Name,
		},
		NextAction: model.NextActionNone,
	}
	err = s.transition(ctx, storage.TransitionParams{
		RunID:  run.ID,
		From:   []model.RunStatus{model.RunStatusPending, model.RunStatusRunning},
		To:     model.RunStatusRunning,
		Events: []storage.EventInput{started},
	})
	if err != nil {
		return s.transitionLost(ctx, err, logger, "stage start")
	}
	run.Status = model.RunStatusRunning

	req := provider.InvokeRequest{
		Eye:     eye,
		Persona: res.PersonaContent,
		Model:   res.Model,
		Payload: buildPayload(run, res.Profile.AmbiguityThreshold),
		Timeout: res.Profile.InvokeTimeout,
	}

	budget := res.Profile.RetryBudget
	if budget < 1 {
		budget = 1
	}

	var lastCode model.Code
	var lastMsg string
	for attempt := 1; attempt <= budget; attempt++ {
		start := time.Now()
		raw, err := s.invoke(ctx, prov, req, run.ID, eye, attempt)
		if ctx.Err() != nil {
			// Cancellation or timeout already owns the run's terminal
			// transition; the in-flight response is recorded as stale.
			return stageSuspended
		}
		elapsed := time.Since(start)

		if err != nil {
			lastCode, lastMsg = model.CodeProviderUnavailable, err.Error()
			logger.Warn("provider invocation failed", "attempt", attempt, "error", err)
		} else {
			env, perr := envelope.Parse(eye, raw)
			switch {
			case perr != nil:
				lastCode, lastMsg = model.CodeMalformedEnvelope, perr.Error()
				logger.Warn("envelope rejected", "attempt", attempt, "error", perr)
			case !env.OK && env.Code == model.CodeNeedsClarification:
				cr, cerr := clarify.Extract(env)
				if cerr != nil {
					lastCode, lastMsg = model.CodeMalformedEnvelope, cerr.Error()
					logger.Warn("clarification data rejected", "attempt", attempt, "error", cerr)
					break
				}
				s.metrics.recordStage(ctx, eye, elapsed.Milliseconds(), "clarification")
				return s.suspendForClarification(ctx, run, eye, env, cr, res.Profile, logger)
			case !env.OK:
				s.metrics.recordStage(ctx, eye, elapsed.Milliseconds(), "rejected")
				return s.rejectRun(ctx, run, eye, env, attempt, elapsed, logger)
			default:
				s.metrics.recordStage(ctx, eye, elapsed.Milliseconds(), "advanced")
				return s.advanceStage(ctx, run, eye, env, attempt, elapsed, logger)
			}
		}

		if attempt == budget {
			break
		}
		s.metrics.providerRetries.Add(ctx, 1)
		retried := storage.EventInput{
			Eye:        &eye,
			EventType:  model.EventStageRetried,
			Code:       lastCode,
			MD:         lastMsg,
			Data:       map[string]any{"attempt": attempt, "budget": budget},
			NextAction: model.NextActionRetry,
		}
		err = s.transition(ctx, storage.TransitionParams{
			RunID:       run.ID,
			From:        []model.RunStatus{model.RunStatusRunning},
			To:          model.RunStatusRunning,
			LastCode:    lastCode,
			LastMessage: lastMsg,
			Events:      []storage.EventInput{retried},
		})
		if err != nil {
			return s.transitionLost(ctx, err, logger, "stage retry")
		}
		if !sleepCtx(ctx, s.cfg.RetryBaseDelay*time.Duration(attempt)) {
			return stageSuspended
		}
	}

	logger.Warn("retry budget exhausted", "code", lastCode, "budget", budget)
	return s.failRun(ctx, run, &eye, lastCode, lastMsg, map[string]any{"attempts": budget})
}

// advanceStage accumulates the Eye's output into the run context and moves
// to the next stage. The final stage's advance and the run completion share
// one transaction so there is no observable window where every stage passed
// but the run is still running.
func (s *Supervisor) advanceStage(ctx context.Context, run *model.Run, eye model.Eye, env *model.Envelope, attempt int, elapsed time.Duration, logger *slog.Logger) stageOutcome {
	next := run.StageIndex + 1
	newCtx := cloneContext(run.Context)
	if len(env.Data) > 0 {
		newCtx[string(eye)] = env.Data
	}

	events := []storage.EventInput{stageCompletedInput(eye, env, attempt, elapsed, model.NextActionAdvance)}
	to := model.RunStatusRunning
	if next == len(run.Stages) {
		to = model.RunStatusCompleted
		events = append(events, storage.EventInput{
			EventType:  model.EventRunCompleted,
			Code:       model.CodeOK,
			MD:         "all stages passed",
			Data:       map[string]any{"stages": len(run.Stages)},
			NextAction: model.NextActionNone,
		})
	}

	err := s.transition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		From:        []model.RunStatus{model.RunStatusRunning},
		To:          to,
		StageIndex:  &next,
		Context:     newCtx,
		LastCode:    env.Code,
		LastMessage: env.MD,
		Events:      events,
	})
	if err != nil {
		return s.transitionLost(ctx, err, logger, "stage advance")
	}

	run.StageIndex = next
	run.Context = newCtx
	run.Status = to
	if to == model.RunStatusCompleted {
		s.metrics.runsCompleted.Add(ctx, 1)
		logger.Info("run completed", "stages", len(run.Stages))
		return stageHalted
	}
	return stageAdvanced
}

// suspendForClarification parks the run until a caller answers.
func (s *Supervisor) suspendForClarification(ctx context.Context, run *model.Run, eye model.Eye, env *model.Envelope, cr clarify.Result, profile model.StrictnessProfile, logger *slog.Logger) stageOutcome {
	requested := storage.EventInput{
		Eye:       &eye,
		EventType: model.EventClarificationRequested,
		Code:      model.CodeNeedsClarification,
		MD:        env.MD,
		Data: map[string]any{
			"questions":       cr.Questions,
			"score":           cr.AmbiguityScore,
			"is_code_related": cr.IsCodeRelated,
			"questions_md":    cr.QuestionsMD,
			"threshold":       profile.AmbiguityThreshold,
		},
		NextAction: model.NextActionAwaitInput,
	}
	err := s.transition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		From:        []model.RunStatus{model.RunStatusRunning},
		To:          model.RunStatusAwaitingClarification,
		LastCode:    model.CodeNeedsClarification,
		LastMessage: env.MD,
		Events:      []storage.EventInput{requested},
	})
	if err != nil {
		return s.transitionLost(ctx, err, logger, "clarification park")
	}
	logger.Info("run awaiting clarification", "questions", len(cr.Questions), "score", cr.AmbiguityScore)
	return stageSuspended
}

// rejectRun fails the run with the Eye's verdict surfaced verbatim.
func (s *Supervisor) rejectRun(ctx context.Context, run *model.Run, eye model.Eye, env *model.Envelope, attempt int, elapsed time.Duration, logger *slog.Logger) stageOutcome {
	completed := stageCompletedInput(eye, env, attempt, elapsed, model.NextActionHalt)
	logger.Info("run rejected", "code", env.Code)
	return s.failRun(ctx, run, &eye, env.Code, env.MD, nil, completed)
}

// failRun applies the terminal failed transition with a run-failed event,
// preceded by any stage-level events the caller wants in the same
// transaction.
func (s *Supervisor) failRun(ctx context.Context, run *model.Run, eye *model.Eye, code model.Code, msg string, data map[string]any, before ...storage.EventInput) stageOutcome {
	if data == nil {
		data = map[string]any{}
	}
	if eye != nil {
		data["eye"] = string(*eye)
	}
	events := append(before, storage.EventInput{
		EventType:  model.EventRunFailed,
		Code:       code,
		MD:         msg,
		Data:       data,
		NextAction: model.NextActionHalt,
	})
	err := s.transition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		From:        nonTerminal,
		To:          model.RunStatusFailed,
		LastCode:    code,
		LastMessage: msg,
		Events:      events,
	})
	if err != nil {
		return s.transitionLost(ctx, err, s.logger.With("run_id", run.ID), "run failure")
	}
	run.Status = model.RunStatusFailed
	s.metrics.runsFailed.Add(ctx, 1)
	return stageHalted
}

// transitionLost classifies a failed transition: a status conflict means
// another writer (cancel, timeout) won and the executor simply stands down;
// anything else is logged and halts the executor, leaving the watchdog to
// reap the run if it stays stuck.
func (s *Supervisor) transitionLost(ctx context.Context, err error, logger *slog.Logger, op string) stageOutcome {
	var conflict *storage.StatusConflictError
	if errors.As(err, &conflict) {
		logger.Debug("transition superseded", "op", op, "current_status", conflict.Current)
		return stageHalted
	}
	if ctx.Err() != nil {
		return stageSuspended
	}
	logger.Error("transition failed", "op", op, "error", err)
	return stageHalted
}

type invokeResult struct {
	raw []byte
	err error
}

// invoke calls the provider with the per-call deadline from the strictness
// profile. The call context is detached from the executor context so a run
// cancellation does not tear down the HTTP exchange mid-flight; instead the
// executor stops waiting and the eventual response is appended to the audit
// log as a stale event.
func (s *Supervisor) invoke(ctx context.Context, prov provider.Provider, req provider.InvokeRequest, runID uuid.UUID, eye model.Eye, attempt int) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout)

	ch := make(chan invokeResult, 1)
	go func() {
		defer cancel()
		raw, err := prov.Invoke(callCtx, req)
		ch <- invokeResult{raw: raw, err: err}
	}()

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		s.wg.Add(1)
		go s.recordStale(runID, eye, attempt, ch)
		return nil, ctx.Err()
	}
}

// recordStale waits out the abandoned provider call and appends its outcome
// as a stale-result event. Bounded by the call deadline.
func (s *Supervisor) recordStale(runID uuid.UUID, eye model.Eye, attempt int, ch <-chan invokeResult) {
	defer s.wg.Done()
	r := <-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := map[string]any{"attempt": attempt}
	md := "eye result arrived after run left running state"
	if r.err != nil {
		data["error"] = r.err.Error()
		md = "abandoned eye invocation failed"
	} else if env, perr := envelope.Parse(eye, r.raw); perr == nil {
		data["envelope"] = envelopeAsMap(env)
	}

	event, err := s.store.AppendStaleEvent(ctx, runID, storage.EventInput{
		Eye:        &eye,
		EventType:  model.EventStaleResult,
		MD:         md,
		Data:       data,
		NextAction: model.NextActionNone,
	})
	if err != nil {
		s.logger.Warn("recording stale result failed", "run_id", runID, "eye", eye, "error", err)
		return
	}
	s.notifyHooks(event)
}

func stageCompletedInput(eye model.Eye, env *model.Envelope, attempt int, elapsed time.Duration, nextAction string) storage.EventInput {
	data := map[string]any{
		"envelope":    envelopeAsMap(env),
		"attempt":     attempt,
		"duration_ms": elapsed.Milliseconds(),
	}
	if anomaly := envelopeAnomaly(env); anomaly != "" {
		data["anomaly"] = anomaly
	}
	if env.NonStandardCode {
		data["non_standard_code"] = true
	}
	return storage.EventInput{
		Eye:        &eye,
		EventType:  model.EventStageCompleted,
		Code:       env.Code,
		MD:         env.MD,
		Data:       data,
		NextAction: nextAction,
	}
}

// envelopeAnomaly flags envelopes whose ok flag and code disagree. The ok
// flag stays authoritative; the disagreement is only recorded for audit.
func envelopeAnomaly(env *model.Envelope) string {
	rejection := env.Code != model.CodeOK
	if env.OK == rejection {
		return model.AnomalyOKCodeConflict
	}
	return ""
}

func envelopeAsMap(env *model.Envelope) map[string]any {
	m := map[string]any{
		"eye":  string(env.Eye),
		"ok":   env.OK,
		"code": string(env.Code),
		"md":   env.MD,
		"ts":   env.TS.UTC().Format(time.RFC3339Nano),
	}
	if len(env.Data) > 0 {
		m["data"] = env.Data
	}
	if env.ToolVersion != "" {
		m["toolVersion"] = env.ToolVersion
	}
	return m
}

// buildPayload assembles the user-message payload for one invocation: the
// original input, every prior stage's accumulated output keyed by Eye id,
// the clarification answer when one was given, and the ambiguity threshold
// the Eye should judge against.
func buildPayload(run *model.Run, threshold float64) map[string]any {
	payload := make(map[string]any, len(run.Context)+2)
	for k, v := range run.Context {
		payload[k] = v
	}
	payload["input"] = run.Input
	payload["ambiguity_threshold"] = threshold
	return payload
}

func cloneContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func resolutionCode(err error) model.Code {
	switch {
	case errors.Is(err, registry.ErrNoActivePersona):
		return model.CodeNoActivePersona
	case errors.Is(err, registry.ErrUnknownEye):
		return model.CodeUnknownEye
	default:
		return model.CodeNoRoute
	}
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
