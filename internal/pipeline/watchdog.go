package pipeline

import (
	"context"
	"time"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// WatchdogLoop periodically fails runs that stopped making progress.
// Protects against a crashed peer's orphans and against providers that
// hang past every per-call deadline.
func (s *Supervisor) WatchdogLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				s.logger.Warn("stale run sweep failed", "error", err)
			}
		}
	}
}

// SweepStale fails every pending or running run whose last update is older
// than the run timeout, and tears down any local executor it still has.
// Returns the number of runs failed.
func (s *Supervisor) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.RunTimeout)
	runs, err := s.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, run := range runs {
		err := s.transition(ctx, storage.TransitionParams{
			RunID:       run.ID,
			From:        nonTerminal,
			To:          model.RunStatusFailed,
			LastCode:    model.CodeRunTimeout,
			LastMessage: "run exceeded the overall timeout",
			Events: []storage.EventInput{{
				EventType:  model.EventRunFailed,
				Code:       model.CodeRunTimeout,
				MD:         "run exceeded the overall timeout",
				Data:       map[string]any{"timeout": s.cfg.RunTimeout.String(), "stalled_at": run.UpdatedAt.UTC().Format(time.RFC3339)},
				NextAction: model.NextActionHalt,
			}},
		})
		if err != nil {
			if _, conflict := storage.IsStatusConflict(err); conflict {
				continue // the run moved on between listing and sweeping
			}
			return failed, err
		}
		s.abort(run.ID)
		s.metrics.runsFailed.Add(ctx, 1)
		s.logger.Warn("run timed out", "run_id", run.ID, "stage_index", run.StageIndex)
		failed++
	}
	return failed, nil
}
