package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// TransitionParams is one atomic mutation of a run plus its audit events.
// The guarded UPDATE takes a row lock on the run, serializing concurrent
// transition attempts on the same run; the loser re-evaluates the guard
// after the winner commits and fails with StatusConflictError. Event append
// and run update succeed or fail together.
type TransitionParams struct {
	RunID       uuid.UUID
	From        []model.RunStatus // statuses the run must currently be in
	To          model.RunStatus
	StageIndex  *int           // nil keeps the current index
	Context     map[string]any // nil keeps the accumulated context
	LastCode    model.Code     // empty keeps the current code
	LastMessage string         // applied only when LastCode is set
	Events      []EventInput   // appended in order; at least one required
}

// EventInput describes one event appended within a transition.
type EventInput struct {
	Eye        *model.Eye
	EventType  model.EventType
	Code       model.Code
	MD         string
	Data       map[string]any
	NextAction string
}

// CreateRun inserts a new run in pending status together with its
// run-started event, in one transaction.
func (db *DB) CreateRun(ctx context.Context, run model.Run, started EventInput) (model.Run, model.PipelineEvent, error) {
	now := time.Now().UTC()
	run.Status = model.RunStatusPending
	run.StageIndex = 0
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Context == nil {
		run.Context = map[string]any{}
	}

	var event model.PipelineEvent
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO runs (id, session_id, stages, stage_index, status, strictness, input, context, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, run.SessionID, run.Stages, run.StageIndex, string(run.Status),
			run.Strictness, run.Input, run.Context, run.CreatedAt, run.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}
		event, err = appendEventTx(ctx, tx, run.ID, started)
		return err
	})
	if err != nil {
		return model.Run{}, model.PipelineEvent{}, err
	}
	return run, event, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	var status string
	var lastCode, lastMessage *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, stages, stage_index, status, strictness, input, context, last_code, last_message, created_at, updated_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.SessionID, &run.Stages, &run.StageIndex, &status,
		&run.Strictness, &run.Input, &run.Context, &lastCode, &lastMessage,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Status = model.RunStatus(status)
	if lastCode != nil {
		run.LastCode = model.Code(*lastCode)
	}
	if lastMessage != nil {
		run.LastMessage = *lastMessage
	}
	return run, nil
}

// Transition applies a guarded status change and appends its audit events
// atomically. Returns the appended events with sequence numbers assigned.
// A pg_notify on ChannelPipelineEvents fires per event on commit.
func (db *DB) Transition(ctx context.Context, p TransitionParams) ([]model.PipelineEvent, error) {
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("storage: transition requires at least one event")
	}
	if len(p.From) == 0 {
		return nil, fmt.Errorf("storage: transition requires a status guard")
	}

	from := make([]string, len(p.From))
	for i, s := range p.From {
		from[i] = string(s)
	}

	events := make([]model.PipelineEvent, 0, len(p.Events))
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET
				status = $2,
				stage_index = COALESCE($3, stage_index),
				context = COALESCE($4, context),
				last_code = COALESCE(NULLIF($5, ''), last_code),
				last_message = CASE WHEN NULLIF($5, '') IS NULL THEN last_message ELSE $6 END,
				updated_at = now()
			 WHERE id = $1 AND status = ANY($7)`,
			p.RunID, string(p.To), p.StageIndex, p.Context,
			string(p.LastCode), p.LastMessage, from,
		)
		if err != nil {
			return fmt.Errorf("storage: transition run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, p.RunID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, p.RunID)
			}
			if err != nil {
				return fmt.Errorf("storage: read run status: %w", err)
			}
			return &StatusConflictError{Current: model.RunStatus(current)}
		}

		for _, in := range p.Events {
			event, err := appendEventTx(ctx, tx, p.RunID, in)
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RunFilter narrows ListRuns. Zero values mean no filtering.
type RunFilter struct {
	SessionID *uuid.UUID
	Status    *model.RunStatus
	Limit     int
	Offset    int
}

// ListRuns returns runs matching the filter, newest first, plus the total
// match count for pagination.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := []string{"1=1"}
	args := []any{}
	if f.SessionID != nil {
		args = append(args, *f.SessionID)
		where = append(where, "session_id = $"+strconv.Itoa(len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, stages, stage_index, status, strictness, input, context, last_code, last_message, created_at, updated_at
		 FROM runs WHERE `+cond+`
		 ORDER BY created_at DESC
		 LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var run model.Run
		var status string
		var lastCode, lastMessage *string
		if err := rows.Scan(
			&run.ID, &run.SessionID, &run.Stages, &run.StageIndex, &status,
			&run.Strictness, &run.Input, &run.Context, &lastCode, &lastMessage,
			&run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		run.Status = model.RunStatus(status)
		if lastCode != nil {
			run.LastCode = model.Code(*lastCode)
		}
		if lastMessage != nil {
			run.LastMessage = *lastMessage
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ListRunsByStatus returns all runs currently in the given status, oldest
// first. Used by startup recovery and the run watchdog.
func (db *DB) ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.Run, error) {
	runs, _, err := db.ListRuns(ctx, RunFilter{Status: &status, Limit: 10000})
	if err != nil {
		return nil, err
	}
	// ListRuns orders newest first; recovery wants oldest first.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// ListStaleRuns returns non-terminal runs whose last update is older than
// cutoff. The watchdog fails these with a run timeout.
func (db *DB) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, stages, stage_index, status, strictness, input, context, last_code, last_message, created_at, updated_at
		 FROM runs
		 WHERE status IN ('pending', 'running') AND updated_at < $1
		 ORDER BY updated_at ASC`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var run model.Run
		var status string
		var lastCode, lastMessage *string
		if err := rows.Scan(
			&run.ID, &run.SessionID, &run.Stages, &run.StageIndex, &status,
			&run.Strictness, &run.Input, &run.Context, &lastCode, &lastMessage,
			&run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan stale run: %w", err)
		}
		run.Status = model.RunStatus(status)
		if lastCode != nil {
			run.LastCode = model.Code(*lastCode)
		}
		if lastMessage != nil {
			run.LastMessage = *lastMessage
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountActiveRuns returns the number of runs in a non-terminal status.
func (db *DB) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status IN ('pending', 'running', 'awaiting_clarification')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count active runs: %w", err)
	}
	return n, nil
}
