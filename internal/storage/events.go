package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/metsuke-ai/metsuke/internal/integrity"
	"github.com/metsuke-ai/metsuke/internal/model"
)

// appendEventTx inserts one event inside the caller's transaction. The
// sequence number is read with a MAX(seq)+1 query; the run row lock held
// by the enclosing transition serializes assignment, so sequences are
// gapless and strictly increasing per run. The content hash is computed
// over the final field values before insert. A pg_notify carrying the run
// ID and sequence fires when the transaction commits.
func appendEventTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, in EventInput) (model.PipelineEvent, error) {
	event := model.PipelineEvent{
		ID:         uuid.New(),
		RunID:      runID,
		Eye:        in.Eye,
		EventType:  in.EventType,
		Code:       in.Code,
		MD:         in.MD,
		Data:       in.Data,
		NextAction: in.NextAction,
		// Truncated to Postgres timestamptz precision so the stored value
		// round-trips into the same hash input.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}

	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM pipeline_events WHERE run_id = $1`, runID,
	).Scan(&event.Seq)
	if err != nil {
		return model.PipelineEvent{}, fmt.Errorf("storage: next event seq: %w", err)
	}
	event.ContentHash = integrity.ComputeEventHash(event)

	var eye any
	if in.Eye != nil {
		eye = string(*in.Eye)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO pipeline_events (id, run_id, seq, eye, event_type, code, md, data, next_action, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, runID, event.Seq, eye, string(in.EventType), string(in.Code),
		in.MD, event.Data, in.NextAction, event.ContentHash, event.CreatedAt,
	); err != nil {
		return model.PipelineEvent{}, fmt.Errorf("storage: append event: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"run_id": runID.String(),
		"seq":    event.Seq,
	})
	if err != nil {
		return model.PipelineEvent{}, fmt.Errorf("storage: marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelPipelineEvents, string(payload)); err != nil {
		return model.PipelineEvent{}, fmt.Errorf("storage: notify event: %w", err)
	}
	return event, nil
}

// AppendStaleEvent records an event against a run regardless of its status.
// Used for late Eye results arriving after cancellation or another terminal
// transition; the run row is locked but not modified, so the audit trail
// grows while the terminal state stays frozen.
func (db *DB) AppendStaleEvent(ctx context.Context, runID uuid.UUID, in EventInput) (model.PipelineEvent, error) {
	var event model.PipelineEvent
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		if err != nil {
			return fmt.Errorf("storage: lock run: %w", err)
		}
		event, err = appendEventTx(ctx, tx, runID, in)
		return err
	})
	if err != nil {
		return model.PipelineEvent{}, err
	}
	return event, nil
}

// ListEventsSince returns up to limit events for a run with seq greater
// than afterSeq, in sequence order. afterSeq 0 reads from the beginning.
// Callers should check if the returned slice length equals the limit to
// detect truncation.
func (db *DB) ListEventsSince(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.PipelineEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, eye, event_type, code, md, data, next_action, content_hash, created_at
		 FROM pipeline_events
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListAllEvents returns the complete event history for a run in sequence
// order. Replay and integrity verification read through this.
func (db *DB) ListAllEvents(ctx context.Context, runID uuid.UUID) ([]model.PipelineEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, eye, event_type, code, md, data, next_action, content_hash, created_at
		 FROM pipeline_events
		 WHERE run_id = $1
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list all events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEvent returns a single event by run and sequence number.
func (db *DB) GetEvent(ctx context.Context, runID uuid.UUID, seq int64) (model.PipelineEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, eye, event_type, code, md, data, next_action, content_hash, created_at
		 FROM pipeline_events
		 WHERE run_id = $1 AND seq = $2`,
		runID, seq,
	)
	if err != nil {
		return model.PipelineEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return model.PipelineEvent{}, err
	}
	if len(events) == 0 {
		return model.PipelineEvent{}, fmt.Errorf("%w: event %s/%d", ErrNotFound, runID, seq)
	}
	return events[0], nil
}

// LatestSeq returns the highest sequence number recorded for a run, or 0
// when the run has no events yet.
func (db *DB) LatestSeq(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM pipeline_events WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: latest seq: %w", err)
	}
	return seq, nil
}

func scanEvents(rows pgx.Rows) ([]model.PipelineEvent, error) {
	var events []model.PipelineEvent
	for rows.Next() {
		var e model.PipelineEvent
		var eye *string
		var eventType, code string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.Seq, &eye, &eventType, &code,
			&e.MD, &e.Data, &e.NextAction, &e.ContentHash, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if eye != nil {
			v := model.Eye(*eye)
			e.Eye = &v
		}
		e.EventType = model.EventType(eventType)
		e.Code = model.Code(code)
		events = append(events, e)
	}
	return events, rows.Err()
}
