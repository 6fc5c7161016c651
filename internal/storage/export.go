package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metsuke-ai/metsuke/internal/model"
)

const bundleFormatVersion = "1"

// WriteBundle writes a self-contained SQLite archive of one run to w: the
// run row, its complete event history, and a manifest carrying the Merkle
// root so the archive can be verified offline. The database is assembled
// in a temp file and streamed out; returns the number of bytes written.
func WriteBundle(run model.Run, events []model.PipelineEvent, merkleRoot string, w io.Writer) (int64, error) {
	dir, err := os.MkdirTemp("", "metsuke-export-")
	if err != nil {
		return 0, fmt.Errorf("storage: create export dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "run.db")
	if err := buildBundle(path, run, events, merkleRoot); err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("storage: open bundle: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("storage: stream bundle: %w", err)
	}
	return n, nil
}

func buildBundle(path string, run model.Run, events []model.PipelineEvent, merkleRoot string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("storage: open export db: %w", err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE run (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		stages TEXT NOT NULL,
		stage_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		strictness TEXT NOT NULL,
		input TEXT NOT NULL,
		context TEXT NOT NULL,
		last_code TEXT NOT NULL,
		last_message TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		eye TEXT,
		event_type TEXT NOT NULL,
		code TEXT NOT NULL,
		md TEXT NOT NULL,
		data TEXT NOT NULL,
		next_action TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(run_id, seq)
	);
	CREATE TABLE manifest (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("storage: create bundle schema: %w", err)
	}

	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("storage: marshal stages: %w", err)
	}
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal context: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin bundle tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(
		`INSERT INTO run (id, session_id, stages, stage_index, status, strictness, input, context, last_code, last_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.SessionID.String(), string(stages), run.StageIndex,
		string(run.Status), run.Strictness, run.Input, string(runContext),
		string(run.LastCode), run.LastMessage,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("storage: insert bundle run: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO events (id, run_id, seq, eye, event_type, code, md, data, next_action, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare bundle insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("storage: marshal event data: %w", err)
		}
		var eye any
		if e.Eye != nil {
			eye = string(*e.Eye)
		}
		if _, err := stmt.Exec(
			e.ID.String(), e.RunID.String(), e.Seq, eye, string(e.EventType),
			string(e.Code), e.MD, string(data), e.NextAction, e.ContentHash,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("storage: insert bundle event: %w", err)
		}
	}

	manifest := map[string]string{
		"format_version": bundleFormatVersion,
		"run_id":         run.ID.String(),
		"event_count":    strconv.Itoa(len(events)),
		"merkle_root":    merkleRoot,
		"exported_at":    time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range manifest {
		if _, err := tx.Exec(`INSERT INTO manifest (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("storage: insert manifest: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit bundle: %w", err)
	}
	return nil
}
