package mcp

import (
	"github.com/metsuke-ai/metsuke/internal/model"
)

const maxCompactMD = 400

// compactRun returns a minimal representation of a run for MCP responses.
// Drops the accumulated context payload (can be tens of KB of intermediate
// Eye output) and reports the current stage by name instead of index.
func compactRun(run model.Run) map[string]any {
	m := map[string]any{
		"run_id":      run.ID,
		"session_id":  run.SessionID,
		"status":      run.Status,
		"strictness":  run.Strictness,
		"stage_index": run.StageIndex,
		"stage_count": len(run.Stages),
		"created_at":  run.CreatedAt,
		"updated_at":  run.UpdatedAt,
	}
	if eye := run.CurrentStage(); eye != "" {
		m["current_stage"] = eye
	}
	if run.LastCode != "" {
		m["last_code"] = run.LastCode
	}
	if run.LastMessage != "" {
		m["last_message"] = truncate(run.LastMessage, maxCompactMD)
	}
	return m
}

// compactEvent returns a minimal representation of an audit event. Hashes
// and raw envelope payloads stay behind the HTTP integrity and export
// endpoints; agents acting on a run only need the verdict trail.
func compactEvent(e model.PipelineEvent) map[string]any {
	m := map[string]any{
		"seq":         e.Seq,
		"event_type":  e.EventType,
		"next_action": e.NextAction,
		"created_at":  e.CreatedAt,
	}
	if e.Eye != nil {
		m["eye"] = *e.Eye
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	if e.MD != "" {
		m["md"] = truncate(e.MD, maxCompactMD)
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
