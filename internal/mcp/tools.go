package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

func (s *Server) registerTools() {
	// metsuke_submit — run work through the validation pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_submit",
			mcplib.WithDescription(`Submit work for validation through the Eye pipeline.

WHEN TO USE: whenever output needs review before it ships. The pipeline
runs a fixed sequence of validators (ambiguity check, intent check, plan
review, code review, evidence check, consistency check) and records every
verdict in a tamper-evident audit log.

The run executes asynchronously. Poll metsuke_status with the returned
run_id, or read metsuke://runs/{id} as a resource. If the run parks with
status "awaiting_clarification", answer with metsuke_clarify.

WHAT YOU GET BACK:
- run_id: handle for polling, clarification, and cancellation
- status: initial run status ("pending")`),
			mcplib.WithString("input",
				mcplib.Description("The work to validate: a prompt, a plan, a diff, or any text the validators should judge"),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session UUID grouping related runs; a new one is minted when omitted"),
			),
			mcplib.WithString("strictness",
				mcplib.Description("Validation strictness: permissive, standard (default), or strict"),
			),
		),
		s.handleSubmit,
	)

	// metsuke_status — poll a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_status",
			mcplib.WithDescription(`Get the current state of a pipeline run.

Returns the status, the stage the run is at, and the last verdict code.
When status is "awaiting_clarification" the response includes the
questions the validator asked; answer them with metsuke_clarify.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID returned by metsuke_submit"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// metsuke_clarify — answer a validator's questions and resume the run.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_clarify",
			mcplib.WithDescription(`Answer clarification questions for a parked run.

Only valid while the run status is "awaiting_clarification". The answer
is merged into the run context and the stage that asked re-executes with
a fresh retry budget.`),
			mcplib.WithString("run_id",
				mcplib.Description("The parked run's UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("answer",
				mcplib.Description("Your answer to the validator's questions"),
				mcplib.Required(),
			),
		),
		s.handleClarify,
	)

	// metsuke_cancel — cancel a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_cancel",
			mcplib.WithDescription(`Cancel a pipeline run that is no longer needed.

Fails with a conflict when the run already reached a terminal state
(completed, failed, or cancelled). The cancellation is recorded in the
run's audit log.`),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancel,
	)

	// metsuke_runs — list recent runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_runs",
			mcplib.WithDescription(`List recent pipeline runs, newest first.

Filter by session_id to see the runs of one working session, or by
status to find parked or failed runs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session UUID filter"),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional status filter: pending, running, awaiting_clarification, completed, failed, cancelled"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRuns,
	)

	// metsuke_eyes — describe the validator catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("metsuke_eyes",
			mcplib.WithDescription("List the validator catalog with the active persona version and provider route for each Eye"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleEyes,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	input := request.GetString("input", "")
	if input == "" {
		return errorResult("input is required"), nil
	}

	req := model.StartRunRequest{
		Input:      input,
		Strictness: request.GetString("strictness", ""),
	}
	if v := request.GetString("session_id", ""); v != "" {
		sessionID, err := uuid.Parse(v)
		if err != nil {
			return errorResult("session_id is not a valid UUID"), nil
		}
		req.SessionID = &sessionID
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.pipeline.StartRun(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"run_id":     run.ID,
		"session_id": run.SessionID,
		"status":     run.Status,
		"stages":     run.Stages,
		"strictness": run.Strictness,
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, result := toolRunID(request)
	if result != nil {
		return result, nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get run: %v", err)), nil
	}

	payload := compactRun(run)
	if run.Status == model.RunStatusAwaitingClarification {
		// Surface the open questions so the agent can answer in one hop.
		if questions := s.openQuestions(ctx, runID); questions != nil {
			payload["questions"] = questions
		}
	}
	return jsonResult(payload)
}

// openQuestions returns the questions from the run's most recent
// clarification-requested event, or nil when none is found.
func (s *Server) openQuestions(ctx context.Context, runID uuid.UUID) any {
	events, err := s.db.ListAllEvents(ctx, runID)
	if err != nil {
		s.logger.Warn("mcp: load events for questions", "run_id", runID, "error", err)
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == model.EventClarificationRequested {
			return events[i].Data["questions"]
		}
	}
	return nil
}

func (s *Server) handleClarify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, result := toolRunID(request)
	if result != nil {
		return result, nil
	}
	answer := request.GetString("answer", "")
	if answer == "" {
		return errorResult("answer is required"), nil
	}

	run, err := s.pipeline.SubmitClarification(ctx, runID, answer)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to submit clarification: %v", err)), nil
	}
	return jsonResult(compactRun(run))
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, result := toolRunID(request)
	if result != nil {
		return result, nil
	}

	run, err := s.pipeline.CancelRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to cancel run: %v", err)), nil
	}
	return jsonResult(compactRun(run))
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.RunFilter{Limit: request.GetInt("limit", 10)}
	if v := request.GetString("session_id", ""); v != "" {
		sessionID, err := uuid.Parse(v)
		if err != nil {
			return errorResult("session_id is not a valid UUID"), nil
		}
		filter.SessionID = &sessionID
	}
	if v := request.GetString("status", ""); v != "" {
		status := model.RunStatus(v)
		filter.Status = &status
	}

	runs, total, err := s.db.ListRuns(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	compact := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		compact = append(compact, compactRun(run))
	}
	return jsonResult(map[string]any{"runs": compact, "total": total})
}

func (s *Server) handleEyes(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	snap := s.registry.Current()

	eyes := make([]map[string]any, 0, len(model.EyeCatalog))
	for i, eye := range model.EyeCatalog {
		entry := map[string]any{"eye": eye, "ordinal": i}
		if p, ok := snap.ActivePersona(eye); ok {
			entry["persona_version"] = p.Version
		}
		if rule, ok := snap.GlobalRule(eye); ok {
			entry["provider"] = rule.Provider
			entry["model"] = rule.Model
			entry["strictness"] = rule.Strictness
		}
		eyes = append(eyes, entry)
	}
	return jsonResult(map[string]any{"eyes": eyes})
}

// toolRunID parses the run_id argument, returning an error result to hand
// back to the client when it is missing or malformed.
func toolRunID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	v := request.GetString("run_id", "")
	if v == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	runID, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, errorResult("run_id is not a valid UUID")
	}
	return runID, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
