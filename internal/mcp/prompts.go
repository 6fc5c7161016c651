package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// validate-work — guides the agent through a full validation cycle.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("validate-work",
			mcplib.WithPromptDescription("Run work through the Eye pipeline and act on the verdict"),
			mcplib.WithArgument("strictness",
				mcplib.ArgumentDescription("Validation strictness: permissive, standard, or strict"),
			),
		),
		s.handleValidateWorkPrompt,
	)

	// resolve-clarification — guides the agent through answering a parked run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("resolve-clarification",
			mcplib.WithPromptDescription("Answer a validator's clarification questions and resume the run"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The parked run's UUID"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleResolveClarificationPrompt,
	)

	// agent-setup — full system prompt snippet explaining the validation workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Metsuke validation workflow (submit, clarify, act on verdict)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleValidateWorkPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	strictness := request.Params.Arguments["strictness"]
	if strictness == "" {
		strictness = "standard"
	}

	return &mcplib.GetPromptResult{
		Description: "Validate work through the Eye pipeline",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Validate your work before shipping it:

1. CALL metsuke_submit with your work as input and strictness="%s".
   Keep the run_id from the response.

2. POLL metsuke_status with the run_id until the status is terminal:
   - "completed": every validator approved. Proceed.
   - "awaiting_clarification": a validator has questions. Read them from
     the status response and answer with metsuke_clarify, then keep polling.
   - "failed": read last_code and last_message. An E_REJECTED verdict means
     a validator found a real problem; fix the work and submit again rather
     than overriding the verdict.

3. If you no longer need the result, CALL metsuke_cancel so the run stops
   consuming provider capacity.`, strictness),
				},
			},
		},
	}, nil
}

func (s *Server) handleResolveClarificationPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Answer the validator's questions for run " + runID,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`A validator parked run %s with clarification questions.

1. CALL metsuke_status with run_id="%s" and read the "questions" field.

2. ANSWER every question directly. Short, factual answers beat hedged ones;
   the validator re-judges the work with your answer as added context.

3. CALL metsuke_clarify with run_id="%s" and your combined answer, then
   poll metsuke_status until the run reaches a terminal state.`, runID, runID, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Metsuke validation workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Metsuke, a validation pipeline that runs your work past
a fixed sequence of reviewer Eyes (ambiguity check, intent check, plan
review, code review, evidence check, consistency check). Every verdict is
recorded in a tamper-evident audit log, so there is always proof of what
was checked and what each validator said.

## The Pattern: Submit, Clarify, Act on the Verdict

### Submitting:
Call metsuke_submit with the work you want validated. The pipeline runs
asynchronously; poll metsuke_status with the returned run_id.

### Clarifying:
When a validator cannot judge the work as given, the run parks with
status "awaiting_clarification". Read the questions from metsuke_status
and answer them with metsuke_clarify. The stage re-runs with your answer
as added context.

### Acting on the verdict:
- "completed" means every Eye approved; proceed with confidence.
- "failed" with last_code E_REJECTED means a validator found a concrete
  problem. Read last_message, fix the work, and submit again. Do not
  route around a rejection.
- "failed" with a transport code (E_PROVIDER_UNAVAILABLE, E_RUN_TIMEOUT)
  is an infrastructure fault, not a judgment on the work; retrying the
  submission is fine.

### Inspecting:
metsuke_runs lists recent runs. The resources metsuke://runs/{id} and
metsuke://runs/{id}/events expose run snapshots and full audit logs.`,
				},
			},
		},
	}, nil
}
