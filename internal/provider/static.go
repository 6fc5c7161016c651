package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StaticProvider returns deterministic canned envelopes without any network
// call. Used when no real provider is configured, so the full pipeline,
// clarification loop included, can be exercised locally.
//
// Two input markers steer it: an input containing "[clarify]" makes the
// ambiguity-check stage request clarification until an answer is supplied,
// and an input containing "[reject]" makes the code-reviewer stage reject.
// Everything else passes every stage.
type StaticProvider struct {
	version string
}

// NewStaticProvider creates the canned provider.
func NewStaticProvider(version string) *StaticProvider {
	if version == "" {
		version = "static-1"
	}
	return &StaticProvider{version: version}
}

// Name returns the routing identifier.
func (p *StaticProvider) Name() string { return "static" }

// Invoke fabricates an envelope for the requested Eye.
func (p *StaticProvider) Invoke(_ context.Context, req InvokeRequest) ([]byte, error) {
	input, _ := req.Payload["input"].(string)
	_, answered := req.Payload["clarification_answer"]

	env := map[string]any{
		"eye":         string(req.Eye),
		"ok":          true,
		"code":        "OK",
		"md":          fmt.Sprintf("%s passed", req.Eye),
		"data":        map[string]any{"summary": fmt.Sprintf("canned %s verdict", req.Eye)},
		"toolVersion": p.version,
		"ts":          time.Now().UTC().Format(time.RFC3339),
	}

	switch {
	case req.Eye == "ambiguity-check" && strings.Contains(input, "[clarify]") && !answered:
		env["ok"] = false
		env["code"] = "E_NEEDS_CLARIFICATION"
		env["md"] = "the request is ambiguous"
		env["data"] = map[string]any{
			"score":           0.82,
			"is_code_related": true,
			"questions_md":    "### Clarifying Questions\n- What is the target repo?\n- Desired deadline?",
		}
	case req.Eye == "code-reviewer" && strings.Contains(input, "[reject]"):
		env["ok"] = false
		env["code"] = "E_REJECTED"
		env["md"] = "review found blocking defects"
		env["data"] = map[string]any{"defects": []string{"unchecked error return in handler"}}
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("static: marshal envelope: %w", err)
	}
	return out, nil
}
