package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

func (s *Server) registerResources() {
	// metsuke://runs/recent — recent runs across all sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"metsuke://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recent pipeline runs across all sessions, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)

	// metsuke://eyes/catalog — the validator catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"metsuke://eyes/catalog",
			"Eye Catalog",
			mcplib.WithResourceDescription("The ordered validator catalog with active persona versions and routes"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleEyeCatalog,
	)

	// metsuke://runs/{id} — one run's snapshot.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"metsuke://runs/{id}",
			"Run Snapshot",
			mcplib.WithTemplateDescription("Current state of one pipeline run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunSnapshot,
	)

	// metsuke://runs/{id}/events — one run's audit log.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"metsuke://runs/{id}/events",
			"Run Events",
			mcplib.WithTemplateDescription("Append-only audit log for one pipeline run, in sequence order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunEvents,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, _, err := s.db.ListRuns(ctx, storage.RunFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	compact := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		compact = append(compact, compactRun(run))
	}
	return jsonResource("metsuke://runs/recent", compact)
}

func (s *Server) handleEyeCatalog(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
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
	return jsonResource("metsuke://eyes/catalog", eyes)
}

func (s *Server) handleRunSnapshot(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runID, err := runIDFromURI(request.Params.URI, "")
	if err != nil {
		return nil, err
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run snapshot: %w", err)
	}
	return jsonResource(request.Params.URI, compactRun(run))
}

func (s *Server) handleRunEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runID, err := runIDFromURI(request.Params.URI, "/events")
	if err != nil {
		return nil, err
	}

	events, err := s.db.ListAllEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run events: %w", err)
	}

	compact := make([]map[string]any, 0, len(events))
	for _, e := range events {
		compact = append(compact, compactEvent(e))
	}
	return jsonResource(request.Params.URI, compact)
}

// runIDFromURI extracts the run UUID from a metsuke://runs/{id}{suffix} URI.
func runIDFromURI(uri, suffix string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "metsuke://runs/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	rest, ok = strings.CutSuffix(rest, suffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	runID, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run id in URI %s: %w", uri, err)
	}
	return runID, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
