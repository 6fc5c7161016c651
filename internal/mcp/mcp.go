// Package mcp implements the Model Context Protocol server for Metsuke.
//
// The MCP server exposes the pipeline through MCP tools and resources,
// allowing MCP-compatible AI agents to submit work for validation, answer
// clarification questions, and inspect run state and audit logs.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// Server wraps the MCP server with Metsuke's pipeline and storage layers.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	pipeline  *pipeline.Supervisor
	registry  *registry.Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(db *storage.DB, sup *pipeline.Supervisor, reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		pipeline: sup,
		registry: reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"metsuke",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
