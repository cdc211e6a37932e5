// Package mcp implements the Model Context Protocol facade for Kioku.
//
// It exposes persona memory to MCP-compatible AI agents: tools to remember
// and recall, resources describing the cast, and prompts that teach an agent
// the remember/recall workflow. The facade reuses the same service layer as
// the JSON-RPC channel; nothing here bypasses visibility rules.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
)

// Server wraps the MCP server with Kioku's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	memory    *memory.Manager
	registry  *persona.Registry
	pruner    *prune.Pruner
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools, and
// prompts.
func New(mgr *memory.Manager, registry *persona.Registry, pruner *prune.Pruner,
	logger *slog.Logger, version string) *Server {
	s := &Server{
		memory:   mgr,
		registry: registry,
		pruner:   pruner,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kioku",
		version,
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
