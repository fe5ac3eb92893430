package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/job"
	"github.com/btouchard/pvepilot/internal/mcp/handlers"
	"github.com/btouchard/pvepilot/internal/pve"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	PVE     *pve.Client
	Jobs    *job.Tracker
	Store   handlers.DurationEstimator
	Version string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"pve-management-agent",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
