package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// Version is the MCP server version.
const Version = "0.3.0"

// NewMCPServer creates a configured MCP server with all fraudguard tools registered.
func NewMCPServer(cfg Config, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("fraudguard", Version)
	h := NewHandlers(NewClient(cfg), logger)

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolExplainFeatures, h.HandleExplainFeatures)
	s.AddTool(ToolGetDecision, h.HandleGetDecision)
	s.AddTool(ToolListUserDecisions, h.HandleListUserDecisions)
	s.AddTool(ToolServiceHealth, h.HandleServiceHealth)

	return s
}
