// Package mcpserver exposes the analysis service to agents over MCP.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("walletgate", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeWalletCall, h.HandleAnalyzeWalletCall)
	s.AddTool(ToolCheckOrigin, h.HandleCheckOrigin)
	s.AddTool(ToolIntelStatus, h.HandleIntelStatus)
	s.AddTool(ToolRecentDecisions, h.HandleRecentDecisions)

	return s
}
