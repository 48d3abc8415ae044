// walletgate MCP server - exposes call analysis as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL: cfg.BackgroundURL,
		Token:  cfg.RelayToken,
	}, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
