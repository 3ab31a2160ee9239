// fraudguard MCP server - exposes transaction scoring as MCP tools for LLMs
package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/mcpserver"
)

func main() {
	// stdout carries the MCP protocol
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL:   envOrDefault("FRAUDGUARD_API_URL", "http://localhost:8080"),
		ClientID: envOrDefault("FRAUDGUARD_CLIENT_ID", "mcp"),
	}

	s := mcpserver.NewMCPServer(cfg, logger)
	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL, "version", mcpserver.Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
