// reservo MCP server: exposes the reservation API as MCP tools for LLMs.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/reservo/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:       envOrDefault("RESERVO_API_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("RESERVO_API_KEY"),
		PartyAddress: strings.ToLower(os.Getenv("RESERVO_PARTY_ADDRESS")),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "RESERVO_API_KEY is required")
		os.Exit(1)
	}
	if cfg.PartyAddress == "" {
		fmt.Fprintln(os.Stderr, "RESERVO_PARTY_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
