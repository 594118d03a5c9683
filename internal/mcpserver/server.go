package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all reservo tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("reservo", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateListing, h.HandleCreateListing)
	s.AddTool(ToolGetListing, h.HandleGetListing)
	s.AddTool(ToolReserve, h.HandleReserve)
	s.AddTool(ToolGetReservation, h.HandleGetReservation)
	s.AddTool(ToolListReservations, h.HandleListReservations)
	s.AddTool(ToolCancelReservation, h.HandleCancelReservation)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolCompleteReservation, h.HandleCompleteReservation)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolWithdraw, h.HandleWithdraw)
	s.AddTool(ToolGetPrice, h.HandleGetPrice)

	return s
}
