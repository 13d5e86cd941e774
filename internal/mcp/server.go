// Package mcp exposes a small operational tool surface over the Model
// Context Protocol: engine status, the recent processing ledger, and a
// force-run escape hatch for a single ticket.
package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tkardel/ticketwatch/internal/sqlite"
)

// Ledger reads the durable processing record. Satisfied by *sqlite.Tracker.
type Ledger interface {
	RecentlyProcessed(ctx context.Context, n int) ([]sqlite.TrackedTicket, error)
	Count(ctx context.Context) (int, error)
}

// TicketRunner runs a single ticket through the pipeline on demand.
// Satisfied by *engine.Engine.
type TicketRunner interface {
	RunTicket(ctx context.Context, number string, force bool) error
}

// CacheStats exposes the in-memory marker cache size.
type CacheStats interface {
	Len() int
}

// Config contains server configuration.
type Config struct {
	Ledger  Ledger
	Runner  TicketRunner
	Markers CacheStats
	Logger  *slog.Logger
}

// NewServer creates the MCP server with all tools registered. The caller
// picks the transport and runs it.
func NewServer(cfg Config) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "ticketwatch",
		Version: "0.1.0",
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg)

	return server
}

const serverInstructions = `ticketwatch operational tools.

Use "status" to see how many tickets are tracked and cached, and
"recent_processed" to inspect the latest durable commits. "run_ticket"
pushes one ticket through the full analysis pipeline; set force to
bypass the skip tiers when a reanalysis is wanted regardless of the
ticket's current state.`
