package mcp

import (
	"context"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StatusParams has no fields; status takes no arguments.
type StatusParams struct{}

// StatusResult reports the engine's tracked and cached footprint.
type StatusResult struct {
	TrackedTickets int `json:"tracked_tickets"`
	CachedMarkers  int `json:"cached_markers"`
}

// RecentProcessedParams selects how many ledger rows to return.
type RecentProcessedParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of entries, defaults to 20"`
}

// ProcessedEntry is one row of the durable processing ledger.
type ProcessedEntry struct {
	TicketID       string    `json:"ticket_id"`
	LastSeenVolume int       `json:"last_seen_volume"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// RecentProcessedResult wraps the ledger rows.
type RecentProcessedResult struct {
	Entries []ProcessedEntry `json:"entries"`
}

// RunTicketParams names the ticket to process.
type RunTicketParams struct {
	Number string `json:"number,omitempty" jsonschema:"human-readable ticket number"`
	Force  bool   `json:"force,omitempty" jsonschema:"bypass the cache, probe, and delta skip tiers"`
}

// RunTicketResult reports the outcome of a forced run.
type RunTicketResult struct {
	Number string `json:"number"`
	Status string `json:"status"`
}

func registerTools(server *sdkmcp.Server, cfg Config) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "status",
		Description: "Report how many tickets are durably tracked and how many version markers are cached in memory",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, _ StatusParams) (*sdkmcp.CallToolResult, StatusResult, error) {
		count, err := cfg.Ledger.Count(ctx)
		if err != nil {
			return nil, StatusResult{}, fmt.Errorf("counting tracked tickets: %w", err)
		}
		return nil, StatusResult{
			TrackedTickets: count,
			CachedMarkers:  cfg.Markers.Len(),
		}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "recent_processed",
		Description: "List the most recently processed tickets with their committed activity volumes",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, params RecentProcessedParams) (*sdkmcp.CallToolResult, RecentProcessedResult, error) {
		limit := params.Limit
		if limit <= 0 {
			limit = 20
		}
		rows, err := cfg.Ledger.RecentlyProcessed(ctx, limit)
		if err != nil {
			return nil, RecentProcessedResult{}, fmt.Errorf("reading ledger: %w", err)
		}
		entries := make([]ProcessedEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, ProcessedEntry{
				TicketID:       row.TicketID,
				LastSeenVolume: row.LastSeenVolume,
				ProcessedAt:    row.ProcessedAt,
			})
		}
		return nil, RecentProcessedResult{Entries: entries}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "run_ticket",
		Description: "Run one ticket through the analysis pipeline now, optionally forcing past the skip tiers",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, params RunTicketParams) (*sdkmcp.CallToolResult, RunTicketResult, error) {
		if params.Number == "" {
			return nil, RunTicketResult{}, fmt.Errorf("number is required")
		}
		if err := cfg.Runner.RunTicket(ctx, params.Number, params.Force); err != nil {
			return nil, RunTicketResult{}, err
		}
		return nil, RunTicketResult{Number: params.Number, Status: "processed"}, nil
	})
}
