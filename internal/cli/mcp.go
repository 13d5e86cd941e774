package cli

import (
	"context"
	"os/signal"
	"syscall"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/tkardel/ticketwatch/internal/mcp"
)

// NewMCPCommand creates the mcp command: operational tools over stdio.
func NewMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve operational tools over MCP stdio",
		Long: `Expose status, recent_processed, and run_ticket as Model Context
Protocol tools on stdin/stdout. Logs go to stderr to keep stdout clean
for JSON-RPC.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			server := mcp.NewServer(mcp.Config{
				Ledger:  a.tracker,
				Runner:  a.engine,
				Markers: a.markers,
				Logger:  a.logger,
			})

			a.logger.Info("starting mcp stdio transport")
			return server.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
}
