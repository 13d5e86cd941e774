package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command: the long-running poll loop.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling engine until interrupted",
		Long: `Start the engine. Every poll interval it lists open tickets and runs
each through the decision tiers. SIGINT or SIGTERM stops polling and
drains in-flight tickets before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			return a.engine.Run(ctx)
		},
	}
}
