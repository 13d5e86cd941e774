package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewTicketCommand creates the ticket command: process one ticket and exit.
func NewTicketCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ticket <number>",
		Short: "Process a single ticket by number",
		Long: `Run one ticket through the pipeline and exit. With --force the cache,
probe, and delta skip tiers are bypassed and the ticket is always
analyzed, posted, and committed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			return a.engine.RunTicket(ctx, args[0], force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "bypass the skip tiers and always analyze")

	return cmd
}
