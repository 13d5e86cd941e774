// Package cli defines the ticketwatch command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the ticketwatch CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticketwatch",
		Short: "Tiered ticket analysis engine",
		Long: `ticketwatch polls a helpdesk for open tickets, decides in cheap-first
tiers which ones warrant analysis, posts the analysis as a private note,
and durably tracks what it has handled.

Configuration comes from TICKETWATCH_* environment variables, optionally
layered over a YAML file named by TICKETWATCH_CONFIG_PATH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewTicketCommand())
	cmd.AddCommand(NewMCPCommand())

	return cmd
}
