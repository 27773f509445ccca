package main

import (
	"github.com/spf13/cobra"
)

type cliOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "mcpgated",
		Short:         "Operational CLI for the MCP tool execution gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the gateway config file (defaults apply when empty)")

	root.AddCommand(
		newValidateCmd(opts),
		newLedgerCmd(opts),
	)
	return root
}
