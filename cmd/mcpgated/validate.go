package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcpgate/internal/infra/config"
)

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the gateway config and print the normalized result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(nil)
			cfg, err := loader.Load(opts.configPath)
			if err != nil {
				return err
			}
			dump, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dump)
			return nil
		},
	}
}
