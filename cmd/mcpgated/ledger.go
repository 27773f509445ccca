package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mcpgate/internal/infra/config"
	"mcpgate/internal/infra/ledger"
)

func newLedgerCmd(opts *cliOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print the most recent tool call records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(nil)
			cfg, err := loader.Load(opts.configPath)
			if err != nil {
				return err
			}
			if !cfg.Ledger.Enabled {
				return fmt.Errorf("ledger is disabled in config")
			}

			store, err := ledger.OpenStore(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.Recent(limit)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			for _, record := range records {
				if err := encoder.Encode(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records to print")
	return cmd
}
