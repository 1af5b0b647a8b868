package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"llm_metering/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the metering schema",
		Long: `Create the api_keys, model_rates, generations and usage_daily tables
and their indexes. Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, false, func(ctx context.Context, a *app) error {
				if err := storage.Migrate(ctx, a.db); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", a.db.DriverName())
				return nil
			})
		},
	}
}
