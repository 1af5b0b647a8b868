package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"llm_metering/internal/storage"
)

type healthReport struct {
	Database      string          `json:"database"`
	Redis         string          `json:"redis"`
	ParkedRecords int             `json:"parked_records"`
	ExpiredCached int             `json:"expired_cache_entries"`
	Stats         storage.DBStats `json:"stats"`
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the database and Redis, and count parked generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, a *app) error {
				report := healthReport{Database: "ok", Redis: "ok"}
				var failed error

				if err := a.db.Health(ctx); err != nil {
					report.Database = err.Error()
					failed = err
				}
				if err := a.redis.Health(ctx); err != nil {
					report.Redis = err.Error()
					failed = err
				} else if n, err := a.dlq().Length(ctx); err != nil {
					report.Redis = err.Error()
					failed = err
				} else {
					report.ParkedRecords = n
				}
				keysDropped, ratesDropped := a.db.CleanupExpiredCacheEntries()
				report.ExpiredCached = keysDropped + ratesDropped
				report.Stats = a.db.GetStats()

				if err := printResult(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "Database:        %s\n", report.Database)
					fmt.Fprintf(w, "Redis:           %s\n", report.Redis)
					fmt.Fprintf(w, "Parked records:  %d\n", report.ParkedRecords)
					fmt.Fprintf(w, "Expired cached:  %d dropped\n", report.ExpiredCached)
					fmt.Fprintf(w, "Connections:     %d open, %d in use\n",
						report.Stats.OpenConnections, report.Stats.InUse)
					fmt.Fprintf(w, "Key cache:       %d entries, %d hits, %d misses\n",
						report.Stats.APIKeyCacheStats.Size, report.Stats.APIKeyCacheStats.Hits, report.Stats.APIKeyCacheStats.Misses)
					fmt.Fprintf(w, "Rate cache:      %d entries, %d hits, %d misses\n",
						report.Stats.RateCacheStats.Size, report.Stats.RateCacheStats.Hits, report.Stats.RateCacheStats.Misses)
				}); err != nil {
					return err
				}
				if failed != nil {
					return fmt.Errorf("unhealthy: %w", failed)
				}
				return nil
			})
		},
	}
}
