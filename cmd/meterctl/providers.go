package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"llm_metering/internal/cache"
	"llm_metering/internal/models"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and set cached provider status snapshots",
	}
	cmd.AddCommand(newProvidersStatusCmd(), newProvidersSetCmd())
	return cmd
}

func newProvidersStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <provider> <model>",
		Short: "Show the cached status of a provider model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, a *app) error {
				store := cache.NewProviderStatusStore(a.cache(), a.cfg.Cache.ProviderStatusTTL)

				status, ok := store.Get(ctx, args[0], args[1])
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "No status cached for %s/%s\n", args[0], args[1])
					return nil
				}
				return printResult(cmd.OutOrStdout(), status, func(w io.Writer) {
					fmt.Fprintf(w, "%s/%s: %s (updated %s)\n",
						status.Provider, status.Model, status.Status, status.UpdatedAt.Format(time.RFC3339))
					if status.LatencyMS != nil {
						fmt.Fprintf(w, "Latency:    %dms\n", *status.LatencyMS)
					}
					if status.ErrorRate != nil {
						fmt.Fprintf(w, "Error rate: %.2f%%\n", *status.ErrorRate)
					}
				})
			})
		},
	}
}

func newProvidersSetCmd() *cobra.Command {
	var (
		latencyMS int
		errorRate float64
	)

	cmd := &cobra.Command{
		Use:   "set <provider> <model> <operational|degraded|down>",
		Short: "Cache a status snapshot for a provider model",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			health := models.ProviderHealth(args[2])
			switch health {
			case models.ProviderOperational, models.ProviderDegraded, models.ProviderDown:
			default:
				return fmt.Errorf("unknown status %q", args[2])
			}

			status := &models.ProviderStatus{
				Provider:  args[0],
				Model:     args[1],
				Status:    health,
				UpdatedAt: time.Now().UTC(),
			}
			if cmd.Flags().Changed("latency-ms") {
				status.LatencyMS = &latencyMS
			}
			if cmd.Flags().Changed("error-rate") {
				status.ErrorRate = &errorRate
			}

			return run(cmd, true, func(ctx context.Context, a *app) error {
				store := cache.NewProviderStatusStore(a.cache(), a.cfg.Cache.ProviderStatusTTL)
				if err := store.Put(ctx, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cached %s/%s as %s for %s\n",
					status.Provider, status.Model, status.Status, a.cfg.Cache.ProviderStatusTTL)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&latencyMS, "latency-ms", 0, "observed latency in milliseconds")
	cmd.Flags().Float64Var(&errorRate, "error-rate", 0, "observed error rate in percent")
	return cmd
}
