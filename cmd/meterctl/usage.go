package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"llm_metering/internal/models"
	"llm_metering/internal/usage"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report and maintain usage",
		Long: `Report usage of a key from its daily rollups and generation history,
and verify or rebuild the rollups from the generations table.

Subcommands:
  summary     - Totals, balance and per-day breakdown for a date range
  generations - Page through recorded generations, newest first
  verify      - Compare rollups with generation history
  rebuild     - Rewrite rollups from generation history`,
	}
	cmd.AddCommand(newUsageSummaryCmd(), newUsageGenerationsCmd(), newUsageVerifyCmd(), newUsageRebuildCmd())
	return cmd
}

// dayRangeFlags adds --from and --to, defaulting to the last 30 days
type dayRangeFlags struct {
	from string
	to   string
}

func (f *dayRangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "first day, YYYY-MM-DD (default 30 days ago)")
	cmd.Flags().StringVar(&f.to, "to", "", "last day, YYYY-MM-DD (default today)")
}

func (f *dayRangeFlags) resolve() (string, string, error) {
	today := time.Now().UTC()
	from, to := today.AddDate(0, 0, -29).Format(models.DayLayout), today.Format(models.DayLayout)

	var err error
	if f.from != "" {
		if from, err = parseDay(f.from); err != nil {
			return "", "", err
		}
	}
	if f.to != "" {
		if to, err = parseDay(f.to); err != nil {
			return "", "", err
		}
	}
	return from, to, nil
}

func parseKeyID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid key id: %w", err)
	}
	return id, nil
}

func newUsageSummaryCmd() *cobra.Command {
	var days dayRangeFlags

	cmd := &cobra.Command{
		Use:   "summary <key-id>",
		Short: "Summarize usage of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			from, to, err := days.resolve()
			if err != nil {
				return err
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				sum, err := usage.NewStats(a.db, a.cfg.Billing.Currency).Summary(ctx, id, from, to)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), sum, func(w io.Writer) {
					printSummary(w, sum)
				})
			})
		},
	}
	days.register(cmd)
	return cmd
}

func printSummary(w io.Writer, sum *usage.Summary) {
	fmt.Fprintf(w, "Key %s, %s to %s\n\n", sum.APIKeyID, sum.From, sum.To)
	fmt.Fprintf(w, "Requests:        %d (%d failed, %s%%)\n", sum.RequestCount, sum.ErrorCount, sum.ErrorRate.StringFixed(2))
	fmt.Fprintf(w, "Tokens:          %d (%d in, %d out)\n", sum.TotalTokens, sum.TokensInput, sum.TokensOutput)
	fmt.Fprintf(w, "Cost:            %s %s\n", sum.TotalCost.StringFixedBank(models.CostScale), sum.Currency)
	fmt.Fprintf(w, "Average latency: %ss\n", sum.AverageLatency.StringFixed(models.GenerationTimeScale))
	fmt.Fprintf(w, "Balance:         %s %s (credit limit %s)\n",
		displayAmount(sum.CurrentBalance), sum.Currency, displayAmount(sum.CreditLimit))

	if len(sum.Days) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tREQUESTS\tERRORS\tTOKENS IN\tTOKENS OUT\tCOST\tAVG LATENCY")
	for _, d := range sum.Days {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			d.UsageDate, d.TotalRequests, d.ErrorCount, d.TotalTokensInput, d.TotalTokensOutput,
			d.TotalCost.StringFixedBank(models.CostScale), d.AverageLatency.StringFixed(models.GenerationTimeScale))
	}
	_ = tw.Flush()
}

func newUsageGenerationsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "generations <key-id>",
		Short: "List recorded generations of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				page, err := usage.NewStats(a.db, a.cfg.Billing.Currency).ListGenerations(ctx, id, limit, offset)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), page, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "CREATED\tREQUEST\tMODEL\tIN\tOUT\tCOST\tBALANCE AFTER\tSTATUS")
					for _, g := range page.Data {
						status := "ok"
						if !g.Success {
							status = "failed"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
							g.CreatedAt.UTC().Format(time.RFC3339), g.RequestID, g.Model,
							g.TokensInput, g.TokensOutput,
							g.CostAmount.StringFixedBank(models.CostScale), displayAmount(g.BalanceAfter), status)
					}
					_ = tw.Flush()
					fmt.Fprintf(w, "\n%d of %d shown", len(page.Data), page.Total)
					if page.HasMore {
						fmt.Fprintf(w, ", next page: --offset %d", offset+len(page.Data))
					}
					fmt.Fprintln(w)
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", usage.DefaultPageSize, fmt.Sprintf("page size (max %d)", usage.MaxPageSize))
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newUsageVerifyCmd() *cobra.Command {
	var days dayRangeFlags

	cmd := &cobra.Command{
		Use:   "verify <key-id>",
		Short: "Compare daily rollups with generation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			from, to, err := days.resolve()
			if err != nil {
				return err
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				drifts, err := usage.NewRollup(a.db).Verify(ctx, id, from, to)
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), drifts, func(w io.Writer) {
					if len(drifts) == 0 {
						fmt.Fprintln(w, "Rollups match generation history.")
						return
					}
					for _, d := range drifts {
						fmt.Fprintf(w, "%s: stored %d requests / %s, computed %d requests / %s\n",
							d.Day,
							d.Stored.TotalRequests, d.Stored.TotalCost.StringFixedBank(models.CostScale),
							d.Computed.TotalRequests, d.Computed.TotalCost.StringFixedBank(models.CostScale))
					}
				}); err != nil {
					return err
				}
				if len(drifts) > 0 {
					return fmt.Errorf("%d day(s) drifted; run usage rebuild", len(drifts))
				}
				return nil
			})
		},
	}
	days.register(cmd)
	return cmd
}

func newUsageRebuildCmd() *cobra.Command {
	var days dayRangeFlags

	cmd := &cobra.Command{
		Use:   "rebuild <key-id>",
		Short: "Rewrite daily rollups from generation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			from, to, err := days.resolve()
			if err != nil {
				return err
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				written, err := usage.NewRollup(a.db).Rebuild(ctx, id, from, to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d day(s) from %s to %s\n", written, from, to)
				return nil
			})
		},
	}
	days.register(cmd)
	return cmd
}
