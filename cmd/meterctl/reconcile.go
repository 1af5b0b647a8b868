package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llm_metering/internal/billing"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and replay unbilled generations",
		Long: `Generations whose recording failed durably are parked in a dead letter
queue instead of being billed. Fix the cause (usually a missing rate), then
replay them. A replay is idempotent: a generation already billed is only
removed from the queue.

Subcommands:
  list   - Show parked generations, oldest first
  replay - Bill one parked generation, or all of them`,
	}
	cmd.AddCommand(newReconcileListCmd(), newReconcileReplayCmd())
	return cmd
}

func newReconcileListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show parked generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, a *app) error {
				gaps, err := a.recorder().Gaps(ctx, limit)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), gaps, func(w io.Writer) {
					if len(gaps) == 0 {
						fmt.Fprintln(w, "No unbilled generations.")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPARKED\tKEY\tREQUEST\tMODEL\tRETRIES\tERROR")
					for _, g := range gaps {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
							g.ID, g.Parked, g.Draft.APIKeyID, g.Draft.RequestID, g.Draft.Model, g.Retries, g.Error)
					}
					_ = tw.Flush()
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to show (0 for all)")
	return cmd
}

func newReconcileReplayCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "replay [id]",
		Short: "Bill parked generations",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass either an id or --all")
			}
			if !all && len(args) != 1 {
				return errors.New("an id is required unless --all is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, a *app) error {
				recorder := a.recorder()
				out := cmd.OutOrStdout()

				if all {
					billed, err := recorder.ReconcileAll(ctx, 0)
					if err != nil {
						return err
					}
					left, err := a.dlq().Length(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Billed %d generation(s), %d still parked\n", billed, left)
					return nil
				}

				gen, err := recorder.Reconcile(ctx, args[0])
				var overLimit *billing.OverCreditLimitError
				if err != nil && !errors.As(err, &overLimit) {
					return err
				}
				fmt.Fprintf(out, "Billed request %s: %s, balance after %s\n",
					gen.RequestID, gen.CostAmount.String(), displayAmount(gen.BalanceAfter))
				if overLimit != nil {
					fmt.Fprintln(out, "Key is now over its credit limit.")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "replay every parked generation")
	return cmd
}
