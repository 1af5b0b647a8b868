package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"llm_metering/internal/models"
	"llm_metering/internal/pricing"
)

func newRatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage per-model token rates",
		Long: `Rates are append-only. A new row supersedes older ones from its
effective date on; generations are always priced with the row in effect
when the call happened.

Subcommands:
  add     - Publish a rate for a model
  list    - Show the rate history of a model, or all priced models
  resolve - Show the rate in effect at a given time`,
	}
	cmd.AddCommand(newRatesAddCmd(), newRatesListCmd(), newRatesResolveCmd())
	return cmd
}

func newRatesAddCmd() *cobra.Command {
	var (
		input       string
		output      string
		from        string
		description string
	)

	cmd := &cobra.Command{
		Use:   "add <model>",
		Short: "Publish a rate for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputRate, err := decimal.NewFromString(input)
			if err != nil {
				return fmt.Errorf("invalid --input: %w", err)
			}
			outputRate, err := decimal.NewFromString(output)
			if err != nil {
				return fmt.Errorf("invalid --output: %w", err)
			}
			effectiveFrom := time.Now().UTC()
			if from != "" {
				if effectiveFrom, err = parseTime(from); err != nil {
					return err
				}
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				rate, err := pricing.NewTable(a.db).AddRate(ctx, args[0], inputRate, outputRate, description, effectiveFrom)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), rate, func(w io.Writer) {
					printRates(w, []models.ModelRate{*rate})
				})
			})
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "price per input token")
	cmd.Flags().StringVar(&output, "output", "", "price per output token")
	cmd.Flags().StringVar(&from, "from", "", "effective from, RFC3339 or YYYY-MM-DD (default now)")
	cmd.Flags().StringVar(&description, "description", "", "free text description")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newRatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [model]",
		Short: "Show rate history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, false, func(ctx context.Context, a *app) error {
				table := pricing.NewTable(a.db)

				if len(args) == 0 {
					names, err := table.Models(ctx)
					if err != nil {
						return err
					}
					return printResult(cmd.OutOrStdout(), names, func(w io.Writer) {
						for _, name := range names {
							fmt.Fprintln(w, name)
						}
					})
				}

				history, err := table.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), history, func(w io.Writer) {
					printRates(w, history)
				})
			})
		},
	}
}

func newRatesResolveCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "resolve <model>",
		Short: "Show the rate in effect at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf := time.Now().UTC()
			if at != "" {
				var err error
				if asOf, err = parseTime(at); err != nil {
					return err
				}
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				rate, err := pricing.NewTable(a.db).Resolve(ctx, args[0], asOf)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), rate, func(w io.Writer) {
					printRates(w, []models.ModelRate{*rate})
				})
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "time to resolve at, RFC3339 or YYYY-MM-DD (default now)")
	return cmd
}

func printRates(w io.Writer, rates []models.ModelRate) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT\tOUTPUT\tEFFECTIVE FROM\tDESCRIPTION")
	for _, r := range rates {
		desc := ""
		if r.Description != nil {
			desc = *r.Description
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ModelID,
			r.InputRate.StringFixedBank(models.RateScale),
			r.OutputRate.StringFixedBank(models.RateScale),
			r.EffectiveFrom.UTC().Format(time.RFC3339),
			desc,
		)
	}
	_ = tw.Flush()
}
