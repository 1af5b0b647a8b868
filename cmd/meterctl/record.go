package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"llm_metering/internal/auth"
	"llm_metering/internal/billing"
	"llm_metering/internal/metering"
	"llm_metering/internal/ratelimit"
	"llm_metering/internal/tokens"
)

// newRecordCmd meters one synthetic call end to end. Useful to check a
// deployment's rates, limits and balances before real traffic arrives.
func newRecordCmd() *cobra.Command {
	var (
		provider     string
		model        string
		inputTokens  int
		outputTokens int
		elapsed      time.Duration
		failure      string
	)

	cmd := &cobra.Command{
		Use:   "record <api-key>",
		Short: "Meter one synthetic generation",
		Long: `Admit a request with the plaintext API key, then record a generation
with the given token counts, exactly as the serving layer would.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, true, func(ctx context.Context, a *app) error {
				limiter := ratelimit.NewRateLimiter(a.redis.Client(), ratelimit.Config{
					Prefix:     a.redis.Prefix(),
					Timeout:    a.cfg.RateLimit.Timeout,
					BurstCheck: a.cfg.RateLimit.BurstCheck,
					Burst:      a.cfg.RateLimit.Burst,
				})

				meter := metering.NewMeter(
					auth.NewDBAPIKeyStore(a.db),
					billing.NewLedger(a.db),
					limiter,
					a.recorder(),
					a.metrics,
					metering.Config{RequestsPerMinute: a.cfg.RateLimit.RequestsPerMinute},
				)

				req, err := meter.Begin(ctx, args[0])
				if err != nil {
					return err
				}

				outcome := metering.Outcome{
					Provider: provider,
					Model:    model,
					Tokens:   &tokens.TokenCount{Input: inputTokens, Output: outputTokens, Total: inputTokens + outputTokens},
				}
				if failure != "" {
					outcome.Err = errors.New(failure)
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(elapsed):
				}

				gen, err := req.Finish(ctx, outcome)
				var overLimit *billing.OverCreditLimitError
				if err != nil && !errors.As(err, &overLimit) {
					return err
				}

				return printResult(cmd.OutOrStdout(), gen, func(w io.Writer) {
					fmt.Fprintf(w, "Request:       %s\n", gen.RequestID)
					fmt.Fprintf(w, "Tokens:        %d in, %d out\n", gen.TokensInput, gen.TokensOutput)
					fmt.Fprintf(w, "Cost:          %s %s\n", gen.CostAmount.String(), a.cfg.Billing.Currency)
					fmt.Fprintf(w, "Balance after: %s %s\n", displayAmount(gen.BalanceAfter), a.cfg.Billing.Currency)
					fmt.Fprintf(w, "Rate window:   %d of %d\n", req.Decision.CurrentCount, a.cfg.RateLimit.RequestsPerMinute)
					if overLimit != nil {
						fmt.Fprintln(w, "Key is now over its credit limit; further requests will be rejected.")
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "openai", "provider name")
	cmd.Flags().StringVar(&model, "model", "", "model id")
	cmd.Flags().IntVar(&inputTokens, "input-tokens", 0, "input tokens consumed")
	cmd.Flags().IntVar(&outputTokens, "output-tokens", 0, "output tokens produced")
	cmd.Flags().DurationVar(&elapsed, "elapsed", 0, "simulated generation time")
	cmd.Flags().StringVar(&failure, "error", "", "record the call as failed with this error")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
