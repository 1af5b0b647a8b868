package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"llm_metering/internal/auth"
	"llm_metering/internal/billing"
	"llm_metering/internal/models"
	"llm_metering/internal/utils"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys and balances",
		Long: `Issue API keys, inspect their balance and add funds.

Subcommands:
  create - Issue a new key (the plaintext is printed once)
  show   - Show balance and credit limit of a key
  topup  - Credit a key's balance`,
	}
	cmd.AddCommand(newKeysCreateCmd(), newKeysShowCmd(), newKeysTopupCmd())
	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var (
		name        string
		balance     string
		creditLimit string
		expires     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, false, func(ctx context.Context, a *app) error {
				opts := auth.IssueOptions{
					Prefix:         a.cfg.APIKey.Prefix,
					Length:         a.cfg.APIKey.Length,
					Name:           name,
					InitialBalance: decimal.Zero,
					CreditLimit:    a.cfg.Billing.DefaultCreditLimit,
				}

				var err error
				if balance != "" {
					if opts.InitialBalance, err = decimal.NewFromString(balance); err != nil {
						return fmt.Errorf("invalid --balance: %w", err)
					}
				}
				if creditLimit != "" {
					if opts.CreditLimit, err = decimal.NewFromString(creditLimit); err != nil {
						return fmt.Errorf("invalid --credit-limit: %w", err)
					}
				}
				if expires != "" {
					at, err := parseTime(expires)
					if err != nil {
						return err
					}
					opts.ExpiresAt = &at
				}

				issued, err := auth.Issue(ctx, a.db, opts)
				if err != nil {
					return err
				}

				return printResult(cmd.OutOrStdout(), issued, func(w io.Writer) {
					fmt.Fprintf(w, "Key ID:       %s\n", issued.Key.ID)
					fmt.Fprintf(w, "API key:      %s\n", issued.Plaintext)
					fmt.Fprintf(w, "Balance:      %s %s\n", displayAmount(issued.Key.CurrentBalance), a.cfg.Billing.Currency)
					fmt.Fprintf(w, "Credit limit: %s %s\n", displayAmount(issued.Key.CreditLimit), a.cfg.Billing.Currency)
					fmt.Fprintln(w)
					fmt.Fprintln(w, "Store the API key now; only its hash is kept.")
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human readable name")
	cmd.Flags().StringVar(&balance, "balance", "", "opening balance (default 0)")
	cmd.Flags().StringVar(&creditLimit, "credit-limit", "", "credit limit (default DEFAULT_CREDIT_LIMIT)")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry, RFC3339 or YYYY-MM-DD")
	return cmd
}

func newKeysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key-id>",
		Short: "Show a key's balance and credit limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %w", err)
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				key, err := a.db.NewAPIKeyRepository().GetByID(ctx, id)
				if err != nil {
					return err
				}

				return printResult(cmd.OutOrStdout(), key, func(w io.Writer) {
					printKey(w, key, a.cfg.Billing.Currency)
				})
			})
		},
	}
}

func newKeysTopupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topup <key-id> <amount>",
		Short: "Add funds to a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %w", err)
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}

			return run(cmd, false, func(ctx context.Context, a *app) error {
				change, err := billing.NewLedger(a.db).Credit(ctx, id, amount)
				if err != nil {
					return err
				}

				return printResult(cmd.OutOrStdout(), change, func(w io.Writer) {
					fmt.Fprintf(w, "Balance: %s -> %s %s\n",
						displayAmount(change.PreviousBalance), displayAmount(change.NewBalance), a.cfg.Billing.Currency)
					if !change.Accepted {
						fmt.Fprintln(w, "Key is still below its credit limit.")
					}
				})
			})
		},
	}
}

func printKey(w io.Writer, key *models.APIKey, currency string) {
	fmt.Fprintf(w, "Key ID:       %s\n", key.ID)
	if name := utils.StringPtrValue(key.Name); name != "" {
		fmt.Fprintf(w, "Name:         %s\n", name)
	}
	fmt.Fprintf(w, "Created:      %s\n", key.CreatedAt.Format(time.RFC3339))
	if key.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:      %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	if key.LastUsedAt != nil {
		fmt.Fprintf(w, "Last used:    %s\n", key.LastUsedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Balance:      %s %s\n", displayAmount(key.CurrentBalance), currency)
	fmt.Fprintf(w, "Credit limit: %s %s\n", displayAmount(key.CreditLimit), currency)
	if !key.WithinCreditLimit() {
		fmt.Fprintln(w, "Status:       blocked (credit limit exceeded)")
	}
}

// displayAmount rounds money half-even to display precision
func displayAmount(d decimal.Decimal) string {
	return d.StringFixedBank(models.DisplayScale)
}
