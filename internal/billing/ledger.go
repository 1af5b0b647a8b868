// Package billing prices generations and keeps API key balances.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
	"llm_metering/internal/utils"
)

// BalanceChange is the result of one ledger write
type BalanceChange struct {
	APIKeyID        uuid.UUID
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	CreditLimit     decimal.Decimal
	Accepted        bool // NewBalance >= -CreditLimit

	keyHash string
}

// Err returns an *OverCreditLimitError for changes that left the key over its limit
func (c *BalanceChange) Err() error {
	if c.Accepted {
		return nil
	}
	return &OverCreditLimitError{APIKeyID: c.APIKeyID, Balance: c.NewBalance, CreditLimit: c.CreditLimit}
}

// Ledger is the only writer of api_keys.current_balance. Every write is a
// locked read-modify-write inside a transaction, computed in decimal.
type Ledger struct {
	db     *storage.DB
	keys   *storage.APIKeyRepository
	now    func() time.Time
	logger *utils.Logger
}

// NewLedger creates a balance ledger
func NewLedger(db *storage.DB) *Ledger {
	return &Ledger{
		db:     db,
		keys:   db.NewAPIKeyRepository(),
		now:    time.Now,
		logger: utils.NewLogger("ledger"),
	}
}

// Debit charges amount in its own transaction. The debit is applied even when
// it crosses the credit limit; in that case the committed change is returned
// together with an *OverCreditLimitError.
func (l *Ledger) Debit(ctx context.Context, apiKeyID uuid.UUID, amount decimal.Decimal) (*BalanceChange, error) {
	var change *BalanceChange
	err := l.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		change, err = l.DebitTx(ctx, tx, apiKeyID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, change.Err()
}

// DebitTx charges amount inside the caller's transaction. Over-limit debits
// are reported through BalanceChange.Accepted, not as an error.
func (l *Ledger) DebitTx(ctx context.Context, tx *sqlx.Tx, apiKeyID uuid.UUID, amount decimal.Decimal) (*BalanceChange, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: debit %s", ErrInvalidAmount, amount)
	}

	change, err := l.apply(ctx, tx, apiKeyID, amount.Neg())
	if err != nil {
		return nil, err
	}

	if !change.Accepted {
		l.logger.Warn("Debit crossed credit limit",
			"api_key_id", apiKeyID,
			"amount", amount.String(),
			"balance", change.NewBalance.String(),
			"credit_limit", change.CreditLimit.String(),
		)
	}
	return change, nil
}

// Credit adds funds to a key
func (l *Ledger) Credit(ctx context.Context, apiKeyID uuid.UUID, amount decimal.Decimal) (*BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit %s", ErrInvalidAmount, amount)
	}

	var change *BalanceChange
	err := l.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		change, err = l.apply(ctx, tx, apiKeyID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.keys.InvalidateCache(change.keyHash)

	l.logger.Info("Balance credited",
		"api_key_id", apiKeyID,
		"amount", amount.String(),
		"balance", change.NewBalance.String(),
	)
	return change, nil
}

func (l *Ledger) apply(ctx context.Context, tx *sqlx.Tx, apiKeyID uuid.UUID, delta decimal.Decimal) (*BalanceChange, error) {
	keys := l.keys.WithTx(tx)

	acct, err := keys.LockAccount(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	newBalance := acct.CurrentBalance.Add(delta).RoundBank(models.BalanceScale)
	now := l.now()
	if err := keys.UpdateBalance(ctx, apiKeyID, newBalance, &now); err != nil {
		return nil, err
	}

	return &BalanceChange{
		APIKeyID:        apiKeyID,
		PreviousBalance: acct.CurrentBalance,
		NewBalance:      newBalance,
		CreditLimit:     acct.CreditLimit,
		Accepted:        models.BalanceWithinLimit(newBalance, acct.CreditLimit),
		keyHash:         acct.KeyHash,
	}, nil
}

// Balance returns the committed balance and credit limit of a key
func (l *Ledger) Balance(ctx context.Context, apiKeyID uuid.UUID) (*storage.Account, error) {
	key, err := l.keys.GetByID(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}
	return &storage.Account{KeyHash: key.KeyHash, CurrentBalance: key.CurrentBalance, CreditLimit: key.CreditLimit}, nil
}

// WithinCreditLimit reports whether the key may start new requests
func (l *Ledger) WithinCreditLimit(ctx context.Context, apiKeyID uuid.UUID) (bool, error) {
	acct, err := l.Balance(ctx, apiKeyID)
	if err != nil {
		return false, err
	}
	return models.BalanceWithinLimit(acct.CurrentBalance, acct.CreditLimit), nil
}
