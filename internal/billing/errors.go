package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
)

var (
	// ErrOverCreditLimit signals that a committed debit left the balance below -credit_limit
	ErrOverCreditLimit = errors.New("balance below credit limit")

	// ErrInvalidAmount is returned for negative debit or non-positive credit amounts
	ErrInvalidAmount = errors.New("invalid amount")
)

// OverCreditLimitError is advisory: the debit it reports has already been applied.
type OverCreditLimitError struct {
	APIKeyID    uuid.UUID
	Balance     decimal.Decimal
	CreditLimit decimal.Decimal
}

func (e *OverCreditLimitError) Error() string {
	return fmt.Sprintf("api key %s: balance %s below credit limit -%s",
		e.APIKeyID,
		e.Balance.StringFixedBank(models.DisplayScale),
		e.CreditLimit.StringFixedBank(models.DisplayScale),
	)
}

func (e *OverCreditLimitError) Unwrap() error {
	return ErrOverCreditLimit
}
