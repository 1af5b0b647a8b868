package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// APIKey is a client identity and its prepaid/credit billing account.
// CurrentBalance is only ever written by the balance ledger.
type APIKey struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	KeyHash        string          `db:"key_hash" json:"-"` // SHA-256 hash
	Name           *string         `db:"name" json:"name,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt     *time.Time      `db:"last_used_at" json:"last_used_at,omitempty"`
	CurrentBalance decimal.Decimal `db:"current_balance" json:"current_balance"`
	CreditLimit    decimal.Decimal `db:"credit_limit" json:"credit_limit"`
}

// IsExpired checks if the key has expired at the given instant
func (k *APIKey) IsExpired(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return now.After(*k.ExpiresAt)
}

// WithinCreditLimit reports whether current_balance >= -credit_limit.
func (k *APIKey) WithinCreditLimit() bool {
	return BalanceWithinLimit(k.CurrentBalance, k.CreditLimit)
}

// BalanceWithinLimit is the credit-limit invariant shared by the ledger and the key view.
func BalanceWithinLimit(balance, creditLimit decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(creditLimit.Neg())
}
