package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateScale is the number of fractional digits persisted for per-token rates.
const RateScale = 6

// ModelRate is one pricing row for a model. Rows are never updated; a new row
// with a later EffectiveFrom supersedes the previous one.
type ModelRate struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ModelID       string          `db:"model_id" json:"model_id"`
	InputRate     decimal.Decimal `db:"input_rate" json:"input_rate"`   // currency per input token
	OutputRate    decimal.Decimal `db:"output_rate" json:"output_rate"` // currency per output token
	Description   *string         `db:"description" json:"description,omitempty"`
	EffectiveFrom time.Time       `db:"effective_from" json:"effective_from"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
