package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// CostScale is the number of fractional digits persisted for cost amounts.
	CostScale = 6
	// BalanceScale is the number of fractional digits persisted for balances.
	// It matches CostScale so sub-cent debits accumulate instead of rounding away.
	BalanceScale = CostScale
	// DisplayScale is the number of fractional digits shown for balances and credit limits.
	DisplayScale = 2
	// GenerationTimeScale is the number of fractional digits persisted for generation time (seconds).
	GenerationTimeScale = 3
	// SpeedScale is the number of fractional digits persisted for tokens per second.
	SpeedScale = 2
)

// Generation is the append-only audit record of one provider call.
type Generation struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RequestID      uuid.UUID       `db:"request_id" json:"request_id"`
	APIKeyID       uuid.UUID       `db:"api_key_id" json:"api_key_id"`
	Provider       string          `db:"provider" json:"provider"`
	Model          string          `db:"model" json:"model"`
	AppID          *string         `db:"app_id" json:"app_id,omitempty"`
	TokensInput    int             `db:"tokens_input" json:"tokens_input"`
	TokensOutput   int             `db:"tokens_output" json:"tokens_output"`
	TokensTotal    int             `db:"tokens_total" json:"tokens_total"`
	CostAmount     decimal.Decimal `db:"cost_amount" json:"cost_amount"`
	CostBreakdown  CostBreakdown   `db:"cost_breakdown" json:"cost_breakdown"`
	BalanceAfter   decimal.Decimal `db:"balance_after" json:"balance_after"`
	GenerationTime decimal.Decimal `db:"generation_time" json:"generation_time"` // seconds
	Speed          decimal.Decimal `db:"speed" json:"speed"`                     // tokens per second
	Success        bool            `db:"success" json:"success"`
	Error          *string         `db:"error" json:"error,omitempty"`
	IsStreaming    bool            `db:"is_streaming" json:"is_streaming"`
	Metadata       JSONB           `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// ComputeSpeed returns tokens per second rounded to SpeedScale, or zero when
// no time elapsed.
func ComputeSpeed(tokensTotal int, generationTime decimal.Decimal) decimal.Decimal {
	if !generationTime.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(tokensTotal)).
		DivRound(generationTime, SpeedScale+2).
		RoundBank(SpeedScale)
}

// SecondsOf converts a duration to seconds at GenerationTimeScale.
func SecondsOf(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(d.Nanoseconds()).Shift(-9).RoundBank(GenerationTimeScale)
}
