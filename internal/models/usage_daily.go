package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DayLayout is the format of UsageDaily.UsageDate.
const DayLayout = "2006-01-02"

// UsageDaily is the per key, per UTC day rollup of Generation rows.
type UsageDaily struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	APIKeyID            uuid.UUID       `db:"api_key_id" json:"api_key_id"`
	UsageDate           string          `db:"usage_date" json:"date"`
	TotalRequests       int64           `db:"total_requests" json:"total_requests"`
	TotalTokensInput    int64           `db:"total_tokens_input" json:"total_tokens_input"`
	TotalTokensOutput   int64           `db:"total_tokens_output" json:"total_tokens_output"`
	TotalCost           decimal.Decimal `db:"total_cost" json:"total_cost"`
	TotalGenerationTime decimal.Decimal `db:"total_generation_time" json:"total_generation_time"`
	AverageLatency      decimal.Decimal `db:"average_latency" json:"average_latency"` // seconds
	ErrorCount          int64           `db:"error_count" json:"error_count"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// DayOf returns the UTC rollup day of t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// NewUsageDaily returns an empty rollup row for the key and day.
func NewUsageDaily(apiKeyID uuid.UUID, day string) *UsageDaily {
	return &UsageDaily{
		ID:                  uuid.New(),
		APIKeyID:            apiKeyID,
		UsageDate:           day,
		TotalCost:           decimal.Zero,
		TotalGenerationTime: decimal.Zero,
		AverageLatency:      decimal.Zero,
	}
}

// Add folds one generation into the running totals.
func (u *UsageDaily) Add(g *Generation) {
	u.TotalRequests++
	u.TotalTokensInput += int64(g.TokensInput)
	u.TotalTokensOutput += int64(g.TokensOutput)
	u.TotalCost = u.TotalCost.Add(g.CostAmount)
	u.TotalGenerationTime = u.TotalGenerationTime.Add(g.GenerationTime)
	if !g.Success {
		u.ErrorCount++
	}
	u.AverageLatency = averageLatency(u.TotalGenerationTime, u.TotalRequests)
}

// SameTotals reports whether two rollups carry identical aggregates.
func (u *UsageDaily) SameTotals(o *UsageDaily) bool {
	return u.TotalRequests == o.TotalRequests &&
		u.TotalTokensInput == o.TotalTokensInput &&
		u.TotalTokensOutput == o.TotalTokensOutput &&
		u.TotalCost.Equal(o.TotalCost) &&
		u.TotalGenerationTime.Equal(o.TotalGenerationTime) &&
		u.AverageLatency.Equal(o.AverageLatency) &&
		u.ErrorCount == o.ErrorCount
}

func averageLatency(total decimal.Decimal, requests int64) decimal.Decimal {
	if requests == 0 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(requests), GenerationTimeScale+2).RoundBank(GenerationTimeScale)
}
