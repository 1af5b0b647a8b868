package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeSpeed(t *testing.T) {
	tests := []struct {
		name     string
		tokens   int
		seconds  string
		expected string
	}{
		{"zero time", 1500, "0", "0"},
		{"whole seconds", 1500, "2", "750"},
		{"rounded to cents", 1000, "3", "333.33"},
		{"fractional time", 10, "0.250", "40"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeSpeed(tt.tokens, decimal.RequireFromString(tt.seconds))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
		})
	}
}

func TestSecondsOf(t *testing.T) {
	assert.True(t, SecondsOf(0).IsZero())
	assert.True(t, SecondsOf(-time.Second).IsZero())
	assert.Equal(t, "1.5", SecondsOf(1500*time.Millisecond).String())
	assert.Equal(t, "0.123", SecondsOf(123456*time.Microsecond).String())
}

func TestUsageDaily_Add(t *testing.T) {
	day := NewUsageDaily(uuid.New(), "2024-06-01")

	day.Add(&Generation{
		TokensInput:    1000,
		TokensOutput:   500,
		CostAmount:     decimal.RequireFromString("0.275"),
		GenerationTime: decimal.RequireFromString("1.5"),
		Success:        true,
	})
	day.Add(&Generation{
		TokensInput:    200,
		TokensOutput:   0,
		CostAmount:     decimal.RequireFromString("0.03"),
		GenerationTime: decimal.RequireFromString("0.25"),
		Success:        false,
	})

	assert.Equal(t, int64(2), day.TotalRequests)
	assert.Equal(t, int64(1200), day.TotalTokensInput)
	assert.Equal(t, int64(500), day.TotalTokensOutput)
	assert.True(t, day.TotalCost.Equal(decimal.RequireFromString("0.305")))
	assert.True(t, day.AverageLatency.Equal(decimal.RequireFromString("0.875")))
	assert.Equal(t, int64(1), day.ErrorCount)
}

func TestDayOf(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 6, 2, 1, 30, 0, 0, loc)
	assert.Equal(t, "2024-06-01", DayOf(ts))
}
