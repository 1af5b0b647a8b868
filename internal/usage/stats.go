package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
)

const (
	// DefaultPageSize is used when a page size is not given
	DefaultPageSize = 50

	// MaxPageSize caps a single generations page
	MaxPageSize = 1000
)

// Summary aggregates a key's usage over a day range
type Summary struct {
	APIKeyID       uuid.UUID           `json:"api_key_id"`
	From           string              `json:"from"`
	To             string              `json:"to"`
	RequestCount   int64               `json:"request_count"`
	TokensInput    int64               `json:"tokens_input"`
	TokensOutput   int64               `json:"tokens_output"`
	TotalTokens    int64               `json:"total_tokens"`
	TotalCost      decimal.Decimal     `json:"total_cost"`
	Currency       string              `json:"currency"`
	CurrentBalance decimal.Decimal     `json:"current_balance"`
	CreditLimit    decimal.Decimal     `json:"credit_limit"`
	AverageLatency decimal.Decimal     `json:"average_latency"`
	ErrorCount     int64               `json:"error_count"`
	ErrorRate      decimal.Decimal     `json:"error_rate"` // percent
	Days           []models.UsageDaily `json:"usage_by_day"`
}

// GenerationPage is one page of a key's generations, newest first
type GenerationPage struct {
	Data    []models.Generation `json:"data"`
	Total   int64               `json:"total"`
	HasMore bool                `json:"has_more"`
}

// Stats serves read-only usage queries
type Stats struct {
	db       *storage.DB
	currency string
}

// NewStats creates a usage statistics reader
func NewStats(db *storage.DB, currency string) *Stats {
	return &Stats{db: db, currency: currency}
}

// Summary totals the stored rollups of fromDay..toDay for a key
func (s *Stats) Summary(ctx context.Context, apiKeyID uuid.UUID, fromDay, toDay string) (*Summary, error) {
	if _, err := dayRange(fromDay, toDay); err != nil {
		return nil, err
	}

	key, err := s.db.NewAPIKeyRepository().GetByID(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	days, err := s.db.NewUsageDailyRepository().ListRange(ctx, apiKeyID, fromDay, toDay)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		APIKeyID:       apiKeyID,
		From:           fromDay,
		To:             toDay,
		TotalCost:      decimal.Zero,
		Currency:       s.currency,
		CurrentBalance: key.CurrentBalance,
		CreditLimit:    key.CreditLimit,
		AverageLatency: decimal.Zero,
		ErrorRate:      decimal.Zero,
		Days:           days,
	}

	totalTime := decimal.Zero
	for _, d := range days {
		sum.RequestCount += d.TotalRequests
		sum.TokensInput += d.TotalTokensInput
		sum.TokensOutput += d.TotalTokensOutput
		sum.TotalCost = sum.TotalCost.Add(d.TotalCost)
		sum.ErrorCount += d.ErrorCount
		totalTime = totalTime.Add(d.TotalGenerationTime)
	}
	sum.TotalTokens = sum.TokensInput + sum.TokensOutput

	if sum.RequestCount > 0 {
		requests := decimal.NewFromInt(sum.RequestCount)
		sum.AverageLatency = totalTime.DivRound(requests, models.GenerationTimeScale+2).RoundBank(models.GenerationTimeScale)
		sum.ErrorRate = decimal.NewFromInt(sum.ErrorCount * 100).DivRound(requests, 4).RoundBank(2)
	}

	return sum, nil
}

// ListGenerations returns a page of a key's generations, newest first
func (s *Stats) ListGenerations(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) (*GenerationPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid offset %d", offset)
	}

	generations := s.db.NewGenerationRepository()

	total, err := generations.CountByAPIKey(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	data, err := generations.ListByAPIKey(ctx, apiKeyID, limit, offset)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []models.Generation{}
	}

	return &GenerationPage{
		Data:    data,
		Total:   total,
		HasMore: int64(offset+len(data)) < total,
	}, nil
}
