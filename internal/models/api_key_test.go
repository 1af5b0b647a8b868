package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestAPIKey_IsExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		expected  bool
	}{
		{
			name:      "no expiration",
			expiresAt: nil,
			expected:  false,
		},
		{
			name:      "expired",
			expiresAt: &past,
			expected:  true,
		},
		{
			name:      "not expired",
			expiresAt: &future,
			expected:  false,
		},
		{
			name:      "expires exactly now",
			expiresAt: &now,
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := &APIKey{
				ID:        uuid.New(),
				ExpiresAt: tt.expiresAt,
			}

			if got := key.IsExpired(now); got != tt.expected {
				t.Errorf("IsExpired() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestAPIKey_WithinCreditLimit(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		creditLimit string
		expected    bool
	}{
		{"positive balance", "100", "50", true},
		{"zero balance no credit", "0", "0", true},
		{"negative within limit", "-49.99", "50", true},
		{"exactly at limit", "-50", "50", true},
		{"one cent over limit", "-50.01", "50", false},
		{"negative with no credit", "-0.01", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := &APIKey{
				CurrentBalance: decimal.RequireFromString(tt.balance),
				CreditLimit:    decimal.RequireFromString(tt.creditLimit),
			}

			if got := key.WithinCreditLimit(); got != tt.expected {
				t.Errorf("WithinCreditLimit() = %v, expected %v", got, tt.expected)
			}
		})
	}
}
