// Package storagetest provides a migrated in-memory SQLite database for tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
)

// NewDB opens a fresh in-memory database with the metering schema applied.
func NewDB(t testing.TB) *storage.DB {
	t.Helper()

	cfg := storage.DefaultDBConfig()
	cfg.Driver = storage.DriverSQLite
	cfg.DSN = "file::memory:?_pragma=foreign_keys(1)&_time_format=sqlite"

	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

// CreateAPIKey inserts a key with the given balance and credit limit.
func CreateAPIKey(t testing.TB, db *storage.DB, balance, creditLimit string) *models.APIKey {
	t.Helper()

	key := &models.APIKey{
		ID:             uuid.New(),
		KeyHash:        uuid.NewString(),
		CreatedAt:      time.Now(),
		CurrentBalance: decimal.RequireFromString(balance),
		CreditLimit:    decimal.RequireFromString(creditLimit),
	}
	require.NoError(t, db.NewAPIKeyRepository().Create(context.Background(), key))
	return key
}

// CreateRate inserts a rate row for a model.
func CreateRate(t testing.TB, db *storage.DB, modelID, input, output string, effectiveFrom time.Time) *models.ModelRate {
	t.Helper()

	rate := &models.ModelRate{
		ModelID:       modelID,
		InputRate:     decimal.RequireFromString(input),
		OutputRate:    decimal.RequireFromString(output),
		EffectiveFrom: effectiveFrom,
	}
	require.NoError(t, db.NewModelRateRepository().Create(context.Background(), rate))
	return rate
}

// Exec runs raw SQL on the underlying connection, bypassing repositories and
// their caches the way another process writing the same database would.
func Exec(t testing.TB, db *storage.DB, query string, args ...any) {
	t.Helper()

	_, err := db.Conn().ExecContext(context.Background(), db.Rebind(query), args...)
	require.NoError(t, err)
}
