package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
	"llm_metering/internal/storage/storagetest"
)

func TestMigrate_Idempotent(t *testing.T) {
	db := storagetest.NewDB(t)
	require.NoError(t, storage.Migrate(context.Background(), db))
	require.NoError(t, db.Health(context.Background()))
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	repo := db.NewAPIKeyRepository()

	key := storagetest.CreateAPIKey(t, db, "100.00", "50.00")

	t.Run("get by hash is cached", func(t *testing.T) {
		got, err := repo.GetByHash(ctx, key.KeyHash)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.True(t, got.CurrentBalance.Equal(decimal.RequireFromString("100")))

		_, err = repo.GetByHash(ctx, key.KeyHash)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), db.GetStats().APIKeyCacheStats.Hits)
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := repo.GetByHash(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
	})

	t.Run("update balance", func(t *testing.T) {
		used := time.Now()
		require.NoError(t, repo.UpdateBalance(ctx, key.ID, decimal.RequireFromString("-12.3456785"), &used))

		acct, err := repo.LockAccount(ctx, key.ID)
		require.NoError(t, err)
		assert.Equal(t, "-12.345678", acct.CurrentBalance.String())
		assert.True(t, acct.CreditLimit.Equal(decimal.RequireFromString("50")))

		got, err := repo.GetByID(ctx, key.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
	})

	t.Run("update unknown key", func(t *testing.T) {
		err := repo.UpdateBalance(ctx, uuid.New(), decimal.Zero, nil)
		assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
	})
}

func TestModelRateRepository_HistoryInvalidatedOnCreate(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	repo := db.NewModelRateRepository()

	storagetest.CreateRate(t, db, "model-x", "0.01", "0.02", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	history, err := repo.History(ctx, "model-x")
	require.NoError(t, err)
	require.Len(t, history, 1)

	storagetest.CreateRate(t, db, "model-x", "0.02", "0.04", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	history, err = repo.History(ctx, "model-x")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].EffectiveFrom.Before(history[1].EffectiveFrom))
	assert.True(t, history[1].OutputRate.Equal(decimal.RequireFromString("0.04")))

	ids, err := repo.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"model-x"}, ids)
}

func TestGenerationRepository(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	repo := db.NewGenerationRepository()
	key := storagetest.CreateAPIKey(t, db, "10", "0")

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var requestIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		g := &models.Generation{
			RequestID:      uuid.New(),
			APIKeyID:       key.ID,
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TokensInput:    10,
			TokensOutput:   5,
			TokensTotal:    15,
			CostAmount:     decimal.RequireFromString("0.001"),
			CostBreakdown:  models.CostBreakdown{"input": decimal.RequireFromString("0.0006"), "output": decimal.RequireFromString("0.0004")},
			BalanceAfter:   decimal.RequireFromString("9.99"),
			GenerationTime: decimal.RequireFromString("0.5"),
			Speed:          decimal.RequireFromString("30"),
			Success:        true,
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, repo.Create(ctx, g))
		requestIDs = append(requestIDs, g.RequestID)
	}

	got, err := repo.GetByRequestID(ctx, requestIDs[1])
	require.NoError(t, err)
	assert.Equal(t, 15, got.TokensTotal)
	assert.True(t, got.CostBreakdown.Sum().Equal(got.CostAmount))
	assert.True(t, got.Success)

	_, err = repo.GetByRequestID(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrGenerationNotFound)

	page, err := repo.ListByAPIKey(ctx, key.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, requestIDs[2], page[0].RequestID)

	count, err := repo.CountByAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	inRange, err := repo.ListByAPIKeyBetween(ctx, key.ID, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, inRange, 2)
}

func TestGenerationRepository_RejectsInconsistentTotal(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	key := storagetest.CreateAPIKey(t, db, "10", "0")

	err := db.NewGenerationRepository().Create(ctx, &models.Generation{
		RequestID:    uuid.New(),
		APIKeyID:     key.ID,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		TokensInput:  10,
		TokensOutput: 5,
		TokensTotal:  16,
		Success:      true,
	})
	assert.Error(t, err)
}

func TestUsageDailyRepository_SaveUpserts(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	repo := db.NewUsageDailyRepository()
	key := storagetest.CreateAPIKey(t, db, "10", "0")

	_, err := repo.Get(ctx, key.ID, "2024-06-01")
	assert.ErrorIs(t, err, storage.ErrUsageDailyNotFound)

	day := models.NewUsageDaily(key.ID, "2024-06-01")
	day.Add(&models.Generation{TokensInput: 3, TokensOutput: 4, CostAmount: decimal.RequireFromString("0.5"), GenerationTime: decimal.RequireFromString("1"), Success: true})
	require.NoError(t, repo.Save(ctx, day))

	day.Add(&models.Generation{TokensInput: 1, CostAmount: decimal.RequireFromString("0.25"), GenerationTime: decimal.RequireFromString("2"), Success: false})
	require.NoError(t, repo.Save(ctx, day))

	got, err := repo.Get(ctx, key.ID, "2024-06-01")
	require.NoError(t, err)
	assert.True(t, got.SameTotals(day))
	assert.Equal(t, int64(1), got.ErrorCount)

	rows, err := repo.ListRange(ctx, key.ID, "2024-05-01", "2024-06-30")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
