package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/models"
	"llm_metering/internal/pricing"
	"llm_metering/internal/storage"
	"llm_metering/internal/storage/storagetest"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTable_ResolveByEffectiveDate(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	table := pricing.NewTable(db)

	_, err := table.AddRate(ctx, "model-x", decimal.RequireFromString("0.01"), decimal.RequireFromString("0.02"), "launch", day(2024, 1, 1))
	require.NoError(t, err)
	_, err = table.AddRate(ctx, "model-x", decimal.RequireFromString("0.02"), decimal.RequireFromString("0.04"), "", day(2024, 6, 1))
	require.NoError(t, err)

	tests := []struct {
		name   string
		asOf   time.Time
		input  string
		output string
	}{
		{"before the second row", day(2024, 3, 1), "0.01", "0.02"},
		{"after the second row", day(2024, 7, 1), "0.02", "0.04"},
		{"exactly at effective_from", day(2024, 6, 1), "0.02", "0.04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, err := table.Resolve(ctx, "model-x", tt.asOf)
			require.NoError(t, err)
			assert.True(t, rate.InputRate.Equal(decimal.RequireFromString(tt.input)), "input %s", rate.InputRate)
			assert.True(t, rate.OutputRate.Equal(decimal.RequireFromString(tt.output)), "output %s", rate.OutputRate)
		})
	}
}

func TestTable_RateNotFound(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	table := pricing.NewTable(db)

	_, err := table.Resolve(ctx, "unknown", time.Now())
	assert.ErrorIs(t, err, pricing.ErrRateNotFound)

	_, err = table.AddRate(ctx, "model-y", decimal.RequireFromString("0.01"), decimal.RequireFromString("0.01"), "", day(2030, 1, 1))
	require.NoError(t, err)

	_, err = table.Resolve(ctx, "model-y", day(2024, 1, 1))
	assert.ErrorIs(t, err, pricing.ErrRateNotFound)
}

func TestTable_AddRateValidatesAndRounds(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	table := pricing.NewTable(db)

	_, err := table.AddRate(ctx, "m", decimal.RequireFromString("-0.1"), decimal.Zero, "", time.Time{})
	assert.ErrorIs(t, err, pricing.ErrInvalidRate)

	_, err = table.AddRate(ctx, " ", decimal.Zero, decimal.Zero, "", time.Time{})
	assert.ErrorIs(t, err, pricing.ErrInvalidRate)

	rate, err := table.AddRate(ctx, "m", decimal.RequireFromString("0.0000125"), decimal.RequireFromString("0.0000135"), "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.000012", rate.InputRate.String())
	assert.Equal(t, "0.000014", rate.OutputRate.String())

	current, err := table.Current(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, rate.ID, current.ID)

	ids, err := table.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, ids)
}

// insertRate writes a rate row behind the repository, as another process would.
func insertRate(t *testing.T, db *storage.DB, modelID, input, output string, effectiveFrom time.Time) {
	t.Helper()
	storagetest.Exec(t, db,
		`INSERT INTO model_rates (id, model_id, input_rate, output_rate, effective_from, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), modelID, input, output, effectiveFrom, time.Now().UTC().Truncate(time.Microsecond),
	)
}

func resolveTx(t *testing.T, db *storage.DB, table *pricing.Table, modelID string, asOf time.Time) (*models.ModelRate, error) {
	t.Helper()

	var rate *models.ModelRate
	var resolveErr error
	require.NoError(t, db.InTx(context.Background(), func(tx *sqlx.Tx) error {
		rate, resolveErr = table.ResolveTx(context.Background(), tx, modelID, asOf)
		return nil
	}))
	return rate, resolveErr
}

func TestTable_ResolveTxSeesRatesFromOtherWriters(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	table := pricing.NewTable(db)
	asOf := time.Date(2024, 6, 2, 10, 30, 0, 0, time.UTC)

	t.Run("superseded rate", func(t *testing.T) {
		_, err := table.AddRate(ctx, "model-x", decimal.RequireFromString("0.01"), decimal.RequireFromString("0.02"), "", day(2024, 1, 1))
		require.NoError(t, err)

		// fills the history cache
		rate, err := table.Resolve(ctx, "model-x", asOf)
		require.NoError(t, err)
		assert.True(t, rate.InputRate.Equal(decimal.RequireFromString("0.01")))

		insertRate(t, db, "model-x", "0.03", "0.05", day(2024, 6, 1))

		rate, err = resolveTx(t, db, table, "model-x", asOf)
		require.NoError(t, err)
		assert.True(t, rate.InputRate.Equal(decimal.RequireFromString("0.03")), "input %s", rate.InputRate)
		assert.True(t, rate.OutputRate.Equal(decimal.RequireFromString("0.05")), "output %s", rate.OutputRate)
	})

	t.Run("model priced after a miss", func(t *testing.T) {
		_, err := table.Resolve(ctx, "model-new", asOf)
		require.ErrorIs(t, err, pricing.ErrRateNotFound)
		_, err = resolveTx(t, db, table, "model-new", asOf)
		require.ErrorIs(t, err, pricing.ErrRateNotFound)

		insertRate(t, db, "model-new", "0.02", "0.02", day(2024, 1, 1))

		rate, err := resolveTx(t, db, table, "model-new", asOf)
		require.NoError(t, err)
		assert.True(t, rate.InputRate.Equal(decimal.RequireFromString("0.02")))

		rate, err = table.Resolve(ctx, "model-new", asOf)
		require.NoError(t, err)
		assert.True(t, rate.InputRate.Equal(decimal.RequireFromString("0.02")))
	})
}

func TestSelect_TiesPreferLatestCreated(t *testing.T) {
	eff := day(2024, 1, 1)
	history := []models.ModelRate{
		{ModelID: "m", InputRate: decimal.NewFromInt(1), EffectiveFrom: eff, CreatedAt: eff},
		{ModelID: "m", InputRate: decimal.NewFromInt(2), EffectiveFrom: eff, CreatedAt: eff.Add(time.Hour)},
	}

	rate, ok := pricing.Select(history, day(2024, 2, 1))
	require.True(t, ok)
	assert.True(t, rate.InputRate.Equal(decimal.NewFromInt(2)))

	_, ok = pricing.Select(history, day(2023, 12, 31))
	assert.False(t, ok)
}
