package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/models"
	"llm_metering/internal/storage/storagetest"
	"llm_metering/internal/usage"
)

func TestRollup_RebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := storagetest.CreateAPIKey(t, f.db, "10.00", "0")
	storagetest.CreateRate(t, f.db, "gpt-4o", "0.00015", "0.00025", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for i, at := range []time.Time{callTime, callTime.Add(time.Hour), callTime.Add(24 * time.Hour)} {
		d := draft(key.ID, "gpt-4o", 1000*(i+1), 500)
		d.CreatedAt = at
		_, err := f.recorder.Record(ctx, d)
		require.NoError(t, err)
	}

	rollup := usage.NewRollup(f.db)
	rows := f.db.NewUsageDailyRepository()

	before, err := rows.ListRange(ctx, key.ID, "2024-06-01", "2024-06-05")
	require.NoError(t, err)
	require.Len(t, before, 2)

	drifts, err := rollup.Verify(ctx, key.ID, "2024-06-01", "2024-06-05")
	require.NoError(t, err)
	assert.Empty(t, drifts)

	for run := 0; run < 2; run++ {
		written, err := rollup.Rebuild(ctx, key.ID, "2024-06-01", "2024-06-05")
		require.NoError(t, err)
		assert.Equal(t, 2, written)

		after, err := rows.ListRange(ctx, key.ID, "2024-06-01", "2024-06-05")
		require.NoError(t, err)
		require.Len(t, after, len(before))
		for i := range before {
			assert.Equal(t, before[i].UsageDate, after[i].UsageDate)
			assert.True(t, before[i].SameTotals(&after[i]), "day %s", before[i].UsageDate)
		}
	}
}

func TestRollup_VerifyFindsAndRebuildRepairsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := storagetest.CreateAPIKey(t, f.db, "10.00", "0")
	storagetest.CreateRate(t, f.db, "gpt-4o", "0.00015", "0.00025", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := f.recorder.Record(ctx, draft(key.ID, "gpt-4o", 1000, 500))
	require.NoError(t, err)

	rows := f.db.NewUsageDailyRepository()
	row, err := rows.Get(ctx, key.ID, "2024-06-02")
	require.NoError(t, err)
	row.TotalRequests = 7
	row.TotalCost = dec("99")
	require.NoError(t, rows.Save(ctx, row))

	rollup := usage.NewRollup(f.db)
	drifts, err := rollup.Verify(ctx, key.ID, "2024-06-02", "2024-06-02")
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "2024-06-02", drifts[0].Day)
	assert.Equal(t, int64(7), drifts[0].Stored.TotalRequests)
	assert.Equal(t, int64(1), drifts[0].Computed.TotalRequests)

	_, err = rollup.Rebuild(ctx, key.ID, "2024-06-02", "2024-06-02")
	require.NoError(t, err)

	drifts, err = rollup.Verify(ctx, key.ID, "2024-06-02", "2024-06-02")
	require.NoError(t, err)
	assert.Empty(t, drifts)

	row, err = rows.Get(ctx, key.ID, "2024-06-02")
	require.NoError(t, err)
	assert.True(t, row.TotalCost.Equal(dec("0.275")))
}

func TestRollup_RecomputeEmptyDay(t *testing.T) {
	f := newFixture(t)
	key := storagetest.CreateAPIKey(t, f.db, "1", "0")

	row, err := usage.NewRollup(f.db).Recompute(context.Background(), key.ID, "2024-02-29")
	require.NoError(t, err)
	assert.True(t, row.SameTotals(models.NewUsageDaily(key.ID, "2024-02-29")))
}

func TestRollup_InvalidRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := storagetest.CreateAPIKey(t, f.db, "1", "0")
	rollup := usage.NewRollup(f.db)

	_, err := rollup.Verify(ctx, key.ID, "2024-06-05", "2024-06-01")
	assert.Error(t, err)

	_, err = rollup.Rebuild(ctx, key.ID, "2024-06-01", "not-a-day")
	assert.Error(t, err)

	_, err = rollup.Verify(ctx, key.ID, "2020-01-01", "2024-01-01")
	assert.Error(t, err)
}
