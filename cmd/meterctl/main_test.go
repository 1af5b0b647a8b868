package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/auth"
	"llm_metering/internal/models"
	"llm_metering/internal/usage"
)

func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "metering.db") + "?_pragma=foreign_keys(1)&_time_format=sqlite"
	mr := miniredis.RunT(t)

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("REDIS_ADDRESS", mr.Addr())
	t.Setenv("REDIS_PREFIX", "test")
	t.Setenv("RATE_LIMIT_DEFAULT", "100")
	t.Setenv("LOG_LEVEL", "error")
	return mr
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestMeterctl_EndToEnd(t *testing.T) {
	setupEnv(t)

	assert.Contains(t, mustExecute(t, "migrate"), "Schema is up to date")
	// idempotent
	mustExecute(t, "migrate")

	var issued auth.IssuedKey
	out := mustExecute(t, "keys", "create", "--name", "ci", "--balance", "10", "--credit-limit", "0", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	require.NotEmpty(t, issued.Plaintext)
	keyID := issued.Key.ID.String()

	mustExecute(t, "rates", "add", "gpt-4o", "--input", "0.00015", "--output", "0.00025", "--from", "2024-01-01")
	assert.Contains(t, mustExecute(t, "rates", "list"), "gpt-4o")
	assert.Contains(t, mustExecute(t, "rates", "resolve", "gpt-4o", "--at", "2024-03-01"), "0.000150")

	var gen models.Generation
	out = mustExecute(t, "record", issued.Plaintext, "--model", "gpt-4o", "--input-tokens", "1000", "--output-tokens", "500", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &gen))
	assert.True(t, gen.CostAmount.Equal(decimal.RequireFromString("0.275")))
	assert.True(t, gen.BalanceAfter.Equal(decimal.RequireFromString("9.725")))

	assert.Contains(t, mustExecute(t, "keys", "show", keyID), "9.72")

	var sum usage.Summary
	out = mustExecute(t, "usage", "summary", keyID, "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, int64(1), sum.RequestCount)
	assert.True(t, sum.TotalCost.Equal(decimal.RequireFromString("0.275")))

	var page usage.GenerationPage
	out = mustExecute(t, "usage", "generations", keyID, "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, int64(1), page.Total)
	assert.False(t, page.HasMore)

	assert.Contains(t, mustExecute(t, "usage", "verify", keyID), "match")
	assert.Contains(t, mustExecute(t, "usage", "rebuild", keyID), "Rebuilt 1 day(s)")

	out = mustExecute(t, "keys", "topup", keyID, "5")
	assert.Contains(t, out, "14.72")
}

func TestMeterctl_ReconcileUnpricedGeneration(t *testing.T) {
	setupEnv(t)
	mustExecute(t, "migrate")

	var issued auth.IssuedKey
	out := mustExecute(t, "keys", "create", "--balance", "10", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &issued))

	_, err := execute(t, "record", issued.Plaintext, "--model", "unpriced", "--input-tokens", "100", "--output-tokens", "100")
	require.ErrorIs(t, err, usage.ErrNotBilled)

	var gaps []usage.Gap
	out = mustExecute(t, "reconcile", "list", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &gaps))
	require.Len(t, gaps, 1)
	assert.Equal(t, "unpriced", gaps[0].Draft.Model)

	_, err = execute(t, "reconcile", "replay", "--all", gaps[0].ID)
	assert.Error(t, err)

	from := time.Now().UTC().AddDate(0, 0, -1).Format(time.RFC3339)
	mustExecute(t, "rates", "add", "unpriced", "--input", "0.01", "--output", "0.01", "--from", from)

	assert.Contains(t, mustExecute(t, "reconcile", "replay", "--all"), "Billed 1 generation(s), 0 still parked")
	assert.Contains(t, mustExecute(t, "reconcile", "list"), "No unbilled generations")
}

func TestMeterctl_ProviderStatus(t *testing.T) {
	mr := setupEnv(t)

	assert.Contains(t, mustExecute(t, "providers", "status", "openai", "gpt-4o"), "No status cached")

	mustExecute(t, "providers", "set", "openai", "gpt-4o", "degraded", "--latency-ms", "850")
	assert.True(t, mr.Exists("test:cache:provider_status:openai:gpt-4o"))

	out := mustExecute(t, "providers", "status", "openai", "gpt-4o")
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "850ms")

	_, err := execute(t, "providers", "set", "openai", "gpt-4o", "sideways")
	assert.Error(t, err)
}

func TestMeterctl_Health(t *testing.T) {
	mr := setupEnv(t)
	mustExecute(t, "migrate")

	var report healthReport
	out := mustExecute(t, "health", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ok", report.Database)
	assert.Equal(t, "ok", report.Redis)
	assert.Zero(t, report.ParkedRecords)
	assert.Equal(t, 1, report.Stats.MaxOpenConnections)
	assert.Empty(t, mr.Keys())

	mr.Close()
	_, err := execute(t, "health")
	assert.Error(t, err)
}

func TestMeterctl_InvalidArguments(t *testing.T) {
	setupEnv(t)

	tests := [][]string{
		{"keys", "show", "not-a-uuid"},
		{"usage", "summary", "not-a-uuid"},
		{"usage", "summary", "00000000-0000-0000-0000-000000000001", "--from", "June"},
		{"keys", "topup", "00000000-0000-0000-0000-000000000001", "ten"},
		{"reconcile", "replay"},
	}
	for _, args := range tests {
		_, err := execute(t, args...)
		assert.Error(t, err, "%v", args)
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-06-01T12:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), got)

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
