package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_metering/internal/metrics"
	"llm_metering/internal/models"
)

type snapshot struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "xrouter", time.Hour, metrics.New(prometheus.NewRegistry())), mr
}

func TestCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	var got snapshot
	assert.False(t, c.Get(ctx, "k", &got))

	require.NoError(t, c.Set(ctx, "k", snapshot{Name: "a", Count: 2}, 0))
	assert.True(t, mr.Exists("xrouter:cache:k"))
	assert.Equal(t, time.Hour, mr.TTL("xrouter:cache:k"))

	assert.True(t, c.Get(ctx, "k", &got))
	assert.Equal(t, snapshot{Name: "a", Count: 2}, got)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, c.Get(ctx, "k", &got))
}

func TestCache_ExplicitTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Set(ctx, "short", snapshot{}, 5*time.Second))
	mr.FastForward(6 * time.Second)

	var got snapshot
	assert.False(t, c.Get(ctx, "short", &got))
}

func TestCache_UndecodableValueIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, mr.Set("xrouter:cache:bad", "{not json"))

	var got snapshot
	assert.False(t, c.Get(ctx, "bad", &got))
}

func TestCache_StoreDownIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	c := New(client, "xrouter", time.Hour, nil)

	var got snapshot
	assert.False(t, c.Get(context.Background(), "k", &got))
	assert.Error(t, c.Set(context.Background(), "k", snapshot{}, 0))
}

func TestGetOrLoad(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	calls := 0
	load := func(ctx context.Context) (snapshot, error) {
		calls++
		return snapshot{Name: "loaded", Count: calls}, nil
	}

	v, err := GetOrLoad(ctx, c, "lazy", 0, load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v.Name)

	v, err = GetOrLoad(ctx, c, "lazy", 0, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Count)
	assert.Equal(t, 1, calls)

	_, err = GetOrLoad(ctx, c, "failing", 0, func(ctx context.Context) (snapshot, error) {
		return snapshot{}, errors.New("upstream down")
	})
	assert.Error(t, err)
}

func TestProviderStatusStore(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)
	store := NewProviderStatusStore(c, 60*time.Second)

	assert.True(t, store.Available(ctx, "gigachat", "GigaChat-Pro"))

	latency := 850
	require.NoError(t, store.Put(ctx, &models.ProviderStatus{
		Provider:  "gigachat",
		Model:     "GigaChat-Pro",
		Status:    models.ProviderDown,
		LatencyMS: &latency,
	}))

	status, ok := store.Get(ctx, "gigachat", "GigaChat-Pro")
	require.True(t, ok)
	assert.Equal(t, models.ProviderDown, status.Status)
	assert.Equal(t, 850, *status.LatencyMS)
	assert.False(t, status.UpdatedAt.IsZero())
	assert.False(t, store.Available(ctx, "gigachat", "GigaChat-Pro"))

	mr.FastForward(61 * time.Second)
	_, ok = store.Get(ctx, "gigachat", "GigaChat-Pro")
	assert.False(t, ok)

	require.NoError(t, store.Clear(ctx, "gigachat", "GigaChat-Pro"))
}
