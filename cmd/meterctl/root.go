package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"llm_metering/internal/billing"
	"llm_metering/internal/cache"
	"llm_metering/internal/config"
	"llm_metering/internal/logging"
	"llm_metering/internal/metrics"
	"llm_metering/internal/pricing"
	"llm_metering/internal/queue"
	"llm_metering/internal/storage"
	"llm_metering/internal/tokens"
	"llm_metering/internal/usage"
)

// dlqName is the dead letter queue holding unbilled generations
const dlqName = "usage"

var rootFlags struct {
	jsonOutput bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meterctl",
		Short: "Operate the LLM usage metering core",
		Long: `meterctl manages API keys, balances and model rates, reports usage and
replays generations that were parked because they could not be billed.

Configuration comes from the environment; a .env file in the working
directory is loaded first when present. DATABASE_URL is required.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&rootFlags.jsonOutput, "json", false, "print results as JSON")
	root.PersistentFlags().DurationVar(&rootFlags.timeout, "timeout", time.Minute, "overall command timeout")

	root.AddCommand(
		newMigrateCmd(),
		newKeysCmd(),
		newRatesCmd(),
		newUsageCmd(),
		newReconcileCmd(),
		newRecordCmd(),
		newProvidersCmd(),
		newHealthCmd(),
	)
	return root
}

// app holds the components a command needs, opened on demand
type app struct {
	cfg     *config.Config
	db      *storage.DB
	redis   *storage.RedisClient
	metrics *metrics.Metrics
}

func openApp(ctx context.Context, withRedis bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	db, err := storage.NewDB(storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		APIKeyCacheSize: cfg.Cache.APIKeyCacheSize,
		APIKeyCacheTTL:  cfg.Cache.APIKeyCacheTTL,
		RateCacheSize:   cfg.Cache.PricingCacheSize,
		RateCacheTTL:    cfg.Cache.PricingCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, metrics: metrics.New(prometheus.NewRegistry())}
	if !withRedis {
		return a, nil
	}

	a.redis, err = storage.NewRedisClient(ctx, storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		Prefix:       cfg.Redis.Prefix,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
	_ = logging.Sync()
}

func (a *app) dlq() queue.DeadLetterQueue {
	return queue.NewRedisDeadLetterQueue(a.redis.Client(), a.redis.Prefix(), dlqName)
}

func (a *app) cache() *cache.Cache {
	return cache.New(a.redis.Client(), a.redis.Prefix(), a.cfg.Cache.DefaultTTL, a.metrics)
}

func (a *app) recorder() *usage.Recorder {
	var dlq queue.DeadLetterQueue
	if a.redis != nil {
		dlq = a.dlq()
	}
	return usage.NewRecorder(
		a.db,
		tokens.NewDefaultCounter(),
		pricing.NewTable(a.db),
		billing.NewLedger(a.db),
		dlq,
		a.metrics,
		usage.Config{
			MaxRetries:   a.cfg.Recorder.MaxRetries,
			RetryBackoff: a.cfg.Recorder.RetryBackoff,
			Timeout:      a.cfg.Recorder.Timeout,
		},
	)
}

// run opens the app and calls fn with a context bounded by --timeout
func run(cmd *cobra.Command, withRedis bool, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rootFlags.timeout)
	defer cancel()

	a, err := openApp(ctx, withRedis)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// printResult writes v as JSON with --json, or calls text otherwise
func printResult(w io.Writer, v any, text func(w io.Writer)) error {
	if rootFlags.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func parseDay(s string) (string, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t.Format("2006-01-02"), nil
}

// parseTime accepts RFC3339 or a bare date (midnight UTC)
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
