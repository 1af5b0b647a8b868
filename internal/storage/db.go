package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver, registered as "sqlite"

	"llm_metering/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the database connection and the in-process caches used by repositories
type DB struct {
	conn   *sqlx.DB
	driver string

	// Cache for frequently accessed data
	apiKeyCache *LRUCache[*models.APIKey]
	rateCache   *LRUCache[[]models.ModelRate]
}

// DBConfig holds database configuration
type DBConfig struct {
	Driver string // DriverPostgres or DriverSQLite
	DSN    string

	// Pool settings. SQLite always runs with a single connection.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	APIKeyCacheSize int
	APIKeyCacheTTL  time.Duration
	RateCacheSize   int
	RateCacheTTL    time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: DriverPostgres,
		DSN:    "postgres://postgres@localhost:5432/metering?sslmode=disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		APIKeyCacheSize: 1000,
		APIKeyCacheTTL:  30 * time.Second,
		RateCacheSize:   500,
		RateCacheTTL:    5 * time.Minute,
	}
}

// NewDB opens and verifies a database connection
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	conn, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// One connection serializes writers and keeps in-memory databases alive.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		conn.SetConnMaxIdleTime(0)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	return &DB{
		conn:        conn,
		driver:      cfg.Driver,
		apiKeyCache: NewLRUCache[*models.APIKey](cfg.APIKeyCacheSize, cfg.APIKeyCacheTTL),
		rateCache:   NewLRUCache[[]models.ModelRate](cfg.RateCacheSize, cfg.RateCacheTTL),
	}, nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.apiKeyCache.Clear()
	db.rateCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats holds connection pool and cache statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration

	APIKeyCacheStats CacheStats
	RateCacheStats   CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		APIKeyCacheStats: db.apiKeyCache.GetStats(),
		RateCacheStats:   db.rateCache.GetStats(),
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// InTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Conn returns the underlying sqlx connection, bypassing repository caches
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// DriverName returns DriverPostgres or DriverSQLite
func (db *DB) DriverName() string {
	return db.driver
}

// Rebind converts a '?' query into the driver's bind style
func (db *DB) Rebind(query string) string {
	return db.conn.Rebind(query)
}

// LockClause returns the row lock suffix for read-modify-write selects.
// SQLite has no row locks; its single connection already serializes writers.
func (db *DB) LockClause() string {
	if db.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// GetAPIKeyCache returns the API key cache
func (db *DB) GetAPIKeyCache() *LRUCache[*models.APIKey] {
	return db.apiKeyCache
}

// GetRateCache returns the per-model rate history cache
func (db *DB) GetRateCache() *LRUCache[[]models.ModelRate] {
	return db.rateCache
}

// CleanupExpiredCacheEntries drops expired entries from both caches
func (db *DB) CleanupExpiredCacheEntries() (apiKeyRemoved, rateRemoved int) {
	apiKeyRemoved = db.apiKeyCache.CleanupExpired()
	rateRemoved = db.rateCache.CleanupExpired()
	return
}

// Repository factory methods

// NewAPIKeyRepository creates a new API key repository
func (db *DB) NewAPIKeyRepository() *APIKeyRepository {
	return NewAPIKeyRepository(db)
}

// NewModelRateRepository creates a new model rate repository
func (db *DB) NewModelRateRepository() *ModelRateRepository {
	return NewModelRateRepository(db)
}

// NewGenerationRepository creates a new generation repository
func (db *DB) NewGenerationRepository() *GenerationRepository {
	return NewGenerationRepository(db)
}

// NewUsageDailyRepository creates a new daily usage repository
func (db *DB) NewUsageDailyRepository() *UsageDailyRepository {
	return NewUsageDailyRepository(db)
}

// dbTime normalizes timestamps before they are written so both drivers store
// the same instant at microsecond precision.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dbTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := dbTime(*t)
	return &v
}
