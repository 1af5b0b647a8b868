package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		key_hash VARCHAR(64) NOT NULL UNIQUE,
		name VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		current_balance NUMERIC(18,6) NOT NULL DEFAULT 0,
		credit_limit NUMERIC(12,2) NOT NULL DEFAULT 500.00 CHECK (credit_limit >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS model_rates (
		id UUID PRIMARY KEY,
		model_id VARCHAR(255) NOT NULL,
		input_rate NUMERIC(12,6) NOT NULL CHECK (input_rate >= 0),
		output_rate NUMERIC(12,6) NOT NULL CHECK (output_rate >= 0),
		description TEXT,
		effective_from TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_rates_model_effective ON model_rates (model_id, effective_from)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id UUID PRIMARY KEY,
		request_id UUID NOT NULL UNIQUE,
		api_key_id UUID NOT NULL REFERENCES api_keys(id),
		provider VARCHAR(64) NOT NULL,
		model VARCHAR(255) NOT NULL,
		app_id VARCHAR(255),
		tokens_input INTEGER NOT NULL CHECK (tokens_input >= 0),
		tokens_output INTEGER NOT NULL CHECK (tokens_output >= 0),
		tokens_total INTEGER NOT NULL,
		cost_amount NUMERIC(12,6) NOT NULL,
		cost_breakdown JSONB NOT NULL DEFAULT '{}',
		balance_after NUMERIC(18,6) NOT NULL,
		generation_time NUMERIC(10,3) NOT NULL DEFAULT 0,
		speed NUMERIC(10,2) NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		error TEXT,
		is_streaming BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (tokens_total = tokens_input + tokens_output)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generations_key_created ON generations (api_key_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_daily (
		id UUID PRIMARY KEY,
		api_key_id UUID NOT NULL REFERENCES api_keys(id),
		usage_date CHAR(10) NOT NULL,
		total_requests BIGINT NOT NULL DEFAULT 0,
		total_tokens_input BIGINT NOT NULL DEFAULT 0,
		total_tokens_output BIGINT NOT NULL DEFAULT 0,
		total_cost NUMERIC(14,6) NOT NULL DEFAULT 0,
		total_generation_time NUMERIC(14,3) NOT NULL DEFAULT 0,
		average_latency NUMERIC(10,3) NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (api_key_id, usage_date)
	)`,
}

// SQLite keeps decimal columns as TEXT so values round-trip exactly.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		last_used_at TIMESTAMP,
		current_balance TEXT NOT NULL DEFAULT '0',
		credit_limit TEXT NOT NULL DEFAULT '500.00'
	)`,
	`CREATE TABLE IF NOT EXISTS model_rates (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		input_rate TEXT NOT NULL,
		output_rate TEXT NOT NULL,
		description TEXT,
		effective_from TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_rates_model_effective ON model_rates (model_id, effective_from)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		api_key_id TEXT NOT NULL REFERENCES api_keys(id),
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		app_id TEXT,
		tokens_input INTEGER NOT NULL CHECK (tokens_input >= 0),
		tokens_output INTEGER NOT NULL CHECK (tokens_output >= 0),
		tokens_total INTEGER NOT NULL,
		cost_amount TEXT NOT NULL,
		cost_breakdown TEXT NOT NULL DEFAULT '{}',
		balance_after TEXT NOT NULL,
		generation_time TEXT NOT NULL DEFAULT '0',
		speed TEXT NOT NULL DEFAULT '0',
		success BOOLEAN NOT NULL,
		error TEXT,
		is_streaming BOOLEAN NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		CHECK (tokens_total = tokens_input + tokens_output)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generations_key_created ON generations (api_key_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_daily (
		id TEXT PRIMARY KEY,
		api_key_id TEXT NOT NULL REFERENCES api_keys(id),
		usage_date TEXT NOT NULL,
		total_requests INTEGER NOT NULL DEFAULT 0,
		total_tokens_input INTEGER NOT NULL DEFAULT 0,
		total_tokens_output INTEGER NOT NULL DEFAULT 0,
		total_cost TEXT NOT NULL DEFAULT '0',
		total_generation_time TEXT NOT NULL DEFAULT '0',
		average_latency TEXT NOT NULL DEFAULT '0',
		error_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (api_key_id, usage_date)
	)`,
}

// Migrate creates the metering schema if it does not exist yet.
func Migrate(ctx context.Context, db *DB) error {
	schema := postgresSchema
	if db.driver == DriverSQLite {
		schema = sqliteSchema
	}

	return db.InTx(ctx, func(tx *sqlx.Tx) error {
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration statement %d failed: %w", i+1, err)
			}
		}
		return nil
	})
}
