package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_metering/internal/models"
)

const usageDailyColumns = `id, api_key_id, usage_date, total_requests, total_tokens_input,
	total_tokens_output, total_cost, total_generation_time, average_latency, error_count, updated_at`

// UsageDailyRepository handles per key, per day rollup rows
type UsageDailyRepository struct {
	db *DB
	q  sqlx.ExtContext
}

// NewUsageDailyRepository creates a new daily usage repository
func NewUsageDailyRepository(db *DB) *UsageDailyRepository {
	return &UsageDailyRepository{db: db, q: db.conn}
}

// WithTx returns a repository bound to the transaction
func (r *UsageDailyRepository) WithTx(tx *sqlx.Tx) *UsageDailyRepository {
	return &UsageDailyRepository{db: r.db, q: tx}
}

// Get retrieves the rollup row for a key and day
func (r *UsageDailyRepository) Get(ctx context.Context, apiKeyID uuid.UUID, day string) (*models.UsageDaily, error) {
	var u models.UsageDaily
	query := r.db.Rebind(`
		SELECT ` + usageDailyColumns + `
		FROM usage_daily
		WHERE api_key_id = ? AND usage_date = ?
	` + r.db.LockClause())

	if err := sqlx.GetContext(ctx, r.q, &u, query, apiKeyID, day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageDailyNotFound
		}
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}

	return &u, nil
}

// Save inserts the row, or overwrites the totals of the existing (key, day) row.
func (r *UsageDailyRepository) Save(ctx context.Context, u *models.UsageDaily) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.UpdatedAt = dbTime(time.Now())

	query := r.db.Rebind(`
		INSERT INTO usage_daily (` + usageDailyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (api_key_id, usage_date) DO UPDATE SET
			total_requests = excluded.total_requests,
			total_tokens_input = excluded.total_tokens_input,
			total_tokens_output = excluded.total_tokens_output,
			total_cost = excluded.total_cost,
			total_generation_time = excluded.total_generation_time,
			average_latency = excluded.average_latency,
			error_count = excluded.error_count,
			updated_at = excluded.updated_at
	`)

	_, err := r.q.ExecContext(ctx, query,
		u.ID, u.APIKeyID, u.UsageDate,
		u.TotalRequests, u.TotalTokensInput, u.TotalTokensOutput,
		u.TotalCost.StringFixedBank(models.CostScale),
		u.TotalGenerationTime.StringFixedBank(models.GenerationTimeScale),
		u.AverageLatency.StringFixedBank(models.GenerationTimeScale),
		u.ErrorCount, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save daily usage: %w", err)
	}

	return nil
}

// ListRange returns rollup rows for a key with fromDay <= usage_date <= toDay
func (r *UsageDailyRepository) ListRange(ctx context.Context, apiKeyID uuid.UUID, fromDay, toDay string) ([]models.UsageDaily, error) {
	var rows []models.UsageDaily
	query := r.db.Rebind(`
		SELECT ` + usageDailyColumns + `
		FROM usage_daily
		WHERE api_key_id = ? AND usage_date >= ? AND usage_date <= ?
		ORDER BY usage_date ASC
	`)

	if err := sqlx.SelectContext(ctx, r.q, &rows, query, apiKeyID, fromDay, toDay); err != nil {
		return nil, fmt.Errorf("failed to list daily usage: %w", err)
	}

	return rows, nil
}
