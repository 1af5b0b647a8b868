package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_metering/internal/models"
)

const modelRateColumns = `id, model_id, input_rate, output_rate, description, effective_from, created_at`

// ModelRateRepository handles model rate rows. Rows are append-only, so a
// model's full history is cached and invalidated on insert. A repository bound
// to a transaction neither reads nor fills the cache, so billing sees rates
// added by another process.
type ModelRateRepository struct {
	db       *DB
	q        sqlx.ExtContext
	cache    *LRUCache[[]models.ModelRate]
	uncached bool
}

// NewModelRateRepository creates a new model rate repository
func NewModelRateRepository(db *DB) *ModelRateRepository {
	return &ModelRateRepository{
		db:    db,
		q:     db.conn,
		cache: db.GetRateCache(),
	}
}

// WithTx returns a repository bound to the transaction
func (r *ModelRateRepository) WithTx(tx *sqlx.Tx) *ModelRateRepository {
	return &ModelRateRepository{db: r.db, q: tx, cache: r.cache, uncached: true}
}

// Create inserts a new rate row
func (r *ModelRateRepository) Create(ctx context.Context, rate *models.ModelRate) error {
	if rate.ID == uuid.Nil {
		rate.ID = uuid.New()
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now()
	}
	rate.CreatedAt = dbTime(rate.CreatedAt)
	rate.EffectiveFrom = dbTime(rate.EffectiveFrom)

	query := r.db.Rebind(`
		INSERT INTO model_rates (` + modelRateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.q.ExecContext(ctx, query,
		rate.ID, rate.ModelID,
		rate.InputRate.StringFixedBank(models.RateScale),
		rate.OutputRate.StringFixedBank(models.RateScale),
		rate.Description, rate.EffectiveFrom, rate.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create model rate: %w", err)
	}

	r.cache.Delete(rate.ModelID)
	return nil
}

// History returns every rate row for a model ordered by effective_from ascending
func (r *ModelRateRepository) History(ctx context.Context, modelID string) ([]models.ModelRate, error) {
	if !r.uncached {
		if cached, found := r.cache.Get(modelID); found {
			return cached, nil
		}
	}

	var rates []models.ModelRate
	query := r.db.Rebind(`
		SELECT ` + modelRateColumns + `
		FROM model_rates
		WHERE model_id = ?
		ORDER BY effective_from ASC, created_at ASC
	`)

	if err := sqlx.SelectContext(ctx, r.q, &rates, query, modelID); err != nil {
		return nil, fmt.Errorf("failed to list model rates: %w", err)
	}

	// An empty history is not cached so a newly priced model resolves at once.
	if !r.uncached && len(rates) > 0 {
		r.cache.Set(modelID, rates)
	}
	return rates, nil
}

// ListModels returns the distinct model identifiers that have rates
func (r *ModelRateRepository) ListModels(ctx context.Context) ([]string, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, r.q, &ids, `SELECT DISTINCT model_id FROM model_rates ORDER BY model_id`); err != nil {
		return nil, fmt.Errorf("failed to list rated models: %w", err)
	}
	return ids, nil
}
