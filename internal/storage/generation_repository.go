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

const generationColumns = `id, request_id, api_key_id, provider, model, app_id,
	tokens_input, tokens_output, tokens_total, cost_amount, cost_breakdown, balance_after,
	generation_time, speed, success, error, is_streaming, metadata, created_at`

// GenerationRepository handles the append-only generation audit log
type GenerationRepository struct {
	db *DB
	q  sqlx.ExtContext
}

// NewGenerationRepository creates a new generation repository
func NewGenerationRepository(db *DB) *GenerationRepository {
	return &GenerationRepository{db: db, q: db.conn}
}

// WithTx returns a repository bound to the transaction
func (r *GenerationRepository) WithTx(tx *sqlx.Tx) *GenerationRepository {
	return &GenerationRepository{db: r.db, q: tx}
}

// Create appends a generation row
func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.CreatedAt = dbTime(g.CreatedAt)

	query := r.db.Rebind(`
		INSERT INTO generations (` + generationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.q.ExecContext(ctx, query,
		g.ID, g.RequestID, g.APIKeyID, g.Provider, g.Model, g.AppID,
		g.TokensInput, g.TokensOutput, g.TokensTotal,
		g.CostAmount.StringFixedBank(models.CostScale),
		g.CostBreakdown,
		g.BalanceAfter.StringFixedBank(models.BalanceScale),
		g.GenerationTime.StringFixedBank(models.GenerationTimeScale),
		g.Speed.StringFixedBank(models.SpeedScale),
		g.Success, g.Error, g.IsStreaming, g.Metadata, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create generation: %w", err)
	}

	return nil
}

// GetByRequestID retrieves a generation by request id
func (r *GenerationRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Generation, error) {
	var g models.Generation
	query := r.db.Rebind(`SELECT ` + generationColumns + ` FROM generations WHERE request_id = ?`)

	if err := sqlx.GetContext(ctx, r.q, &g, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	return &g, nil
}

// ListByAPIKey returns a page of generations for a key, newest first
func (r *GenerationRepository) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]models.Generation, error) {
	var gens []models.Generation
	query := r.db.Rebind(`
		SELECT ` + generationColumns + `
		FROM generations
		WHERE api_key_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`)

	if err := sqlx.SelectContext(ctx, r.q, &gens, query, apiKeyID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}

	return gens, nil
}

// CountByAPIKey returns the number of generations recorded for a key
func (r *GenerationRepository) CountByAPIKey(ctx context.Context, apiKeyID uuid.UUID) (int64, error) {
	var count int64
	query := r.db.Rebind(`SELECT COUNT(*) FROM generations WHERE api_key_id = ?`)

	if err := sqlx.GetContext(ctx, r.q, &count, query, apiKeyID); err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}

	return count, nil
}

// ListByAPIKeyBetween returns every generation of a key with from <= created_at < to
func (r *GenerationRepository) ListByAPIKeyBetween(ctx context.Context, apiKeyID uuid.UUID, from, to time.Time) ([]models.Generation, error) {
	var gens []models.Generation
	query := r.db.Rebind(`
		SELECT ` + generationColumns + `
		FROM generations
		WHERE api_key_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`)

	if err := sqlx.SelectContext(ctx, r.q, &gens, query, apiKeyID, dbTime(from), dbTime(to)); err != nil {
		return nil, fmt.Errorf("failed to list generations in range: %w", err)
	}

	return gens, nil
}
