// Package pricing resolves the per-token rates in effect for a model.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
	"llm_metering/internal/utils"
)

var (
	// ErrRateNotFound is returned when no rate is in effect for a model
	ErrRateNotFound = errors.New("no rate in effect for model")

	// ErrInvalidRate is returned for negative rates or empty model ids
	ErrInvalidRate = errors.New("invalid model rate")
)

// Table resolves ModelRate rows. Resolve reads the repository's history
// cache; ResolveTx, used for billing, always reads the table.
type Table struct {
	repo   *storage.ModelRateRepository
	now    func() time.Time
	logger *utils.Logger
}

// NewTable creates a pricing table over the database
func NewTable(db *storage.DB) *Table {
	return &Table{
		repo:   db.NewModelRateRepository(),
		now:    time.Now,
		logger: utils.NewLogger("pricing"),
	}
}

// Resolve returns the row with the latest effective_from not after asOf
func (t *Table) Resolve(ctx context.Context, modelID string, asOf time.Time) (*models.ModelRate, error) {
	return t.resolve(ctx, t.repo, modelID, asOf)
}

// ResolveTx is Resolve reading the table through an open transaction,
// bypassing the per-process history cache.
func (t *Table) ResolveTx(ctx context.Context, tx *sqlx.Tx, modelID string, asOf time.Time) (*models.ModelRate, error) {
	return t.resolve(ctx, t.repo.WithTx(tx), modelID, asOf)
}

// Current resolves the rate in effect now
func (t *Table) Current(ctx context.Context, modelID string) (*models.ModelRate, error) {
	return t.Resolve(ctx, modelID, t.now())
}

func (t *Table) resolve(ctx context.Context, repo *storage.ModelRateRepository, modelID string, asOf time.Time) (*models.ModelRate, error) {
	history, err := repo.History(ctx, modelID)
	if err != nil {
		return nil, err
	}

	rate, ok := Select(history, asOf)
	if !ok {
		return nil, fmt.Errorf("%w: %s as of %s", ErrRateNotFound, modelID, asOf.UTC().Format(time.RFC3339))
	}
	return rate, nil
}

// Select picks the row with the maximal effective_from <= asOf. Rows sharing
// an effective_from resolve to the one created last.
func Select(history []models.ModelRate, asOf time.Time) (*models.ModelRate, bool) {
	var best *models.ModelRate
	for i := range history {
		r := &history[i]
		if r.EffectiveFrom.After(asOf) {
			continue
		}
		if best == nil ||
			r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && !r.CreatedAt.Before(best.CreatedAt)) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}

	rate := *best
	return &rate, true
}

// History lists all rate rows of a model, oldest first
func (t *Table) History(ctx context.Context, modelID string) ([]models.ModelRate, error) {
	history, err := t.repo.History(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return append([]models.ModelRate(nil), history...), nil
}

// Models lists every model that has at least one rate row
func (t *Table) Models(ctx context.Context) ([]string, error) {
	return t.repo.ListModels(ctx)
}

// AddRate supersedes the current rate by appending a new row
func (t *Table) AddRate(ctx context.Context, modelID string, inputRate, outputRate decimal.Decimal, description string, effectiveFrom time.Time) (*models.ModelRate, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, fmt.Errorf("%w: model id is required", ErrInvalidRate)
	}
	if inputRate.IsNegative() || outputRate.IsNegative() {
		return nil, fmt.Errorf("%w: rates must not be negative", ErrInvalidRate)
	}
	if effectiveFrom.IsZero() {
		effectiveFrom = t.now()
	}

	rate := &models.ModelRate{
		ModelID:       modelID,
		InputRate:     inputRate.RoundBank(models.RateScale),
		OutputRate:    outputRate.RoundBank(models.RateScale),
		Description:   utils.NilIfEmpty(description),
		EffectiveFrom: effectiveFrom,
		CreatedAt:     t.now(),
	}

	if err := t.repo.Create(ctx, rate); err != nil {
		return nil, err
	}

	t.logger.Info("Model rate added",
		"model", modelID,
		"input_rate", rate.InputRate.String(),
		"output_rate", rate.OutputRate.String(),
		"effective_from", rate.EffectiveFrom,
	)
	return rate, nil
}
