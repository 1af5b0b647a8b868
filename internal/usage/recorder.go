// Package usage records billed generations, maintains their daily rollups
// and serves usage statistics.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"llm_metering/internal/billing"
	"llm_metering/internal/metrics"
	"llm_metering/internal/models"
	"llm_metering/internal/pricing"
	"llm_metering/internal/queue"
	"llm_metering/internal/storage"
	"llm_metering/internal/tokens"
	"llm_metering/internal/utils"
)

// Config holds recorder transaction settings
type Config struct {
	MaxRetries   int           // retries after the first attempt, transient errors only
	RetryBackoff time.Duration // doubled after every retry
	Timeout      time.Duration // per attempt
}

// DefaultConfig returns default recorder configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
		Timeout:      10 * time.Second,
	}
}

// Recorder is the only writer of generations and usage_daily. Pricing,
// debit, the generation insert and the rollup upsert commit together.
type Recorder struct {
	db      *storage.DB
	counter *tokens.Counter
	pricing *pricing.Table
	ledger  *billing.Ledger
	dlq     queue.DeadLetterQueue
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	logger  *utils.Logger
}

// NewRecorder creates a usage recorder. dlq and m may be nil.
func NewRecorder(
	db *storage.DB,
	counter *tokens.Counter,
	table *pricing.Table,
	ledger *billing.Ledger,
	dlq queue.DeadLetterQueue,
	m *metrics.Metrics,
	cfg Config,
) *Recorder {
	return &Recorder{
		db:      db,
		counter: counter,
		pricing: table,
		ledger:  ledger,
		dlq:     dlq,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  utils.NewLogger("usage"),
	}
}

// Record bills one generation.
//
// On success the committed generation is returned; if the debit left the key
// over its credit limit the error is a *billing.OverCreditLimitError and the
// generation is still returned. A request id recorded before yields the
// existing generation with ErrAlreadyRecorded. Any other failure parks the
// draft for reconciliation and returns an error wrapping ErrNotBilled.
func (r *Recorder) Record(ctx context.Context, draft GenerationDraft) (*models.Generation, error) {
	start := r.now()

	if err := draft.normalize(start); err != nil {
		r.metrics.RecordOutcome("rejected", r.now().Sub(start))
		return nil, err
	}

	gen, change, err := r.recordWithRetry(ctx, &draft)
	switch {
	case err == nil:
		r.metrics.RecordOutcome("recorded", r.now().Sub(start))
		return gen, r.overLimit(change)
	case errors.Is(err, ErrAlreadyRecorded):
		r.metrics.RecordOutcome("duplicate", r.now().Sub(start))
		return gen, err
	}

	r.metrics.RecordOutcome("parked", r.now().Sub(start))
	return nil, r.park(ctx, &draft, err)
}

func (r *Recorder) overLimit(change *billing.BalanceChange) error {
	if err := change.Err(); err != nil {
		r.metrics.RecordOverLimit()
		return err
	}
	return nil
}

func (r *Recorder) recordWithRetry(ctx context.Context, draft *GenerationDraft) (*models.Generation, *billing.BalanceChange, error) {
	count, err := r.count(draft)
	if err != nil {
		return nil, nil, err
	}

	backoff := r.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		gen, change, err := r.recordOnce(ctx, draft, count)
		if err == nil {
			r.metrics.RecordUsage(gen.Model, gen.TokensInput, gen.TokensOutput, gen.CostAmount)
			return gen, change, nil
		}

		if errors.Is(err, ErrAlreadyRecorded) {
			return gen, nil, err
		}

		if attempt >= r.cfg.MaxRetries || !utils.IsRecoverableError(err) {
			return nil, nil, err
		}

		r.logger.Warn("Recording failed, retrying",
			"request_id", draft.RequestID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("recording cancelled after %d attempts: %w", attempt+1, err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (r *Recorder) count(draft *GenerationDraft) (tokens.TokenCount, error) {
	if draft.Tokens != nil {
		if err := draft.Tokens.Validate(); err != nil {
			return tokens.TokenCount{}, err
		}
		return *draft.Tokens, nil
	}
	return r.counter.Count(draft.Provider, draft.Model, draft.InputPayload, draft.OutputPayload)
}

func (r *Recorder) recordOnce(ctx context.Context, draft *GenerationDraft, count tokens.TokenCount) (*models.Generation, *billing.BalanceChange, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var (
		gen    *models.Generation
		change *billing.BalanceChange
	)

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		generations := r.db.NewGenerationRepository().WithTx(tx)

		// the existing row is read in full, so ErrAlreadyRecorded always
		// carries the generation it refers to
		existing, err := generations.GetByRequestID(ctx, draft.RequestID)
		if err == nil {
			gen = existing
			return ErrAlreadyRecorded
		}
		if !errors.Is(err, storage.ErrGenerationNotFound) {
			return err
		}

		// priced as of the call, so a replay bills what the call would have
		rate, err := r.pricing.ResolveTx(ctx, tx, draft.Model, draft.CreatedAt)
		if err != nil {
			return err
		}
		cost := billing.Price(count, rate)

		change, err = r.ledger.DebitTx(ctx, tx, draft.APIKeyID, cost.Amount)
		if err != nil {
			return err
		}

		generationTime := models.SecondsOf(draft.GenerationTime)
		gen = &models.Generation{
			RequestID:      draft.RequestID,
			APIKeyID:       draft.APIKeyID,
			Provider:       draft.Provider,
			Model:          draft.Model,
			AppID:          utils.NilIfEmpty(draft.AppID),
			TokensInput:    count.Input,
			TokensOutput:   count.Output,
			TokensTotal:    count.Total,
			CostAmount:     cost.Amount,
			CostBreakdown:  cost.Breakdown,
			BalanceAfter:   change.NewBalance,
			GenerationTime: generationTime,
			Speed:          models.ComputeSpeed(count.Total, generationTime),
			Success:        draft.Success,
			Error:          utils.NilIfEmpty(draft.Error),
			IsStreaming:    draft.IsStreaming,
			Metadata:       draft.Metadata,
			CreatedAt:      draft.CreatedAt,
		}
		if err := generations.Create(ctx, gen); err != nil {
			return err
		}

		return addToRollup(ctx, r.db.NewUsageDailyRepository().WithTx(tx), gen)
	})
	if errors.Is(err, ErrAlreadyRecorded) {
		return gen, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	return gen, change, nil
}

func addToRollup(ctx context.Context, repo *storage.UsageDailyRepository, gen *models.Generation) error {
	day := models.DayOf(gen.CreatedAt)

	row, err := repo.Get(ctx, gen.APIKeyID, day)
	if errors.Is(err, storage.ErrUsageDailyNotFound) {
		row = models.NewUsageDaily(gen.APIKeyID, day)
	} else if err != nil {
		return err
	}

	row.Add(gen)
	return repo.Save(ctx, row)
}

// park moves a draft that could not be billed to the dead letter queue
func (r *Recorder) park(ctx context.Context, draft *GenerationDraft, cause error) error {
	notBilled := fmt.Errorf("%w: %w", ErrNotBilled, cause)

	fields := []any{
		"api_key_id", draft.APIKeyID,
		"request_id", draft.RequestID,
		"provider", draft.Provider,
		"model", draft.Model,
		"error", cause,
	}

	if r.dlq == nil {
		r.logger.Error("Reconciliation gap, no dead letter queue configured", fields...)
		return notBilled
	}

	// the request context may already be cancelled; parking must still happen
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	id, err := r.dlq.Add(parkCtx, draft, cause)
	if err != nil {
		r.logger.Error("Reconciliation gap, failed to park generation", append(fields, "park_error", err)...)
		return notBilled
	}

	r.logger.Error("Reconciliation gap", append(fields, "dlq_id", id)...)
	r.refreshParked(parkCtx)
	return notBilled
}

func (r *Recorder) refreshParked(ctx context.Context) {
	if r.dlq == nil || r.metrics == nil {
		return
	}
	if n, err := r.dlq.Length(ctx); err == nil {
		r.metrics.SetParked(n)
	}
}
