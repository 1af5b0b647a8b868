package usage

import (
	"context"
	"errors"
	"fmt"

	"llm_metering/internal/billing"
	"llm_metering/internal/models"
	"llm_metering/internal/queue"
)

// ErrNoDeadLetterQueue is returned by reconciliation calls on a recorder
// built without a dead letter queue
var ErrNoDeadLetterQueue = errors.New("no dead letter queue configured")

// Gap is a parked generation that was never billed
type Gap struct {
	ID      string          `json:"id"`
	Draft   GenerationDraft `json:"draft"`
	Error   string          `json:"error"`
	Retries int             `json:"retries"`
	Parked  string          `json:"parked_at"`
}

// Gaps lists up to n parked generations, oldest first
func (r *Recorder) Gaps(ctx context.Context, n int) ([]Gap, error) {
	if r.dlq == nil {
		return nil, ErrNoDeadLetterQueue
	}

	items, err := r.dlq.List(ctx, n)
	if err != nil {
		return nil, err
	}

	gaps := make([]Gap, 0, len(items))
	for i := range items {
		gap := Gap{
			ID:      items[i].ID,
			Error:   items[i].Error,
			Retries: items[i].Retries,
			Parked:  items[i].Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := items[i].Decode(&gap.Draft); err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

// Reconcile replays one parked generation. The item is removed once the
// generation is billed, including when an earlier replay already billed it.
// A failed replay stays parked with its retry count bumped.
func (r *Recorder) Reconcile(ctx context.Context, id string) (*models.Generation, error) {
	if r.dlq == nil {
		return nil, ErrNoDeadLetterQueue
	}

	item, err := r.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var draft GenerationDraft
	if err := item.Decode(&draft); err != nil {
		return nil, err
	}
	if err := draft.normalize(r.now()); err != nil {
		return nil, err
	}

	gen, change, err := r.recordWithRetry(ctx, &draft)
	if err != nil && !errors.Is(err, ErrAlreadyRecorded) {
		if markErr := r.dlq.MarkRetried(ctx, id, err); markErr != nil {
			r.logger.Error("Failed to mark dead letter item retried", "dlq_id", id, "error", markErr)
		}
		r.logger.Warn("Reconciliation failed", "dlq_id", id, "request_id", draft.RequestID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNotBilled, err)
	}

	if err := r.dlq.Remove(ctx, id); err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		return gen, err
	}
	r.refreshParked(ctx)

	fields := []any{"dlq_id", id, "request_id", draft.RequestID, "api_key_id", draft.APIKeyID}
	if gen != nil {
		fields = append(fields, "generation_id", gen.ID, "cost", gen.CostAmount.String())
	}
	r.logger.Info("Reconciled generation", fields...)

	if change != nil {
		return gen, r.overLimit(change)
	}
	return gen, nil
}

// ReconcileAll replays up to n parked generations and returns how many were
// billed. Over-limit outcomes count as billed.
func (r *Recorder) ReconcileAll(ctx context.Context, n int) (int, error) {
	gaps, err := r.Gaps(ctx, n)
	if err != nil {
		return 0, err
	}

	billed := 0
	for _, gap := range gaps {
		_, err := r.Reconcile(ctx, gap.ID)
		var overLimit *billing.OverCreditLimitError
		if err == nil || errors.As(err, &overLimit) {
			billed++
			continue
		}
		if ctx.Err() != nil {
			return billed, ctx.Err()
		}
	}
	return billed, nil
}
