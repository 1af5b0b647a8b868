package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
	"llm_metering/internal/utils"
)

// MaxRollupDays bounds the day range a single verify or rebuild may walk
const MaxRollupDays = 366

// Drift is a day whose stored rollup disagrees with its generations
type Drift struct {
	Day      string             `json:"date"`
	Stored   *models.UsageDaily `json:"stored"`
	Computed *models.UsageDaily `json:"computed"`
}

// Rollup recomputes usage_daily rows from the generations table
type Rollup struct {
	db     *storage.DB
	logger *utils.Logger
}

// NewRollup creates a rollup maintainer
func NewRollup(db *storage.DB) *Rollup {
	return &Rollup{db: db, logger: utils.NewLogger("rollup")}
}

// Recompute folds every generation of a key and day into a fresh rollup
func (r *Rollup) Recompute(ctx context.Context, apiKeyID uuid.UUID, day string) (*models.UsageDaily, error) {
	return r.recompute(ctx, r.db.NewGenerationRepository(), apiKeyID, day)
}

func (r *Rollup) recompute(ctx context.Context, generations *storage.GenerationRepository, apiKeyID uuid.UUID, day string) (*models.UsageDaily, error) {
	from, to, err := dayBounds(day)
	if err != nil {
		return nil, err
	}

	gens, err := generations.ListByAPIKeyBetween(ctx, apiKeyID, from, to)
	if err != nil {
		return nil, err
	}

	row := models.NewUsageDaily(apiKeyID, day)
	for i := range gens {
		row.Add(&gens[i])
	}
	return row, nil
}

// Verify compares stored rollups of fromDay..toDay against their generations
func (r *Rollup) Verify(ctx context.Context, apiKeyID uuid.UUID, fromDay, toDay string) ([]Drift, error) {
	days, err := dayRange(fromDay, toDay)
	if err != nil {
		return nil, err
	}

	stored, err := r.db.NewUsageDailyRepository().ListRange(ctx, apiKeyID, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]*models.UsageDaily, len(stored))
	for i := range stored {
		byDay[stored[i].UsageDate] = &stored[i]
	}

	var drifts []Drift
	for _, day := range days {
		computed, err := r.Recompute(ctx, apiKeyID, day)
		if err != nil {
			return nil, err
		}

		row, ok := byDay[day]
		if !ok {
			if computed.TotalRequests == 0 {
				continue
			}
			row = models.NewUsageDaily(apiKeyID, day)
		}
		if !row.SameTotals(computed) {
			drifts = append(drifts, Drift{Day: day, Stored: row, Computed: computed})
		}
	}
	return drifts, nil
}

// Rebuild overwrites the rollups of fromDay..toDay with recomputed totals and
// returns the number of rows written. The key's account row is locked so no
// generation of the key commits mid-rebuild. Running it twice writes the same
// totals.
func (r *Rollup) Rebuild(ctx context.Context, apiKeyID uuid.UUID, fromDay, toDay string) (int, error) {
	days, err := dayRange(fromDay, toDay)
	if err != nil {
		return 0, err
	}

	written := 0
	err = r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		written = 0
		if _, err := r.db.NewAPIKeyRepository().WithTx(tx).LockAccount(ctx, apiKeyID); err != nil {
			return err
		}

		generations := r.db.NewGenerationRepository().WithTx(tx)
		rollups := r.db.NewUsageDailyRepository().WithTx(tx)

		for _, day := range days {
			computed, err := r.recompute(ctx, generations, apiKeyID, day)
			if err != nil {
				return err
			}

			if computed.TotalRequests == 0 {
				if _, err := rollups.Get(ctx, apiKeyID, day); errors.Is(err, storage.ErrUsageDailyNotFound) {
					continue
				} else if err != nil {
					return err
				}
			}

			if err := rollups.Save(ctx, computed); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("Rebuilt daily usage",
		"api_key_id", apiKeyID,
		"from", fromDay,
		"to", toDay,
		"rows", written,
	)
	return written, nil
}

func dayBounds(day string) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation(models.DayLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return from, from.AddDate(0, 0, 1), nil
}

// dayRange lists the days fromDay..toDay inclusive
func dayRange(fromDay, toDay string) ([]string, error) {
	from, _, err := dayBounds(fromDay)
	if err != nil {
		return nil, err
	}
	to, _, err := dayBounds(toDay)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, fmt.Errorf("invalid day range: %s is after %s", fromDay, toDay)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(models.DayLayout))
		if len(days) > MaxRollupDays {
			return nil, fmt.Errorf("day range %s..%s exceeds %d days", fromDay, toDay, MaxRollupDays)
		}
	}
	return days, nil
}
