// Package metering ties the core together for one inbound request: key
// lookup, credit blocking and rate admission before the provider call, usage
// recording after it.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_metering/internal/auth"
	"llm_metering/internal/billing"
	"llm_metering/internal/metrics"
	"llm_metering/internal/models"
	"llm_metering/internal/ratelimit"
	"llm_metering/internal/tokens"
	"llm_metering/internal/usage"
	"llm_metering/internal/utils"
)

var (
	// ErrAPIKeyExpired is returned by Begin for keys past their expiry
	ErrAPIKeyExpired = errors.New("api key expired")

	// ErrCreditBlocked is returned by Begin for keys below their credit limit
	ErrCreditBlocked = errors.New("api key blocked: credit limit exceeded")
)

// RejectedError is returned by Begin when a request must not reach the provider
type RejectedError struct {
	Reason            error
	RetryAfterSeconds int
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Reason.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Reason
}

// Config holds per-request metering settings
type Config struct {
	RequestsPerMinute int // <= 0 disables the rate limit
}

// Meter admits and records requests
type Meter struct {
	keys     auth.APIKeyStore
	ledger   *billing.Ledger
	limiter  ratelimit.Limiter
	recorder *usage.Recorder
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	logger   *utils.Logger
}

// NewMeter creates a meter. m may be nil.
func NewMeter(
	keys auth.APIKeyStore,
	ledger *billing.Ledger,
	limiter ratelimit.Limiter,
	recorder *usage.Recorder,
	m *metrics.Metrics,
	cfg Config,
) *Meter {
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	return &Meter{
		keys:     keys,
		ledger:   ledger,
		limiter:  limiter,
		recorder: recorder,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		logger:   utils.NewLogger("metering"),
	}
}

// Request is the metering scope of one inbound request
type Request struct {
	APIKeyID  uuid.UUID
	RequestID uuid.UUID
	StartedAt time.Time
	Decision  ratelimit.Decision

	meter *Meter
}

// Begin authenticates the key and admits the request. Every rejection is a
// *RejectedError except store failures of the key lookup itself.
func (m *Meter) Begin(ctx context.Context, plaintextKey string) (*Request, error) {
	key, err := m.keys.Lookup(ctx, plaintextKey)
	switch {
	case errors.Is(err, auth.ErrKeyNotFound):
		m.metrics.RecordAdmission("unknown_key")
		return nil, &RejectedError{Reason: err}
	case errors.Is(err, auth.ErrKeyExpired):
		m.metrics.RecordAdmission("expired")
		return nil, &RejectedError{Reason: ErrAPIKeyExpired}
	case err != nil:
		m.metrics.RecordAdmission("error")
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	within, err := m.ledger.WithinCreditLimit(ctx, key.ID)
	if err != nil {
		m.metrics.RecordAdmission("error")
		return nil, fmt.Errorf("failed to check credit limit: %w", err)
	}
	if !within {
		m.metrics.RecordAdmission("blocked")
		return nil, &RejectedError{Reason: ErrCreditBlocked}
	}

	decision, err := m.limiter.Admit(ctx, key.ID.String(), m.cfg.RequestsPerMinute)
	if err != nil {
		m.metrics.RecordAdmission("error")
		m.logger.Warn("Admission check failed, denying request", "api_key_id", key.ID, "error", err)
		return nil, &RejectedError{Reason: err, RetryAfterSeconds: decision.RetryAfterSeconds}
	}
	if !decision.Allowed {
		m.metrics.RecordAdmission("denied")
		return nil, &RejectedError{Reason: decision.Err(), RetryAfterSeconds: decision.RetryAfterSeconds}
	}

	m.metrics.RecordAdmission("allowed")
	return &Request{
		APIKeyID:  key.ID,
		RequestID: uuid.New(),
		StartedAt: m.now(),
		Decision:  decision,
		meter:     m,
	}, nil
}

// Outcome is what the provider call produced
type Outcome struct {
	Provider      string
	Model         string
	AppID         string
	InputPayload  []byte
	OutputPayload []byte
	Tokens        *tokens.TokenCount // reported usage, when the caller already has it
	Err           error              // provider failure; the call is still billed
	IsStreaming   bool
	Metadata      models.JSONB
}

// Finish records the generation. Calling it again for the same request
// returns the first generation with usage.ErrAlreadyRecorded.
func (r *Request) Finish(ctx context.Context, out Outcome) (*models.Generation, error) {
	finishedAt := r.meter.now()

	draft := usage.GenerationDraft{
		RequestID:      r.RequestID,
		APIKeyID:       r.APIKeyID,
		Provider:       out.Provider,
		Model:          out.Model,
		AppID:          out.AppID,
		InputPayload:   out.InputPayload,
		OutputPayload:  out.OutputPayload,
		Tokens:         out.Tokens,
		GenerationTime: finishedAt.Sub(r.StartedAt),
		Success:        out.Err == nil,
		IsStreaming:    out.IsStreaming,
		Metadata:       out.Metadata,
		CreatedAt:      r.StartedAt,
	}
	if out.Err != nil {
		draft.Error = out.Err.Error()
	}

	return r.meter.recorder.Record(ctx, draft)
}
