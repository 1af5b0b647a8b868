package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"llm_metering/internal/models"
	"llm_metering/internal/tokens"
)

var (
	// ErrInvalidDraft is returned for drafts that can never be recorded
	ErrInvalidDraft = errors.New("invalid generation draft")

	// ErrAlreadyRecorded is returned when the request id was recorded before
	ErrAlreadyRecorded = errors.New("generation already recorded")

	// ErrNotBilled is returned when recording failed durably; the draft is
	// parked for reconciliation and the generation is not billed
	ErrNotBilled = errors.New("generation not billed")
)

// GenerationDraft is what the serving layer reports after a provider call,
// successful or not.
type GenerationDraft struct {
	RequestID uuid.UUID `json:"request_id"`
	APIKeyID  uuid.UUID `json:"api_key_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	AppID     string    `json:"app_id,omitempty"`

	// Raw request and response bodies handed to the token counter
	InputPayload  []byte `json:"input_payload,omitempty"`
	OutputPayload []byte `json:"output_payload,omitempty"`

	// Tokens, when set, are used as-is instead of counting the payloads
	Tokens *tokens.TokenCount `json:"tokens,omitempty"`

	GenerationTime time.Duration `json:"generation_time"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	IsStreaming    bool          `json:"is_streaming"`
	Metadata       models.JSONB  `json:"metadata,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// normalize fills defaults and rejects drafts that can never be recorded
func (d *GenerationDraft) normalize(now time.Time) error {
	if d.RequestID == uuid.Nil {
		d.RequestID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.Provider = strings.TrimSpace(d.Provider)
	d.Model = strings.TrimSpace(d.Model)

	switch {
	case d.APIKeyID == uuid.Nil:
		return fmt.Errorf("%w: api key id is required", ErrInvalidDraft)
	case d.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidDraft)
	case d.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidDraft)
	case d.GenerationTime < 0:
		return fmt.Errorf("%w: negative generation time", ErrInvalidDraft)
	case !d.Success && strings.TrimSpace(d.Error) == "":
		return fmt.Errorf("%w: failed generation must carry an error", ErrInvalidDraft)
	}
	return nil
}
