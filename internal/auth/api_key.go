// Package auth issues API keys and resolves plaintext keys into stored ones.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
	"llm_metering/internal/storage"
	"llm_metering/internal/utils"
)

var (
	// ErrKeyNotFound is returned for keys that were never issued
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyExpired is returned for keys past their expiry
	ErrKeyExpired = errors.New("api key expired")
)

// APIKeyStore resolves plaintext API keys into stored records.
type APIKeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*models.APIKey, error)
}

// DBAPIKeyStore looks keys up by hash through the cached key repository
type DBAPIKeyStore struct {
	keys *storage.APIKeyRepository
	now  func() time.Time
}

// NewDBAPIKeyStore creates a database backed key store
func NewDBAPIKeyStore(db *storage.DB) *DBAPIKeyStore {
	return &DBAPIKeyStore{keys: db.NewAPIKeyRepository(), now: time.Now}
}

// Lookup returns the stored key. Expired keys are returned together with
// ErrKeyExpired.
func (s *DBAPIKeyStore) Lookup(ctx context.Context, plaintextKey string) (*models.APIKey, error) {
	if plaintextKey == "" {
		return nil, ErrKeyNotFound
	}

	key, err := s.keys.GetByHash(ctx, HashAPIKey(plaintextKey))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	if key.IsExpired(s.now()) {
		return key, ErrKeyExpired
	}
	return key, nil
}

// IssueOptions describes a key to create
type IssueOptions struct {
	Prefix         string
	Length         int
	Name           string
	InitialBalance decimal.Decimal
	CreditLimit    decimal.Decimal
	ExpiresAt      *time.Time
}

// IssuedKey carries the plaintext key, which is shown once and never stored
type IssuedKey struct {
	Plaintext string         `json:"key"`
	Key       *models.APIKey `json:"api_key"`
}

// Issue generates a key and stores its hash
func Issue(ctx context.Context, db *storage.DB, opts IssueOptions) (*IssuedKey, error) {
	if opts.CreditLimit.IsNegative() {
		return nil, fmt.Errorf("credit limit must not be negative: %s", opts.CreditLimit)
	}

	plaintext, err := GenerateAPIKey(opts.Prefix, opts.Length)
	if err != nil {
		return nil, err
	}

	key := &models.APIKey{
		ID:             uuid.New(),
		KeyHash:        HashAPIKey(plaintext),
		Name:           utils.NilIfEmpty(opts.Name),
		CreatedAt:      time.Now(),
		ExpiresAt:      opts.ExpiresAt,
		CurrentBalance: opts.InitialBalance,
		CreditLimit:    opts.CreditLimit,
	}
	if err := db.NewAPIKeyRepository().Create(ctx, key); err != nil {
		return nil, err
	}

	return &IssuedKey{Plaintext: plaintext, Key: key}, nil
}
