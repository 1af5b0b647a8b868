package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
)

const apiKeyColumns = `id, key_hash, name, created_at, expires_at, last_used_at, current_balance, credit_limit`

// APIKeyRepository handles API key database operations with caching
type APIKeyRepository struct {
	db    *DB
	q     sqlx.ExtContext
	cache *LRUCache[*models.APIKey]
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{
		db:    db,
		q:     db.conn,
		cache: db.GetAPIKeyCache(),
	}
}

// WithTx returns a repository bound to the transaction
func (r *APIKeyRepository) WithTx(tx *sqlx.Tx) *APIKeyRepository {
	return &APIKeyRepository{db: r.db, q: tx, cache: r.cache}
}

// Create inserts a new API key
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.CreatedAt = dbTime(key.CreatedAt)
	key.ExpiresAt = dbTimePtr(key.ExpiresAt)
	key.CurrentBalance = key.CurrentBalance.RoundBank(models.BalanceScale)
	key.CreditLimit = key.CreditLimit.RoundBank(models.DisplayScale)

	query := r.db.Rebind(`
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.q.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.Name, key.CreatedAt, key.ExpiresAt, key.LastUsedAt,
		key.CurrentBalance.StringFixedBank(models.BalanceScale),
		key.CreditLimit.StringFixedBank(models.DisplayScale),
	)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	return nil
}

// GetByID retrieves an API key by id, bypassing the cache
func (r *APIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var key models.APIKey
	query := r.db.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = ?`)

	if err := sqlx.GetContext(ctx, r.q, &key, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	return &key, nil
}

// GetByHash retrieves an API key by its hash (with caching).
// Cached copies carry a possibly stale balance; read balances through the ledger.
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if cached, found := r.cache.Get(keyHash); found {
		return cached, nil
	}

	var key models.APIKey
	query := r.db.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = ?`)

	if err := sqlx.GetContext(ctx, r.q, &key, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	r.cache.Set(keyHash, &key)
	return &key, nil
}

// Account is the balance view of an API key
type Account struct {
	KeyHash        string          `db:"key_hash"`
	CurrentBalance decimal.Decimal `db:"current_balance"`
	CreditLimit    decimal.Decimal `db:"credit_limit"`
}

// LockAccount reads the balance and credit limit of a key, taking a row lock
// on Postgres. Must be called inside a transaction for the lock to hold.
func (r *APIKeyRepository) LockAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var acct Account
	query := r.db.Rebind(`SELECT key_hash, current_balance, credit_limit FROM api_keys WHERE id = ?` + r.db.LockClause())

	if err := sqlx.GetContext(ctx, r.q, &acct, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to lock API key balance: %w", err)
	}

	return &acct, nil
}

// UpdateBalance writes a balance computed by the ledger
func (r *APIKeyRepository) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal, usedAt *time.Time) error {
	query := r.db.Rebind(`
		UPDATE api_keys
		SET current_balance = ?, last_used_at = COALESCE(?, last_used_at)
		WHERE id = ?
	`)

	result, err := r.q.ExecContext(ctx, query, balance.StringFixedBank(models.BalanceScale), dbTimePtr(usedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update API key balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// InvalidateCache drops the cached view of a key, so the next GetByHash
// reads the committed row
func (r *APIKeyRepository) InvalidateCache(keyHash string) {
	r.cache.Delete(keyHash)
}
