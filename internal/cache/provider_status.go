package cache

import (
	"context"
	"fmt"
	"time"

	"llm_metering/internal/models"
)

// ProviderStatusStore keeps provider health snapshots in the cache
type ProviderStatusStore struct {
	cache *Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewProviderStatusStore creates a store whose snapshots live for ttl
func NewProviderStatusStore(c *Cache, ttl time.Duration) *ProviderStatusStore {
	return &ProviderStatusStore{cache: c, ttl: ttl, now: time.Now}
}

func providerStatusKey(provider, model string) string {
	return fmt.Sprintf("provider_status:%s:%s", provider, model)
}

// Put stores a snapshot, stamping UpdatedAt when unset
func (s *ProviderStatusStore) Put(ctx context.Context, status *models.ProviderStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	return s.cache.Set(ctx, providerStatusKey(status.Provider, status.Model), status, s.ttl)
}

// Get returns the latest snapshot, if one has not expired
func (s *ProviderStatusStore) Get(ctx context.Context, provider, model string) (*models.ProviderStatus, bool) {
	var status models.ProviderStatus
	if !s.cache.Get(ctx, providerStatusKey(provider, model), &status) {
		return nil, false
	}
	return &status, true
}

// Available reports whether a provider/model is usable. Unknown status counts as available.
func (s *ProviderStatusStore) Available(ctx context.Context, provider, model string) bool {
	status, ok := s.Get(ctx, provider, model)
	if !ok {
		return true
	}
	return status.Status != models.ProviderDown
}

// Clear drops the snapshot of a provider/model
func (s *ProviderStatusStore) Clear(ctx context.Context, provider, model string) error {
	return s.cache.Delete(ctx, providerStatusKey(provider, model))
}
