package models

import "time"

// ProviderHealth is the coarse availability of a provider/model pair.
type ProviderHealth string

const (
	ProviderOperational ProviderHealth = "operational"
	ProviderDegraded    ProviderHealth = "degraded"
	ProviderDown        ProviderHealth = "down"
)

// ProviderStatus is a health snapshot kept in the cache, never in the billing store.
type ProviderStatus struct {
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Status    ProviderHealth `json:"status"`
	LatencyMS *int           `json:"latency_ms,omitempty"`
	ErrorRate *float64       `json:"error_rate,omitempty"` // percentage
	UpdatedAt time.Time      `json:"updated_at"`
}
