// Package metrics holds the Prometheus collectors of the metering core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "llm_metering"

// Metrics contains Prometheus metrics for admission, recording and caching.
// A nil *Metrics records nothing.
type Metrics struct {
	admissions     *prometheus.CounterVec
	recordings     *prometheus.CounterVec
	recordDuration prometheus.Histogram
	tokens         *prometheus.CounterVec
	cost           *prometheus.CounterVec
	overLimit      prometheus.Counter
	cacheRequests  *prometheus.CounterVec
	parked         prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"},
		),

		recordings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recordings_total",
				Help:      "Usage recording attempts by outcome",
			},
			[]string{"outcome"},
		),

		recordDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_duration_seconds",
				Help:      "Duration of the usage recording transaction including retries",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),

		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Billed tokens by model and direction",
			},
			[]string{"model", "direction"},
		),

		cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_total",
				Help:      "Billed cost by model in the billing currency",
			},
			[]string{"model"},
		),

		overLimit: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "over_credit_limit_total",
				Help:      "Debits that left a key below its credit limit",
			},
		),

		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Cache facade lookups by result",
			},
			[]string{"result"},
		),

		parked: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconciliation_gaps",
				Help:      "Generations parked for operator reconciliation",
			},
		),
	}
}

// RecordAdmission records an admission check ("allowed", "denied", "error", "blocked").
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

// RecordOutcome records one recording attempt ("recorded", "duplicate", "parked", "rejected").
func (m *Metrics) RecordOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(outcome).Inc()
	m.recordDuration.Observe(elapsed.Seconds())
}

// RecordUsage records billed tokens and cost of a generation.
func (m *Metrics) RecordUsage(model string, input, output int, cost decimal.Decimal) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(input))
	m.tokens.WithLabelValues(model, "output").Add(float64(output))
	m.cost.WithLabelValues(model).Add(cost.InexactFloat64())
}

// RecordOverLimit records a debit that crossed the credit limit.
func (m *Metrics) RecordOverLimit() {
	if m == nil {
		return
	}
	m.overLimit.Inc()
}

// RecordCache records a cache lookup ("hit", "miss", "error").
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// SetParked sets the number of generations waiting for reconciliation.
func (m *Metrics) SetParked(n int) {
	if m == nil {
		return
	}
	m.parked.Set(float64(n))
}
