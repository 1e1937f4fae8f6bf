// Package metrics holds the Prometheus collectors of the profit engine.
// Collectors register on the default registry at init; /metrics serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "profit_engine"

var (
	// ClaimsTotal counts claim attempts by outcome: credited, noop, completed, error.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Profit claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProfitCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profit_credited_total",
			Help:      "Sum of profit moved into withdrawable_profit",
		},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Investment purchases by plan and outcome",
		},
		[]string{"plan_id", "outcome"},
	)

	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Approved deposits processed, by outcome (credited, replayed, error)",
		},
		[]string{"outcome"},
	)

	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Approved withdrawals processed, by outcome (debited, replayed, error)",
		},
		[]string{"outcome"},
	)

	CommissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_commissions_total",
			Help:      "Sum of referral commission credited",
		},
	)

	SignupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signups_total",
			Help:      "Accounts created, by whether a referral code was applied",
		},
		[]string{"referred"},
	)

	StoreConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Optimistic concurrency conflicts retried, by operation",
		},
		[]string{"operation"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of full sweeps",
			Buckets:   prometheus.DefBuckets,
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of response times",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// AddMoney adds a decimal amount to a counter. Negative amounts are ignored.
func AddMoney(c prometheus.Counter, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	f, _ := amount.Float64()
	c.Add(f)
}

// ConflictCounter returns a callback for generic.RetryPolicy.OnConflict.
func ConflictCounter(operation string) func() {
	c := StoreConflictsTotal.WithLabelValues(operation)
	return c.Inc
}
