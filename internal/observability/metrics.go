package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tps_orders_total",
			Help: "Orders by terminal outcome",
		},
		[]string{"outcome"},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tps_payments_total",
			Help: "Payments by status and method",
		},
		[]string{"status", "method"},
	)

	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tps_refunds_total",
			Help: "Refunds by status and reason",
		},
		[]string{"status", "reason"},
	)

	IdempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tps_idempotency_hits_total",
			Help: "Requests answered from the idempotency cache",
		},
	)

	NotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tps_notify_failures_total",
			Help: "Best-effort order notifications that failed",
		},
	)

	SagaStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tps_saga_step_seconds",
			Help:    "Duration of saga steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tps_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tps_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
