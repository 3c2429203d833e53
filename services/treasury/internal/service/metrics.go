package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SwapsTotal        *prometheus.CounterVec
	SwapDuration      *prometheus.HistogramVec
	LiquidityOpsTotal *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	IntentRecoveries  prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SwapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_swaps_total",
				Help: "Total swap submissions by terminal status.",
			},
			[]string{"status"},
		),
		SwapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treasury_swap_duration_seconds",
				Help:    "Swap pipeline duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"swap_type"},
		),
		LiquidityOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_liquidity_operations_total",
				Help: "Total liquidity operations by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_rate_limited_total",
				Help: "Total submissions rejected by the rate limiter.",
			},
			[]string{"scope"},
		),
		IntentRecoveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "treasury_intent_recoveries_total",
				Help: "Total dangling swap intents reconciled at startup.",
			},
		),
	}

	registry.MustRegister(
		m.SwapsTotal,
		m.SwapDuration,
		m.LiquidityOpsTotal,
		m.RateLimited,
		m.IntentRecoveries,
	)
	return m
}

func (m *Metrics) ObserveSwap(swapType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SwapsTotal.WithLabelValues(status).Inc()
	m.SwapDuration.WithLabelValues(swapType).Observe(duration.Seconds())
}

func (m *Metrics) IncLiquidityOp(opType, outcome string) {
	if m == nil {
		return
	}
	m.LiquidityOpsTotal.WithLabelValues(opType, outcome).Inc()
}

func (m *Metrics) IncRateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) AddIntentRecoveries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IntentRecoveries.Add(float64(n))
}
