package reliability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "attempts_total",
		Help:      "Model invocation attempts by model and outcome.",
	}, []string{"model", "outcome"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "retries_total",
		Help:      "Same-model retries by model and reason.",
	}, []string{"model", "reason"})

	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "fallbacks_total",
		Help:      "Advancements to a fallback model by reason.",
	}, []string{"reason"})

	metricShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "short_circuits_total",
		Help:      "Attempts skipped because the circuit breaker was open.",
	}, []string{"model"})

	metricBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"to"})

	metricBudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Name:      "budget_rejections_total",
		Help:      "Calls blocked by a hard budget limit, by limit kind.",
	}, []string{"limit"})

	metricCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelrelay",
		Name:      "call_duration_seconds",
		Help:      "Wall-clock duration of one logical call, all attempts included.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})
)
