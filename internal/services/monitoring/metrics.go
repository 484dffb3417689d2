package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_upstream_requests_total",
			Help: "Total number of upstream model calls",
		},
		[]string{"model", "operation", "status"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentix_upstream_request_duration_seconds",
			Help:    "Upstream model call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "operation"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"model", "operation", "type"}, // type: prompt, completion, total
	)

	spendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_spend_eur_total",
			Help: "Cumulative upstream spend in EUR",
		},
		[]string{"model", "operation"},
	)

	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"operation"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"operation"},
	)

	budgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_budget_rejections_total",
			Help: "Total number of calls rejected before dispatch",
		},
		[]string{"reason"}, // reason: request_budget, document_budget
	)

	shrinkOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentix_context_shrinks_total",
			Help: "Total number of prompts shrunk to fit the request budget",
		},
	)

	errorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentix_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "operation"},
	)
)

// RecordUpstreamRequest records a completed upstream call.
func RecordUpstreamRequest(model, operation, status string, duration float64) {
	upstreamRequestsTotal.WithLabelValues(model, operation, status).Inc()
	if status == "success" {
		upstreamRequestDuration.WithLabelValues(model, operation).Observe(duration)
	}
}

// RecordTokens records token usage for an upstream call.
func RecordTokens(model, operation string, promptTokens, completionTokens float64) {
	tokensTotal.WithLabelValues(model, operation, "prompt").Add(promptTokens)
	tokensTotal.WithLabelValues(model, operation, "completion").Add(completionTokens)
	tokensTotal.WithLabelValues(model, operation, "total").Add(promptTokens + completionTokens)
}

// RecordSpend records actual EUR spend against a model.
func RecordSpend(model, operation string, eur float64) {
	spendTotal.WithLabelValues(model, operation).Add(eur)
}

// RecordCacheHit records a response cache hit.
func RecordCacheHit(operation string) {
	cacheHits.WithLabelValues(operation).Inc()
}

// RecordCacheMiss records a response cache miss.
func RecordCacheMiss(operation string) {
	cacheMisses.WithLabelValues(operation).Inc()
}

// RecordBudgetRejection records a call refused before dispatch.
func RecordBudgetRejection(reason string) {
	budgetRejections.WithLabelValues(reason).Inc()
}

// RecordShrink records a prompt shrunk to fit the per-request budget.
func RecordShrink() {
	shrinkOperations.Inc()
}

// RecordError records an error by type.
func RecordError(errorType, operation string) {
	errorCount.WithLabelValues(errorType, operation).Inc()
}
