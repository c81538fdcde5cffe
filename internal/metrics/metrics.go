package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"department_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deptgate_request_duration_seconds",
			Help:    "End-to-end chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"department_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"department_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_cost_usd_total",
			Help: "Total reconciled cost in USD",
		},
		[]string{"department_id", "provider", "model"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_quota_rejections_total",
			Help: "Requests rejected at admission control",
		},
		[]string{"department_id"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deptgate_rate_limit_hits_total",
			Help: "Requests rejected by the per-department rate limiter",
		},
		[]string{"department_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deptgate_active_streams",
			Help: "Number of in-flight token streams",
		},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deptgate_budget_usage_ratio",
			Help: "Committed spend as a fraction of the monthly budget",
		},
		[]string{"department_id"},
	)
)

func RecordRequest(departmentID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(departmentID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(departmentID, provider, model).Observe(durationSec)
}

func RecordTokens(departmentID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(departmentID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(departmentID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(departmentID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(departmentID, provider, model).Add(costUSD)
}

func RecordQuotaRejection(departmentID string) {
	QuotaRejections.WithLabelValues(departmentID).Inc()
}

func RecordProviderError(provider, errorKind string) {
	ProviderErrors.WithLabelValues(provider, errorKind).Inc()
}

func RecordRateLimitHit(departmentID string) {
	RateLimitHits.WithLabelValues(departmentID).Inc()
}

func SetBudgetUsage(departmentID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(departmentID).Set(ratio)
}
