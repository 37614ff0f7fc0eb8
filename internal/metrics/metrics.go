// Package metrics registers the Prometheus instruments shared across
// the engine. Everything is registered once via promauto at init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests counts provider calls by RPC method and outcome
	// (ok, rate_limited, unavailable, bad_response, circuit_open).
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_upstream_requests_total",
		Help: "Upstream provider calls by method and outcome",
	}, []string{"method", "outcome"})

	// UpstreamLatency tracks provider call duration per method.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenflow_upstream_latency_seconds",
		Help:    "Upstream provider call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	// CacheOps counts cache lookups by keyspace and result (hit, miss, error).
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_cache_ops_total",
		Help: "Cache lookups by keyspace and result",
	}, []string{"keyspace", "result"})

	// AnalysisRequests counts analytics operations by endpoint.
	AnalysisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_analysis_requests_total",
		Help: "Analytics operations served, by endpoint",
	}, []string{"endpoint"})

	// RiskAssessments counts completed risk scorings by resulting level.
	RiskAssessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_risk_assessments_total",
		Help: "Risk assessments completed, by level",
	}, []string{"level"})

	// AdmissionRejects counts requests turned away before handling
	// (auth, quota, rate_limit, suspended).
	AdmissionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_admission_rejects_total",
		Help: "Requests rejected at admission, by reason",
	}, []string{"reason"})

	// WebhookEvents counts billing webhook deliveries by type and outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_webhook_events_total",
		Help: "Billing webhook events received, by type and outcome",
	}, []string{"event_type", "outcome"})

	// HTTPDuration tracks request handling time per route and status.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenflow_http_request_duration_seconds",
		Help:    "HTTP request duration by route and status",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"route", "status"})
)

// ObserveUpstream records one provider call.
func ObserveUpstream(method, outcome string, d time.Duration) {
	UpstreamRequests.WithLabelValues(method, outcome).Inc()
	UpstreamLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveCache records one cache lookup result.
func ObserveCache(keyspace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOps.WithLabelValues(keyspace, result).Inc()
}
