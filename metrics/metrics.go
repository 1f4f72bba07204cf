// Package metrics registers and exposes the service's Prometheus
// instruments. A single Metrics value is shared by every pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the service records.
type Metrics struct {
	StageDuration       *prometheus.HistogramVec
	RetrievalFallback   *prometheus.CounterVec
	InjectionDetected   *prometheus.CounterVec
	PolicyRefusal       *prometheus.CounterVec
	AnswerWithoutSource prometheus.Counter
	SyncLocked          prometheus.Counter
	SyncFileErrors      prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	RateLimited         prometheus.Counter
	IngestOutcome       *prometheus.CounterVec
}

// New registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragcore_stage_duration_seconds",
			Help:    "Latency of each ask pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		RetrievalFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragcore_retrieval_fallback_total",
			Help: "Retrieval stages that failed and fell back.",
		}, []string{"kind"}),
		InjectionDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragcore_prompt_injection_detected_total",
			Help: "Chunks flagged by the prompt-injection filter.",
		}, []string{"pattern"}),
		PolicyRefusal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragcore_policy_refusal_total",
			Help: "Requests refused by policy or evidence rules.",
		}, []string{"reason"}),
		AnswerWithoutSource: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragcore_answer_without_sources_total",
			Help: "Generated answers that cited no retrieved source.",
		}),
		SyncLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragcore_sync_locked_total",
			Help: "Sync attempts that lost the per-source lock.",
		}),
		SyncFileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragcore_sync_file_errors_total",
			Help: "Files that failed during a connector sync pass.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragcore_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragcore_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragcore_rate_limited_total",
			Help: "Requests rejected by the token-bucket limiter.",
		}),
		IngestOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragcore_ingest_documents_total",
			Help: "Document ingestion outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.StageDuration,
		m.RetrievalFallback,
		m.InjectionDetected,
		m.PolicyRefusal,
		m.AnswerWithoutSource,
		m.SyncLocked,
		m.SyncFileErrors,
		m.HTTPRequests,
		m.HTTPDuration,
		m.RateLimited,
		m.IngestOutcome,
	)
	return m
}
