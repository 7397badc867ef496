// Package metrics holds the Prometheus collectors shared by the API,
// the embedding worker and the consolidation scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commontrace"

// Registry owns a Prometheus registry and the collectors registered on it.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	embeddingsProcessed *prometheus.CounterVec
	embeddingDuration   prometheus.Histogram
	votes               *prometheus.CounterVec
	rateLimit           *prometheus.CounterVec
	consolidationJobs   *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		embeddingsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_processed_total",
			Help:      "Traces processed by the embedding worker.",
		}, []string{"model", "status"}),
		embeddingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Time spent computing one embedding.",
			Buckets:   prometheus.DefBuckets,
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes cast, by type and outcome.",
		}, []string{"vote_type", "outcome"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate governor decisions, by bucket class.",
		}, []string{"class", "decision"}),
		consolidationJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_jobs_total",
			Help:      "Consolidation job executions, by job and outcome.",
		}, []string{"job", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.embeddingsProcessed,
		r.embeddingDuration,
		r.votes,
		r.rateLimit,
		r.consolidationJobs,
		r.httpRequests,
		r.httpLatency,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) EmbeddingProcessed(model, status string) {
	if r == nil {
		return
	}
	r.embeddingsProcessed.WithLabelValues(model, status).Inc()
}

func (r *Registry) ObserveEmbedding(d time.Duration) {
	if r == nil {
		return
	}
	r.embeddingDuration.Observe(d.Seconds())
}

func (r *Registry) Vote(voteType, outcome string) {
	if r == nil {
		return
	}
	r.votes.WithLabelValues(voteType, outcome).Inc()
}

func (r *Registry) RateLimit(class string, allowed bool) {
	if r == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	r.rateLimit.WithLabelValues(class, decision).Inc()
}

func (r *Registry) ConsolidationJob(job, outcome string) {
	if r == nil {
		return
	}
	r.consolidationJobs.WithLabelValues(job, outcome).Inc()
}

// ObserveRequest records one served HTTP request.
func (r *Registry) ObserveRequest(route string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
