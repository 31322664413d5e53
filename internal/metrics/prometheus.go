// Package metrics provides the telemetry backends for the ingest pipeline
// and the HTTP layer: Prometheus, CloudWatch and a no-op.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paybridge/internal/core"
	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// Prometheus records pipeline and HTTP metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	verifications      *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	duplicates         *prometheus.CounterVec
	enrichmentFailures prometheus.Counter
	stageDuration      *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	_ ingest.Recorder       = (*Prometheus)(nil)
	_ core.MetricsCollector = (*Prometheus)(nil)
)

// NewPrometheus creates the collectors under namespace (for example
// "paybridge") on a fresh registry that also carries the Go runtime and
// process collectors.
func NewPrometheus(namespace string) *Prometheus {
	namespace = strings.ToLower(namespace)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_verifications_total",
			Help:      "Webhook signature verification results",
		}, []string{"result"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_outcomes_total",
			Help:      "Dispatch outcomes by domain type",
		}, []string{"domain_type", "outcome"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_duplicates_total",
			Help:      "Deliveries skipped by the idempotency ledger",
		}, []string{"domain_type"}),
		enrichmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_enrichment_failures_total",
			Help:      "Renewals normalized without billing period enrichment",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each ingest pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) RecordVerification(result string) {
	p.verifications.WithLabelValues(result).Inc()
}

func (p *Prometheus) RecordOutcome(domainType types.DomainType, outcome ingest.OutcomeKind) {
	p.outcomes.WithLabelValues(string(domainType), string(outcome)).Inc()
}

func (p *Prometheus) RecordDuplicate(domainType types.DomainType) {
	p.duplicates.WithLabelValues(string(domainType)).Inc()
}

func (p *Prometheus) RecordEnrichmentFailure() {
	p.enrichmentFailures.Inc()
}

func (p *Prometheus) RecordStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) RecordRequest(method, endpoint, status string, d time.Duration) {
	p.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	p.httpDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
