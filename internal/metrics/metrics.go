// Package metrics exposes prometheus collectors for the write path and the
// materializer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	evidence        *prometheus.CounterVec
	assertions      *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	curation        *prometheus.CounterVec
	materializeRuns *prometheus.CounterVec
	materializeDur  prometheus.Histogram
	explanations    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biograph_evidence_writes_total",
			Help: "Evidence create calls by source system and outcome (created|existing).",
		}, []string{"source_system", "outcome"}),
		assertions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biograph_assertion_writes_total",
			Help: "Assertion create calls by predicate and outcome (created|existing).",
		}, []string{"predicate", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biograph_write_rejections_total",
			Help: "Writes rejected by the license, evidence or identity gates.",
		}, []string{"reason"}),
		curation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biograph_curation_decisions_total",
			Help: "Curation decisions by kind and decision.",
		}, []string{"kind", "decision"}),
		materializeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biograph_materialization_runs_total",
			Help: "Per-issuer materialization runs by outcome.",
		}, []string{"outcome"}),
		materializeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "biograph_materialization_duration_seconds",
			Help:    "Duration of per-issuer materialization runs.",
			Buckets: prometheus.DefBuckets,
		}),
		explanations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "biograph_explanations",
			Help: "Explanation rows produced by the last run per issuer.",
		}, []string{"issuer_id"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biograph_refresh_queue_depth",
			Help: "Issuers waiting for a refresh.",
		}),
	}
	m.registry.MustRegister(
		m.evidence, m.assertions, m.rejections, m.curation,
		m.materializeRuns, m.materializeDur, m.explanations, m.queueDepth,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(created bool) string {
	if created {
		return "created"
	}
	return "existing"
}

func (m *Metrics) EvidenceWritten(source string, created bool) {
	m.evidence.WithLabelValues(source, outcome(created)).Inc()
}

func (m *Metrics) AssertionWritten(predicate string, created bool) {
	m.assertions.WithLabelValues(predicate, outcome(created)).Inc()
}

func (m *Metrics) WriteRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) CurationDecided(kind, decision string) {
	m.curation.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) Materialized(issuerID string, count int, took time.Duration, err error) {
	m.materializeDur.Observe(took.Seconds())
	if err != nil {
		m.materializeRuns.WithLabelValues("failed").Inc()
		return
	}
	m.materializeRuns.WithLabelValues("ok").Inc()
	m.explanations.WithLabelValues(issuerID).Set(float64(count))
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
