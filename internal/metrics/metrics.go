// Package metrics counts pipeline activity for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeCached = "cached"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	documents       *prometheus.CounterVec
	extractions     *prometheus.CounterVec
	inference       *prometheus.CounterVec
	matches         prometheus.Counter
	matchConfidence prometheus.Histogram
}

// New creates and registers all metrics on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_matcher_documents_total",
			Help: "Documents processed, by outcome",
		}, []string{"outcome"}),
		extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_matcher_extraction_total",
			Help: "Successful text extractions, by strategy",
		}, []string{"method"}),
		inference: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_matcher_inference_total",
			Help: "Structured extraction calls to the language model, by outcome",
		}, []string{"outcome"}),
		matches: factory.NewCounter(prometheus.CounterOpts{
			Name: "receipt_matcher_matches_total",
			Help: "Receipt/transaction matches committed",
		}),
		matchConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "receipt_matcher_match_confidence",
			Help:    "Confidence score of committed matches",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		}),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DocumentProcessed counts one processed document
func (m *Metrics) DocumentProcessed(outcome string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(outcome).Inc()
}

// ExtractionSucceeded counts a text extraction by the strategy that produced it
func (m *Metrics) ExtractionSucceeded(method string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(method).Inc()
}

// InferenceCalled counts one language model call
func (m *Metrics) InferenceCalled(outcome string) {
	if m == nil {
		return
	}
	m.inference.WithLabelValues(outcome).Inc()
}

// MatchCommitted records one committed match
func (m *Metrics) MatchCommitted(confidence float64) {
	if m == nil {
		return
	}
	m.matches.Inc()
	m.matchConfidence.Observe(confidence)
}
