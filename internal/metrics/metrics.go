// Package metrics provides Prometheus metrics collection for the cyber IDS
// inference service. It defines all serving, artifact, and system metrics
// exposed via the Prometheus endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the inference service.
type Metrics struct {
	// Serving metrics
	PredictionsTotal  prometheus.Counter   // Total number of records scored
	RecordErrors      prometheus.Counter   // Total number of per-record sanitization failures
	BatchesTotal      prometheus.Counter   // Total number of prediction batches handled
	BatchesRejected   prometheus.Counter   // Total number of batches rejected before inference
	PredictLatency    prometheus.Histogram // End-to-end batch prediction latency in seconds
	BatchSize         prometheus.Histogram // Distribution of accepted batch sizes
	PredictionScores  prometheus.Histogram // Distribution of attack probabilities
	AttackLabelsTotal prometheus.Counter   // Total number of records labeled as attack

	// Cache metrics
	CacheHits   prometheus.Counter // Prediction cache hits
	CacheMisses prometheus.Counter // Prediction cache misses

	// Artifact metrics
	ArtifactLoads    prometheus.Counter // Total number of artifact bundle loads
	ArtifactFailures prometheus.Counter // Total number of artifact load failures
	ModelAge         prometheus.Gauge   // Age of the loaded artifact bundle in seconds
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_predictions_total",
			Help: "Total number of records scored",
		}),
		RecordErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_record_errors_total",
			Help: "Total number of per-record sanitization failures",
		}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_batches_total",
			Help: "Total number of prediction batches handled",
		}),
		BatchesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_batches_rejected_total",
			Help: "Total number of batches rejected before inference",
		}),
		PredictLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ids_predict_latency_seconds",
			Help:    "End-to-end batch prediction latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ids_batch_size",
			Help:    "Distribution of accepted batch sizes",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		PredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ids_prediction_scores",
			Help:    "Distribution of attack probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		AttackLabelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_attack_labels_total",
			Help: "Total number of records labeled as attack",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_cache_hits_total",
			Help: "Prediction cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_cache_misses_total",
			Help: "Prediction cache misses",
		}),
		ArtifactLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_artifact_loads_total",
			Help: "Total number of artifact bundle loads",
		}),
		ArtifactFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ids_artifact_failures_total",
			Help: "Total number of artifact load failures",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ids_model_age_seconds",
			Help: "Age of the loaded artifact bundle in seconds",
		}),
	}
}

// The methods below satisfy the narrow metrics interface the prediction
// service consumes, keeping that package decoupled from Prometheus types.

func (m *Metrics) PredictionsInc()                   { m.PredictionsTotal.Inc() }
func (m *Metrics) RecordErrorsInc()                  { m.RecordErrors.Inc() }
func (m *Metrics) BatchesInc()                       { m.BatchesTotal.Inc() }
func (m *Metrics) BatchesRejectedInc()               { m.BatchesRejected.Inc() }
func (m *Metrics) PredictLatencyObserve(v float64)   { m.PredictLatency.Observe(v) }
func (m *Metrics) BatchSizeObserve(v float64)        { m.BatchSize.Observe(v) }
func (m *Metrics) PredictionScoresObserve(v float64) { m.PredictionScores.Observe(v) }
func (m *Metrics) AttackLabelsInc()                  { m.AttackLabelsTotal.Inc() }
func (m *Metrics) CacheHitsInc()                     { m.CacheHits.Inc() }
func (m *Metrics) CacheMissesInc()                   { m.CacheMisses.Inc() }
func (m *Metrics) ArtifactLoadsInc()                 { m.ArtifactLoads.Inc() }
func (m *Metrics) ArtifactFailuresInc()              { m.ArtifactFailures.Inc() }
func (m *Metrics) ModelAgeSet(v float64)             { m.ModelAge.Set(v) }
