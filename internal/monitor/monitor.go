// Package monitor tracks the in-flight prediction and exposes operational
// metrics for the ingress server's /metrics endpoint.
package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replicate/director/internal/schema"
)

type Monitor struct {
	mu      sync.Mutex
	current *schema.PredictionResponse

	registry            *prometheus.Registry
	predictionsTotal    *prometheus.CounterVec
	predictionRuntime   prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	inFlight            prometheus.Gauge
}

func New() *Monitor {
	registry := prometheus.NewRegistry()

	m := &Monitor{
		registry: registry,
		predictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "director_predictions_total",
			Help: "Predictions handled, by terminal status.",
		}, []string{"status"}),
		predictionRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "director_prediction_runtime_seconds",
			Help:    "Wall time from prediction start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "director_consecutive_failures",
			Help: "Consecutive failed predictions since the last success.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "director_prediction_in_flight",
			Help: "Whether a prediction is currently being handled.",
		}),
	}

	registry.MustRegister(
		m.predictionsTotal,
		m.predictionRuntime,
		m.consecutiveFailures,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// SetCurrentPrediction records the prediction being handled; nil clears it.
func (m *Monitor) SetCurrentPrediction(resp *schema.PredictionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = resp
	if resp == nil {
		m.inFlight.Set(0)
	} else {
		m.inFlight.Set(1)
	}
}

// CurrentPredictionID returns the id of the in-flight prediction, or "".
func (m *Monitor) CurrentPredictionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// RecordOutcome counts a terminal prediction and observes its runtime.
func (m *Monitor) RecordOutcome(status schema.Status, runtimeSeconds float64) {
	m.predictionsTotal.WithLabelValues(string(status)).Inc()
	if runtimeSeconds >= 0 {
		m.predictionRuntime.Observe(runtimeSeconds)
	}
}

func (m *Monitor) SetConsecutiveFailures(n int) {
	m.consecutiveFailures.Set(float64(n))
}

// Handler serves the metrics registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
