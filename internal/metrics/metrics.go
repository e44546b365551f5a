// Package metrics exposes the pipeline's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maip"

// Metrics holds the instruments registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	slices         *prometheus.CounterVec
	predictions    *prometheus.CounterVec
	completions    *prometheus.CounterVec
	flows          *prometheus.GaugeVec
	captureRunning prometheus.Gauge
	processing     prometheus.Gauge
	ticks          *prometheus.CounterVec
}

// New creates and registers every instrument.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		slices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_total",
			Help:      "Capture slices that reached a terminal state.",
		}, []string{"state", "reason"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Prediction jobs by final status.",
		}, []string{"status"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Prediction completions observed by the aggregator.",
		}, []string{"outcome"}),
		flows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_flows",
			Help:      "Deduplicated flow counts of the current session.",
		}, []string{"class"}),
		captureRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_running",
			Help:      "1 while the capture process is running.",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slice_processing",
			Help:      "1 while a slice is in flight.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_ticks_total",
			Help:      "Control loop ticks by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.slices, m.predictions, m.completions, m.flows, m.captureRunning, m.processing, m.ticks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SliceFinished counts a slice reaching a terminal state.
func (m *Metrics) SliceFinished(state, reason string) {
	if m == nil {
		return
	}
	m.slices.WithLabelValues(state, reason).Inc()
}

// PredictionFinished counts a prediction job by final status.
func (m *Metrics) PredictionFinished(status string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(status).Inc()
}

// CompletionObserved counts an applied or duplicate completion.
func (m *Metrics) CompletionObserved(applied bool) {
	if m == nil {
		return
	}
	outcome := "duplicate"
	if applied {
		outcome = "applied"
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// SetFlows publishes the current tallies.
func (m *Metrics) SetFlows(normal, malicious int64) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues("normal").Set(float64(normal))
	m.flows.WithLabelValues("malicious").Set(float64(malicious))
}

// SetCaptureRunning publishes the capture state.
func (m *Metrics) SetCaptureRunning(running bool) {
	if m == nil {
		return
	}
	m.captureRunning.Set(boolValue(running))
}

// SetProcessing publishes whether a slice is in flight.
func (m *Metrics) SetProcessing(processing bool) {
	if m == nil {
		return
	}
	m.processing.Set(boolValue(processing))
}

// Tick counts a control loop tick.
func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
