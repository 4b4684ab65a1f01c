// Package metrics owns the Prometheus registry and every series the service
// exports. Components receive *Metrics and record through it; the gateway
// mounts Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's instruments.
type Metrics struct {
	registry *prometheus.Registry

	// Backpressure.
	FramesDropped    *prometheus.CounterVec
	QueueSize        *prometheus.GaugeVec
	QueueUtilization *prometheus.GaugeVec
	FrameLatency     *prometheus.HistogramVec

	// WebSocket connection lifecycle.
	WSConnections    *prometheus.CounterVec
	WSActive         *prometheus.GaugeVec
	WSMessages       *prometheus.CounterVec
	WSDisconnections *prometheus.CounterVec
}

// New builds an isolated registry with all series registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galvana_frames_dropped_total",
			Help: "Frames dropped by backpressure, by run and reason.",
		}, []string{"run_id", "reason"}),

		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "galvana_frame_queue_size",
			Help: "Current frame queue depth per run.",
		}, []string{"run_id"}),

		QueueUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "galvana_frame_queue_utilization",
			Help: "Queue depth over capacity per run, 0..1.",
		}, []string{"run_id"}),

		FrameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "galvana_frame_latency_seconds",
			Help:    "Time frames spend queued before egestion.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		}, []string{"run_id"}),

		WSConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galvana_websocket_connections_total",
			Help: "WebSocket connection attempts by outcome.",
		}, []string{"status"}),

		WSActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "galvana_websocket_connections_active",
			Help: "Open WebSocket connections per user.",
		}, []string{"user_id"}),

		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galvana_websocket_messages_total",
			Help: "Messages sent to WebSocket clients by run and type.",
		}, []string{"run_id", "type"}),

		WSDisconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galvana_websocket_disconnections_total",
			Help: "WebSocket teardowns by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.FramesDropped, m.QueueSize, m.QueueUtilization, m.FrameLatency,
		m.WSConnections, m.WSActive, m.WSMessages, m.WSDisconnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ForgetRun drops the per-run gauge series once a run has no subscribers
// left, keeping the exposition surface bounded.
func (m *Metrics) ForgetRun(runID string) {
	m.QueueSize.DeleteLabelValues(runID)
	m.QueueUtilization.DeleteLabelValues(runID)
}
