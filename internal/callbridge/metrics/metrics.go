// Package metrics exposes the Prometheus collectors for devices, calls,
// dispatch and transports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "callbridge"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	// Device metrics
	DeviceStatusChanges *prometheus.CounterVec
	DevicesByStatus     *prometheus.GaugeVec

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallsEnded   *prometheus.CounterVec
	CallDuration prometheus.Histogram
	CallsResumed *prometheus.CounterVec

	// Dispatch metrics
	DispatchAttempts *prometheus.CounterVec

	// Transport metrics
	TransportReconnects *prometheus.CounterVec
	RTT                 prometheus.Histogram
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		DeviceStatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_changes_total",
			Help:      "Device status transitions by new status",
		}, []string{"status"}),
		DevicesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Registered devices by current status",
		}, []string{"status"}),

		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently tracked",
		}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls created by direction",
		}, []string{"direction"}),
		CallsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls removed by final status",
		}, []string{"status"}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from creation to removal of a call",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		CallsResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_resumptions_total",
			Help:      "Resumption outcomes of disconnected calls",
		}, []string{"result"}),

		DispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Per-device origination attempts by result",
		}, []string{"result"}),

		TransportReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Audio transport reconnects by kind",
		}, []string{"kind"}),
		RTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_rtt_seconds",
			Help:      "Average round trip time reported per stats sample",
			Buckets:   []float64{0.02, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDeviceStatus records a device moving from one status to another.
// Empty strings stand for "no status".
func (m *Metrics) RecordDeviceStatus(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.DevicesByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.DevicesByStatus.WithLabelValues(to).Inc()
	}
	m.DeviceStatusChanges.WithLabelValues(label(to)).Inc()
}

// RecordDeviceRemoved drops a removed device from the status gauge.
func (m *Metrics) RecordDeviceRemoved(status string) {
	if m == nil || status == "" {
		return
	}
	m.DevicesByStatus.WithLabelValues(status).Dec()
}

// RecordCallStart records a new call.
func (m *Metrics) RecordCallStart(direction string) {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
	m.CallsTotal.WithLabelValues(label(direction)).Inc()
}

// RecordCallEnd records a call leaving the registry.
func (m *Metrics) RecordCallEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsEnded.WithLabelValues(label(status)).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordResume records the outcome of a resumption: "resumed" or "expired"
// or "rejected".
func (m *Metrics) RecordResume(result string) {
	if m == nil {
		return
	}
	m.CallsResumed.WithLabelValues(result).Inc()
}

// RecordDispatchAttempt records one candidate device attempt.
func (m *Metrics) RecordDispatchAttempt(result string) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(result).Inc()
}

// RecordTransportReconnect records an audio transport redial.
func (m *Metrics) RecordTransportReconnect(kind string) {
	if m == nil {
		return
	}
	m.TransportReconnects.WithLabelValues(label(kind)).Inc()
}

// RecordRTT records one stats sample's average RTT in seconds.
func (m *Metrics) RecordRTT(avg float64) {
	if m == nil || avg <= 0 {
		return
	}
	m.RTT.Observe(avg)
}

func label(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
