// Package metrics exposes call counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goopcall"

// Metrics holds the call metrics. A nil *Metrics is valid and records
// nothing, so tests and tools can skip wiring it.
type Metrics struct {
	reg *prometheus.Registry

	callsStarted       *prometheus.CounterVec
	callsEnded         *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	callsActive        prometheus.Gauge
	signalSendFailures *prometheus.CounterVec
	negotiationFails   *prometheus.CounterVec
	deviceErrors       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		callsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_started_total",
				Help:      "Calls placed or received",
			},
			[]string{"type", "direction"},
		),
		callsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_ended_total",
				Help:      "Calls that returned to idle, by outcome",
			},
			[]string{"outcome"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Connected time of finished calls",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls_active",
				Help:      "Sessions not in idle",
			},
		),
		signalSendFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signal_send_failures_total",
				Help:      "Signaling envelopes that could not be published",
			},
			[]string{"type"},
		),
		negotiationFails: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiation_failures_total",
				Help:      "Offer/answer/candidate steps that failed",
			},
			[]string{"step"},
		),
		deviceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_errors_total",
				Help:      "Media acquisitions that failed",
			},
			[]string{"reason"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) CallStarted(callType, direction string) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(callType, direction).Inc()
	m.callsActive.Inc()
}

// CallEnded records the outcome; connected is zero for calls that never
// connected and is then left out of the duration histogram.
func (m *Metrics) CallEnded(callType, outcome string, connected time.Duration) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(outcome).Inc()
	m.callsActive.Dec()
	if connected > 0 {
		m.callDuration.WithLabelValues(callType).Observe(connected.Seconds())
	}
}

func (m *Metrics) SignalSendFailed(kind string) {
	if m == nil {
		return
	}
	m.signalSendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) NegotiationFailed(step string) {
	if m == nil {
		return
	}
	m.negotiationFails.WithLabelValues(step).Inc()
}

func (m *Metrics) DeviceError(reason string) {
	if m == nil {
		return
	}
	m.deviceErrors.WithLabelValues(reason).Inc()
}
