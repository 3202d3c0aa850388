// Package metrics exposes Prometheus collectors for sandbox sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes recorded by ObserveCall.
const (
	OutcomeOK       = "ok"
	OutcomeThrown   = "thrown"
	OutcomeTimeout  = "timeout"
	OutcomeNoResult = "no_result"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors for one registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	timeouts       prometheus.Counter
	nativeCalls    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbox_calls_total",
				Help: "Total number of script function calls by outcome",
			},
			[]string{"outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jsbox_call_duration_seconds",
				Help:    "Script function call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		timeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsbox_watchdog_timeouts_total",
				Help: "Total number of calls terminated by the watchdog",
			},
		),
		nativeCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbox_native_calls_total",
				Help: "Total number of host function invocations from scripts",
			},
			[]string{"name", "status"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jsbox_active_sessions",
				Help: "Number of open sandbox sessions",
			},
		),
	}
}

// ObserveCall records a finished call.
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == OutcomeTimeout {
		m.timeouts.Inc()
	}
}

// ObserveNative records a host function invocation.
func (m *Metrics) ObserveNative(name string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.nativeCalls.WithLabelValues(name, status).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}
