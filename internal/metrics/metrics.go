// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the scan and store collectors.
type Metrics struct {
	ScanOutcomes    *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	StoreFailures   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter
	TermResets      prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScanOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpass_scan_outcomes_total",
			Help: "Admission decisions by outcome and resource.",
		}, []string{"outcome", "resource"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolpass_scan_frames_dropped_total",
			Help: "Decoded frames ignored because the session was not scanning.",
		}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpass_store_failures_total",
			Help: "Record store operations that failed during scanning.",
		}, []string{"op"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolpass_sessions_active",
			Help: "Scan sessions currently open.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolpass_sessions_expired_total",
			Help: "Scan sessions closed after the idle timeout.",
		}),
		TermResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolpass_term_resets_total",
			Help: "Term reset sweeps that cleared payment flags.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ScanOutcomes, m.FramesDropped, m.StoreFailures, m.SessionsActive, m.SessionsExpired, m.TermResets)
	}
	return m
}
