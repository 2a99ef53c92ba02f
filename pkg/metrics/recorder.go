// Package metrics provides Prometheus-based metrics recording and querying
// for browser instance orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the orchestrator's metrics recorder using
// Prometheus collectors.
type PrometheusRecorder struct {
	launchesTotal     *prometheus.CounterVec
	readinessDuration *prometheus.HistogramVec
	shutdownsTotal    *prometheus.CounterVec
	shutdownDuration  *prometheus.HistogramVec
	activeInstances   prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder registered on the default
// registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWith creates a recorder registered on an explicit
// registerer.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		launchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_launches_total",
				Help: "Total number of browser instance launches by owner and status",
			},
			[]string{"owner", "status", "error_type"},
		),
		readinessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_readiness_duration_seconds",
				Help:    "Time from process start until the debug endpoint became live",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		shutdownsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_shutdowns_total",
				Help: "Total number of instance shutdowns by confirming tier and status",
			},
			[]string{"tier", "status"},
		),
		shutdownDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_shutdown_duration_seconds",
				Help:    "Duration of the tiered shutdown protocol",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		activeInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_active_instances",
				Help: "Number of currently registered browser instances",
			},
		),
	}
}

// ObserveLaunch records one launch attempt.
func (p *PrometheusRecorder) ObserveLaunch(ownerID string, success bool, errType string) {
	status := "success"
	if !success {
		status = "error"
	}
	p.launchesTotal.WithLabelValues(ownerID, status, errType).Inc()
}

// ObserveReadiness records how long readiness verification took.
func (p *PrometheusRecorder) ObserveReadiness(d time.Duration, success bool) {
	status := "ready"
	if !success {
		status = "timeout"
	}
	p.readinessDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveShutdown records one shutdown outcome by confirming tier.
func (p *PrometheusRecorder) ObserveShutdown(tier string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	p.shutdownsTotal.WithLabelValues(tier, status).Inc()
	p.shutdownDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// SetActiveInstances updates the active instance gauge.
func (p *PrometheusRecorder) SetActiveInstances(n int) {
	p.activeInstances.Set(float64(n))
}
