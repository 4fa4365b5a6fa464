package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not source-specific)
type Metrics struct {
	// Update engine metrics
	UpdatesTotal     *prometheus.CounterVec
	NodeQueriesTotal *prometheus.CounterVec
	UpdateDuration   *prometheus.HistogramVec
	NodesInFlight    prometheus.Gauge
	SchedulerState   *prometheus.GaugeVec
	ErrorsTotal      *prometheus.CounterVec

	// Service metrics
	ServiceStatus     *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datasources",
				Subsystem: "updates",
				Name:      "total",
				Help:      "Total number of data source update runs",
			},
			[]string{"source", "cause", "status"},
		),

		NodeQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datasources",
				Subsystem: "queries",
				Name:      "total",
				Help:      "Total number of per-node queries",
			},
			[]string{"source", "outcome"},
		),

		UpdateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "datasources",
				Subsystem: "updates",
				Name:      "duration_seconds",
				Help:      "Duration of data source update runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"source"},
		),

		NodesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "datasources",
				Subsystem: "queries",
				Name:      "in_flight",
				Help:      "Number of node queries currently in flight",
			},
		),

		SchedulerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "datasources",
				Subsystem: "scheduler",
				Name:      "state",
				Help:      "Scheduler state per source (0=idle, 1=armed, 2=running)",
			},
			[]string{"source"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datasources",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "datasources",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "datasources",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "datasources",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datasources",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordUpdate increments the update run counter
func (c *Metrics) RecordUpdate(source, cause, status string) {
	c.UpdatesTotal.WithLabelValues(source, cause, status).Inc()
}

// RecordNodeQuery increments the per-node query counter
func (c *Metrics) RecordNodeQuery(source, outcome string) {
	c.NodeQueriesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordUpdateDuration records the duration of an update run
func (c *Metrics) RecordUpdateDuration(source string, duration time.Duration) {
	c.UpdateDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordSchedulerState updates the per-source scheduler state gauge
func (c *Metrics) RecordSchedulerState(source string, state int) {
	c.SchedulerState.WithLabelValues(source).Set(float64(state))
}

// RecordError increments error counter
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
