package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Skylift engine.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploysStarted   *prometheus.CounterVec
	deploysCompleted *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec

	// Event store metrics
	eventsAppended *prometheus.CounterVec

	// Observability metrics
	logLinesStreamed *prometheus.CounterVec
	failuresDetected *prometheus.CounterVec

	// TTL sweep metrics
	ttlSweepChecked   prometheus.Counter
	ttlSweepDestroyed prometheus.Counter
	ttlSweepFailed    prometheus.Counter

	// Cleanup metrics
	resourcesRemoved *prometheus.CounterVec
	resourcesFailed  *prometheus.CounterVec

	// System metrics
	activeDeployments prometheus.Gauge
	activeStreams     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploysStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"region"},
		),
		deploysCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_completed_total",
				Help:      "Total number of deployments completed, by terminal status",
			},
			[]string{"status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Wall-clock duration of deployment pipelines",
				Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"status"},
		),
		eventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total number of events appended to deployment logs",
			},
			[]string{"type"},
		),
		logLinesStreamed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_lines_streamed_total",
				Help:      "Total number of remote log lines streamed",
			},
			[]string{"source"},
		),
		failuresDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_detected_total",
				Help:      "Total number of classified failures detected",
			},
			[]string{"rule", "severity"},
		),
		ttlSweepChecked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ttl_sweep_checked_total",
				Help:      "Total number of TTL records checked by sweeps",
			},
		),
		ttlSweepDestroyed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ttl_sweep_destroyed_total",
				Help:      "Total number of expired deployments destroyed by sweeps",
			},
		),
		ttlSweepFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ttl_sweep_failed_total",
				Help:      "Total number of expired deployments that failed to destroy",
			},
		),
		resourcesRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_resources_removed_total",
				Help:      "Total number of leftover resources removed by cleanup sweeps",
			},
			[]string{"service"},
		),
		resourcesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_resources_failed_total",
				Help:      "Total number of leftover resources that failed to delete",
			},
			[]string{"service"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Number of deployment pipelines currently running",
			},
		),
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_log_streams",
				Help:      "Number of remote log tailers currently running",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.deploysStarted,
		m.deploysCompleted,
		m.deployDuration,
		m.eventsAppended,
		m.logLinesStreamed,
		m.failuresDetected,
		m.ttlSweepChecked,
		m.ttlSweepDestroyed,
		m.ttlSweepFailed,
		m.resourcesRemoved,
		m.resourcesFailed,
		m.activeDeployments,
		m.activeStreams,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DeployStarted records the start of a deployment pipeline.
func (m *Metrics) DeployStarted(region string) {
	if m.registry == nil {
		return
	}
	m.deploysStarted.WithLabelValues(region).Inc()
	m.activeDeployments.Inc()
}

// DeployCompleted records a finished deployment pipeline.
func (m *Metrics) DeployCompleted(status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.deploysCompleted.WithLabelValues(status).Inc()
	m.deployDuration.WithLabelValues(status).Observe(seconds)
	m.activeDeployments.Dec()
}

// EventAppended records an event append by type.
func (m *Metrics) EventAppended(eventType string) {
	if m.registry == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// LogLineStreamed records a streamed remote log line.
func (m *Metrics) LogLineStreamed(source string) {
	if m.registry == nil {
		return
	}
	m.logLinesStreamed.WithLabelValues(source).Inc()
}

// FailureDetected records a classified failure.
func (m *Metrics) FailureDetected(rule, severity string) {
	if m.registry == nil {
		return
	}
	m.failuresDetected.WithLabelValues(rule, severity).Inc()
}

// SweepResult records the outcome of a TTL sweep.
func (m *Metrics) SweepResult(checked, destroyed, failed int) {
	if m.registry == nil {
		return
	}
	m.ttlSweepChecked.Add(float64(checked))
	m.ttlSweepDestroyed.Add(float64(destroyed))
	m.ttlSweepFailed.Add(float64(failed))
}

// ResourceRemoved records a leftover resource removed by a cleanup sweep.
func (m *Metrics) ResourceRemoved(service string) {
	if m.registry == nil {
		return
	}
	m.resourcesRemoved.WithLabelValues(service).Inc()
}

// ResourceFailed records a leftover resource the cleanup sweep could not delete.
func (m *Metrics) ResourceFailed(service string) {
	if m.registry == nil {
		return
	}
	m.resourcesFailed.WithLabelValues(service).Inc()
}

// StreamStarted records a started remote log tailer.
func (m *Metrics) StreamStarted() {
	if m.registry == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamStopped records a stopped remote log tailer.
func (m *Metrics) StreamStopped() {
	if m.registry == nil {
		return
	}
	m.activeStreams.Dec()
}
