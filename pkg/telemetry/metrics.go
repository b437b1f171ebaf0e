package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/configurator/pkg/engine"
)

// Resource outcomes used as the outcome label.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics collects run metrics in a private registry. It implements engine.Observer.
type Metrics struct {
	config MetricsConfig
	mu     sync.Mutex

	resources        *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	restarts         *prometheus.CounterVec
	runs             *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
	lastRunDuration  prometheus.Gauge
	lastRunTimestamp prometheus.Gauge
	lastRunChanged   prometheus.Gauge
	lastRunFailed    prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a metrics collector with all collectors registered.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		resources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Resources applied, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time spent applying a single resource",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_restarts_total",
				Help:      "Service restarts triggered by resources, by result",
			},
			[]string{"service", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Manifest runs, by status",
			},
			[]string{"status"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Policy violations reported before apply, by severity",
			},
			[]string{"severity"},
		),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the most recent run",
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the most recent run finished",
		}),
		lastRunChanged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_changed_resources",
			Help:      "Resources changed by the most recent run",
		}),
		lastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_resources",
			Help:      "Resources that failed in the most recent run",
		}),
	}

	collectors := []prometheus.Collector{
		m.resources, m.resourceDuration, m.restarts, m.runs, m.policyViolations,
		m.lastRunDuration, m.lastRunTimestamp, m.lastRunChanged, m.lastRunFailed,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// ObserveResult records one applied resource.
func (m *Metrics) ObserveResult(result engine.Result) {
	outcome := OutcomeUnchanged
	switch {
	case result.Skipped:
		outcome = OutcomeSkipped
	case result.Failed():
		outcome = OutcomeFailed
	case result.Changed:
		outcome = OutcomeChanged
	}
	m.resources.WithLabelValues(string(result.Type), outcome).Inc()
	m.resourceDuration.WithLabelValues(string(result.Type)).Observe(result.Duration.Seconds())
}

// ObserveRestart records a service restart attempt.
func (m *Metrics) ObserveRestart(service string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.restarts.WithLabelValues(service, status).Inc()
}

// ObserveRun records the end of a run. status is the journal status of the run.
func (m *Metrics) ObserveRun(report *engine.Report, status string) {
	m.runs.WithLabelValues(status).Inc()
	m.lastRunTimestamp.Set(float64(time.Now().Unix()))
	if report == nil {
		return
	}
	m.lastRunDuration.Set(report.Duration.Seconds())
	m.lastRunChanged.Set(float64(report.Changed()))
	m.lastRunFailed.Set(float64(report.Failed()))
}

// ObservePolicyViolation records a policy violation of the given severity.
func (m *Metrics) ObservePolicyViolation(severity string) {
	m.policyViolations.WithLabelValues(severity).Inc()
}

// Registry exposes the registry, e.g. for tests or an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector. The write is atomic. An empty path uses
// the configured Textfile; when both are empty nothing is written.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		path = m.config.Textfile
	}
	if path == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
