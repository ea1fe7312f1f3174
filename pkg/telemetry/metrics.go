package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for operation execution. A nil
// *Metrics or one built with Enabled=false records nothing.
type Metrics struct {
	config MetricsConfig

	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	healingAttempts *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec

	prerequisiteLookups *prometheus.CounterVec
	providerQueries     *prometheus.CounterVec
	providerDuration    prometheus.Histogram

	errorsByCode *prometheus.CounterVec

	activeOperations prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations started",
			},
			[]string{"capability", "kind"},
		),
		operationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of operations reaching a terminal status",
			},
			[]string{"status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"phase", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		healingAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "healing_attempts_total",
				Help:      "Total number of self-healing retries by outcome",
			},
			[]string{"outcome"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by outcome",
			},
			[]string{"outcome"},
		),

		prerequisiteLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prerequisite_lookups_total",
				Help:      "Prerequisite lookups by source (cache, provider) and result",
			},
			[]string{"source", "result"},
		),
		providerQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_queries_total",
				Help:      "Total number of provider queries",
			},
			[]string{"result"},
		),
		providerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_query_duration_seconds",
				Help:      "Duration of provider queries in seconds",
				Buckets:   buckets,
			},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of running operations",
			},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsFinished,
		m.operationDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.healingAttempts,
		m.rollbacks,
		m.prerequisiteLookups,
		m.providerQueries,
		m.providerDuration,
		m.errorsByCode,
		m.activeOperations,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperationStarted increments the started counter and the active gauge.
func (m *Metrics) RecordOperationStarted(capability, kind string) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(capability, kind).Inc()
	m.activeOperations.Inc()
}

// RecordOperationFinished records a terminal status and its duration.
func (m *Metrics) RecordOperationFinished(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsFinished.WithLabelValues(status).Inc()
	m.operationDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordStep records one forward or rollback step outcome.
func (m *Metrics) RecordStep(phase, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(phase, status).Inc()
	m.stepDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordHealing records a self-healing retry outcome
// (retried, healed, blocked, exhausted).
func (m *Metrics) RecordHealing(outcome string) {
	if !m.enabled() {
		return
	}
	m.healingAttempts.WithLabelValues(outcome).Inc()
}

// RecordRollback records a rollback outcome (clean, partial).
func (m *Metrics) RecordRollback(outcome string) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

// RecordPrerequisiteLookup records where a prerequisite was resolved and
// whether it was present.
func (m *Metrics) RecordPrerequisiteLookup(source string, present bool) {
	if !m.enabled() {
		return
	}
	result := "present"
	if !present {
		result = "missing"
	}
	m.prerequisiteLookups.WithLabelValues(source, result).Inc()
}

// RecordProviderQuery records a provider query with its duration.
func (m *Metrics) RecordProviderQuery(duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerQueries.WithLabelValues(result).Inc()
	m.providerDuration.Observe(duration.Seconds())
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on ListenAddress in the background.
// It does nothing when metrics are disabled or no address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
