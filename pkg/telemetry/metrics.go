package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the loom engine.
type Metrics struct {
	config MetricsConfig

	// Apply metrics
	appliesStarted   prometheus.Counter
	appliesCompleted *prometheus.CounterVec
	applyDuration    prometheus.Histogram

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// State metrics
	stateWrites      prometheus.Counter
	resourcesManaged prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance: all record methods tolerate nil collectors.
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

		appliesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_started_total",
			Help:      "Total number of applies started",
		}),
		appliesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_completed_total",
			Help:      "Total number of applies completed, by outcome",
		}, []string{"outcome"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Wall-clock duration of applies",
			Buckets:   buckets,
		}),
		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_executed_total",
			Help:      "Total number of plan actions executed, by type and status",
		}, []string{"action", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of individual plan actions",
			Buckets:   buckets,
		}, []string{"action"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of provider operations invoked",
		}, []string{"provider", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of provider operation failures",
		}, []string{"provider", "operation"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "Duration of provider operations",
			Buckets:   buckets,
		}, []string{"provider", "operation"}),
		stateWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Total number of incremental state store writes",
		}),
		resourcesManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_managed",
			Help:      "Number of resources recorded in the state snapshot",
		}),
	}

	registry.MustRegister(
		m.appliesStarted,
		m.appliesCompleted,
		m.applyDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.providerCalls,
		m.providerErrors,
		m.providerDuration,
		m.stateWrites,
		m.resourcesManaged,
	)

	return m, nil
}

// ApplyStarted records the start of an apply.
func (m *Metrics) ApplyStarted() {
	if m.appliesStarted == nil {
		return
	}
	m.appliesStarted.Inc()
}

// ApplyCompleted records a finished apply with its outcome and duration.
func (m *Metrics) ApplyCompleted(outcome string, d time.Duration) {
	if m.appliesCompleted == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(outcome).Inc()
	m.applyDuration.Observe(d.Seconds())
}

// ActionExecuted records one executed plan action.
func (m *Metrics) ActionExecuted(action, status string, d time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ProviderCall records a provider operation invocation.
func (m *Metrics) ProviderCall(provider, operation string, d time.Duration, err error) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(provider, operation).Inc()
	}
}

// StateWritten records one incremental state store write.
func (m *Metrics) StateWritten(resourceCount int) {
	if m.stateWrites == nil {
		return
	}
	m.stateWrites.Inc()
	m.resourcesManaged.Set(float64(resourceCount))
}

// handler serves the metrics registry over HTTP.
func (m *Metrics) handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the configured address.
// It returns immediately; the server runs until the process exits.
func (m *Metrics) Serve() {
	if m.registry == nil || m.config.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.handler())

	go func() {
		// Serve errors here only mean the endpoint is unavailable, not
		// that the apply should stop.
		_ = http.ListenAndServe(m.config.ListenAddr, mux)
	}()
}
