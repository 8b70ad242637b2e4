package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for botfleet. A nil *Metrics and a
// Metrics built with collection disabled are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	resolutions  prometheus.Counter
	layersMerged prometheus.Counter

	// Validation metrics
	schemaValidations *prometheus.CounterVec

	// Policy metrics
	ruleEvaluations  *prometheus.CounterVec
	violations       *prometheus.CounterVec
	unknownRuleTypes *prometheus.CounterVec

	// Evolution and drift metrics
	evolutionChanges *prometheus.CounterVec
	driftDetections  *prometheus.CounterVec

	// Pipeline metrics
	stageDuration *prometheus.HistogramVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
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

		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total number of layer resolutions",
		}),
		layersMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_merged_total",
			Help:      "Total number of layers merged during resolution",
		}),
		schemaValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_validations_total",
				Help:      "Total number of manifest schema validations",
			},
			[]string{"result"},
		),
		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_rule_evaluations_total",
				Help:      "Total number of policy rule evaluations",
			},
			[]string{"rule_type", "result"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by severity",
			},
			[]string{"severity"},
		),
		unknownRuleTypes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_unknown_rule_types_total",
				Help:      "Total number of evaluations of unrecognized rule types",
			},
			[]string{"rule_type"},
		),
		evolutionChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evolution_changes_total",
				Help:      "Total number of configuration changes detected",
			},
			[]string{"category", "change_type"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift detections",
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.resolutions,
		m.layersMerged,
		m.schemaValidations,
		m.ruleEvaluations,
		m.violations,
		m.unknownRuleTypes,
		m.evolutionChanges,
		m.driftDetections,
		m.stageDuration,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordResolution records one resolution over the given number of layers.
func (m *Metrics) RecordResolution(layers int) {
	if !m.enabled() {
		return
	}
	m.resolutions.Inc()
	m.layersMerged.Add(float64(layers))
}

// RecordSchemaValidation records the outcome of a manifest validation.
func (m *Metrics) RecordSchemaValidation(valid bool) {
	if !m.enabled() {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.schemaValidations.WithLabelValues(result).Inc()
}

// RecordRuleEvaluation records one rule evaluation; result is pass, fail or unknown.
func (m *Metrics) RecordRuleEvaluation(ruleType, result string) {
	if !m.enabled() {
		return
	}
	m.ruleEvaluations.WithLabelValues(ruleType, result).Inc()
}

// RecordViolation records a policy violation of the given severity.
func (m *Metrics) RecordViolation(severity string) {
	if !m.enabled() {
		return
	}
	m.violations.WithLabelValues(severity).Inc()
}

// RecordUnknownRuleType records an evaluation of an unrecognized rule type.
func (m *Metrics) RecordUnknownRuleType(ruleType string) {
	if !m.enabled() {
		return
	}
	m.unknownRuleTypes.WithLabelValues(ruleType).Inc()
}

// RecordEvolutionChange records one detected configuration change.
func (m *Metrics) RecordEvolutionChange(category, changeType string) {
	if !m.enabled() {
		return
	}
	m.evolutionChanges.WithLabelValues(category, changeType).Inc()
}

// RecordDriftDetection records a drift check with status drifted or in_sync.
func (m *Metrics) RecordDriftDetection(status string) {
	if !m.enabled() {
		return
	}
	m.driftDetections.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the private registry, or nil when collection is disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
