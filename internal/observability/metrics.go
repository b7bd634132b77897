package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"rudder/internal/events"
)

// MetricsCollector manages all metrics for the routing engine.
type MetricsCollector struct {
	meter metric.Meter

	// Routing metrics
	routeDecisions  metric.Int64Counter
	routeDuration   metric.Float64Histogram
	routesExhausted metric.Int64Counter

	// Breaker metrics
	breakerTransitions metric.Int64Counter

	// Experiment metrics
	experimentAssignments metric.Int64Counter

	// Oracle metrics
	oracleCalls   metric.Int64Counter
	oracleLatency metric.Float64Histogram

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("rudder")

	routeDecisions, err := meter.Int64Counter(
		"rudder.route.decisions.total",
		metric.WithDescription("Total routing decisions by reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create route_decisions counter: %w", err)
	}

	routeDuration, err := meter.Float64Histogram(
		"rudder.route.duration",
		metric.WithDescription("Route evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create route_duration histogram: %w", err)
	}

	routesExhausted, err := meter.Int64Counter(
		"rudder.route.exhausted.total",
		metric.WithDescription("Route calls that failed with all routes exhausted"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routes_exhausted counter: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"rudder.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker_transitions counter: %w", err)
	}

	experimentAssignments, err := meter.Int64Counter(
		"rudder.experiment.assignments.total",
		metric.WithDescription("Requests diverted into experiment buckets"),
		metric.WithUnit("{assignment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create experiment_assignments counter: %w", err)
	}

	oracleCalls, err := meter.Int64Counter(
		"rudder.oracle.calls.total",
		metric.WithDescription("Classification oracle calls by status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle_calls counter: %w", err)
	}

	oracleLatency, err := meter.Float64Histogram(
		"rudder.oracle.latency",
		metric.WithDescription("Classification oracle call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle_latency histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:                 meter,
		routeDecisions:        routeDecisions,
		routeDuration:         routeDuration,
		routesExhausted:       routesExhausted,
		breakerTransitions:    breakerTransitions,
		experimentAssignments: experimentAssignments,
		oracleCalls:           oracleCalls,
		oracleLatency:         oracleLatency,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordOracleCall records a classification oracle call.
func (m *MetricsCollector) RecordOracleCall(ctx context.Context, status string, latency time.Duration) {
	if m.oracleCalls == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.oracleCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.oracleLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// ObserveSessions registers an observable gauge reporting the number of live
// sticky sessions, read from count on every scrape.
func (m *MetricsCollector) ObserveSessions(count func() int) error {
	if m.meter == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableUpDownCounter(
		"rudder.sessions.active",
		metric.WithDescription("Number of live sticky sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(count()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}
	return nil
}

// OracleCall implements events.Emitter.
func (m *MetricsCollector) OracleCall(ctx context.Context, ev events.OracleCallEvent) {
	m.RecordOracleCall(ctx, ev.Status, ev.Elapsed)
}

// Decision implements events.Emitter.
func (m *MetricsCollector) Decision(ctx context.Context, ev events.DecisionEvent) {
	if m.routeDecisions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", ev.Target),
		attribute.String("reason", ev.Reason),
	}
	m.routeDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.routeDuration.Record(ctx, ev.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("reason", ev.Reason),
	))
}

// BreakerTransition implements events.Emitter.
func (m *MetricsCollector) BreakerTransition(ctx context.Context, ev events.BreakerTransitionEvent) {
	if m.breakerTransitions == nil {
		return
	}

	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", ev.Target),
		attribute.String("from", ev.From),
		attribute.String("to", ev.To),
	))
}

// ExperimentAssignment implements events.Emitter.
func (m *MetricsCollector) ExperimentAssignment(ctx context.Context, ev events.ExperimentAssignmentEvent) {
	if m.experimentAssignments == nil {
		return
	}

	m.experimentAssignments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment", ev.Experiment),
		attribute.String("original", ev.Original),
		attribute.String("assigned", ev.Assigned),
	))
}

// RoutesExhausted implements events.Emitter.
func (m *MetricsCollector) RoutesExhausted(ctx context.Context, ev events.RoutesExhaustedEvent) {
	if m.routesExhausted == nil {
		return
	}

	m.routesExhausted.Add(ctx, 1)
	m.routeDuration.Record(ctx, ev.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("reason", "exhausted"),
	))
}
