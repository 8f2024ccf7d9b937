// Package metrics exposes Prometheus collectors for the gateway's request
// pipeline, plus a Postgres persistence sink for the per-request
// gateway_metrics feed. Collectors use the namespace/subsystem label
// pattern with promauto-registered vectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wudi/karateway/internal/model"
)

// Collector holds every Prometheus metric the data plane records.
type Collector struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	PolicyDenialsTotal   *prometheus.CounterVec
	RateLimiterDuration  *prometheus.HistogramVec
	ConfigReloadSuccess  prometheus.Gauge
	ConfigReloadTotal    *prometheus.CounterVec
	HealthCheckTotal     *prometheus.CounterVec
	BackendHealthyGauge  *prometheus.GaugeVec
}

// New registers and returns the gateway's metric collectors under
// namespace/subsystem, following the corpus's promauto-registration style.
func New(namespace, subsystem string) *Collector {
	return &Collector{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of proxied requests by route and status code",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration, including upstream dispatch",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),
		PolicyDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "policy_denials_total",
				Help:      "Total number of requests denied, by error kind",
			},
			[]string{"kind"},
		),
		RateLimiterDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limiter_decision_seconds",
				Help:      "Time spent evaluating rate limit decisions against the KV store",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"outcome"},
		),
		ConfigReloadSuccess: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "config_reload_up",
				Help:      "1 if the most recent config reload succeeded, 0 otherwise",
			},
		),
		ConfigReloadTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "config_reload_total",
				Help:      "Total number of config reload attempts by outcome",
			},
			[]string{"outcome"},
		),
		HealthCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_total",
				Help:      "Total number of backend health probes by outcome",
			},
			[]string{"service", "status"},
		),
		BackendHealthyGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "backend_healthy",
				Help:      "1 if the backend is currently classified healthy, 0 otherwise",
			},
			[]string{"service"},
		),
	}
}

// RecordRequest records one completed proxied request.
func (c *Collector) RecordRequest(route, status string, d time.Duration) {
	c.RequestsTotal.WithLabelValues(route, status).Inc()
	c.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordDenial records one request rejected by a policy gate (§7's kinds).
func (c *Collector) RecordDenial(kind string) {
	c.PolicyDenialsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimiterDecision records the latency of one rate limiter evaluation.
func (c *Collector) RecordRateLimiterDecision(outcome string, d time.Duration) {
	c.RateLimiterDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordConfigReload records the outcome of one reload attempt (§4.1).
func (c *Collector) RecordConfigReload(ok bool) {
	outcome := "success"
	val := 1.0
	if !ok {
		outcome = "failure"
		val = 0.0
	}
	c.ConfigReloadTotal.WithLabelValues(outcome).Inc()
	c.ConfigReloadSuccess.Set(val)
}

// RecordHealthCheck records one backend health probe outcome (§4.4).
func (c *Collector) RecordHealthCheck(service, status string, healthy bool) {
	c.HealthCheckTotal.WithLabelValues(service, status).Inc()
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.BackendHealthyGauge.WithLabelValues(service).Set(val)
}

// MetricWriter persists per-request gateway_metrics rows.
type MetricWriter interface {
	WriteGatewayMetric(ctx context.Context, m model.GatewayMetric) error
}

// PersistRequest writes one gateway_metrics row and returns the writer's
// error unchanged; logging or dropping a failed write is left to the caller.
func PersistRequest(ctx context.Context, w MetricWriter, m model.GatewayMetric) error {
	return w.WriteGatewayMetric(ctx, m)
}
