package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "delivery_engine"

// Metrics stores Prometheus collectors used by the API, dispatchers and jobs.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	outboxPublishedTotal   *prometheus.CounterVec
	outboxPublishFailures  *prometheus.CounterVec
	outboxExhaustedTotal   *prometheus.CounterVec
	deliveriesCreatedTotal *prometheus.CounterVec
	webhookOutcomesTotal   *prometheus.CounterVec
	webhookSendDuration    *prometheus.HistogramVec
	webhookInflight        prometheus.Gauge
	claimsReapedTotal      *prometheus.CounterVec
	jobTicksTotal          *prometheus.CounterVec
	retentionDeletedTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		outboxPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "outbox_published_total",
				Help:      "Total number of outbox events published to the bus.",
			},
			[]string{"event_type"},
		),
		outboxPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "outbox_publish_failures_total",
				Help:      "Total number of failed outbox publish attempts.",
			},
			[]string{"event_type"},
		),
		outboxExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "outbox_exhausted_total",
				Help:      "Total number of outbox events that used their whole publish budget.",
			},
			[]string{"event_type"},
		),
		deliveriesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_deliveries_created_total",
				Help:      "Total number of webhook deliveries created by fan-out.",
			},
			[]string{"event_type"},
		),
		webhookOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_delivery_outcomes_total",
				Help:      "Total number of webhook delivery attempts by outcome and failure reason.",
			},
			[]string{"outcome", "reason"},
		),
		webhookSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_send_duration_seconds",
				Help:      "Webhook POST duration in seconds grouped by status class.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"status_class"},
		),
		webhookInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_inflight",
				Help:      "Current number of in-flight webhook POSTs.",
			},
		),
		claimsReapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "claims_reaped_total",
				Help:      "Total number of expired claims moved to a terminal state.",
			},
			[]string{"kind"},
		),
		jobTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_ticks_total",
				Help:      "Total number of periodic job ticks by job and outcome.",
			},
			[]string{"job", "outcome"},
		),
		retentionDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retention_deleted_total",
				Help:      "Total number of rows removed by the retention sweeper.",
			},
			[]string{"table"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.outboxPublishedTotal,
		m.outboxPublishFailures,
		m.outboxExhaustedTotal,
		m.deliveriesCreatedTotal,
		m.webhookOutcomesTotal,
		m.webhookSendDuration,
		m.webhookInflight,
		m.claimsReapedTotal,
		m.jobTicksTotal,
		m.retentionDeletedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncOutboxPublished(eventType string) {
	if m == nil {
		return
	}
	m.outboxPublishedTotal.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) IncOutboxPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.outboxPublishFailures.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) IncOutboxExhausted(eventType string) {
	if m == nil {
		return
	}
	m.outboxExhaustedTotal.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) AddDeliveriesCreated(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveriesCreatedTotal.WithLabelValues(normalizeLabel(eventType)).Add(float64(n))
}

// IncWebhookOutcome counts one finished attempt. outcome is delivered, retry
// or dead_letter; reason is empty for delivered.
func (m *Metrics) IncWebhookOutcome(outcome string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "none"
	}
	m.webhookOutcomesTotal.WithLabelValues(normalizeLabel(outcome), reasonLabel).Inc()
}

func (m *Metrics) ObserveWebhookSendDuration(statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.webhookSendDuration.WithLabelValues(statusClass(statusCode)).Observe(seconds)
}

func (m *Metrics) IncWebhookInFlight() {
	if m == nil {
		return
	}
	m.webhookInflight.Inc()
}

func (m *Metrics) DecWebhookInFlight() {
	if m == nil {
		return
	}
	m.webhookInflight.Dec()
}

func (m *Metrics) AddClaimsReaped(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.claimsReapedTotal.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

// IncJobTick satisfies jobs.TickRecorder.
func (m *Metrics) IncJobTick(job string, outcome string) {
	if m == nil {
		return
	}
	m.jobTicksTotal.WithLabelValues(normalizeLabel(job), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) AddRetentionDeleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeletedTotal.WithLabelValues(normalizeLabel(table)).Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

// statusClass buckets an HTTP status as 2xx..5xx; 0 means no response.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
