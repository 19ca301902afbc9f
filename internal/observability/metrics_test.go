package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncOutboxPublished("Order.Created")
	metrics.IncOutboxPublishFailed("order.created")
	metrics.IncOutboxExhausted("order.created")
	metrics.AddDeliveriesCreated("order.created", 3)
	metrics.AddDeliveriesCreated("order.created", 0)
	metrics.IncWebhookOutcome("retry", "HTTP_5XX")
	metrics.IncWebhookOutcome("delivered", "")
	metrics.ObserveWebhookSendDuration(503, 120*time.Millisecond)
	metrics.IncWebhookInFlight()
	metrics.DecWebhookInFlight()
	metrics.AddClaimsReaped("delivery", 2)
	metrics.IncJobTick("outbox", "ran")
	metrics.AddRetentionDeleted("outbox_events", 5)

	if got := testutil.ToFloat64(metrics.outboxPublishedTotal.WithLabelValues("order.created")); got != 1 {
		t.Fatalf("outbox_published_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.outboxExhaustedTotal.WithLabelValues("order.created")); got != 1 {
		t.Fatalf("outbox_exhausted_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesCreatedTotal.WithLabelValues("order.created")); got != 3 {
		t.Fatalf("webhook_deliveries_created_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.webhookOutcomesTotal.WithLabelValues("retry", "http_5xx")); got != 1 {
		t.Fatalf("webhook_delivery_outcomes_total{retry} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.webhookOutcomesTotal.WithLabelValues("delivered", "none")); got != 1 {
		t.Fatalf("webhook_delivery_outcomes_total{delivered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.webhookInflight); got != 0 {
		t.Fatalf("webhook_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.claimsReapedTotal.WithLabelValues("delivery")); got != 2 {
		t.Fatalf("claims_reaped_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.jobTicksTotal.WithLabelValues("outbox", "ran")); got != 1 {
		t.Fatalf("job_ticks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retentionDeletedTotal.WithLabelValues("outbox_events")); got != 5 {
		t.Fatalf("retention_deleted_total = %v, want 5", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncOutboxPublished("x")
	metrics.IncWebhookOutcome("delivered", "")
	metrics.IncJobTick("job", "ran")
	if metrics.Handler() == nil {
		t.Fatal("nil metrics should still expose a handler")
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := map[int]string{0: "none", 200: "2xx", 429: "4xx", 503: "5xx", 999: "none"}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
