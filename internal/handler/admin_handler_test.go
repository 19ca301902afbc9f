package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type stubDeliveryService struct {
	listFn  func(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
	getFn   func(ctx context.Context, tenantID, id string) (*service.DeliveryDetail, error)
	retryFn func(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error)
}

func (s *stubDeliveryService) List(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubDeliveryService) Get(ctx context.Context, tenantID, id string) (*service.DeliveryDetail, error) {
	if s.getFn != nil {
		return s.getFn(ctx, tenantID, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubDeliveryService) RetryNow(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, tenantID, id)
	}
	return nil, domain.ErrNotFound
}

type stubOutboxService struct {
	listFn    func(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error)
	getFn     func(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error)
	requeueFn func(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error)
}

func (s *stubOutboxService) List(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubOutboxService) Get(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
	if s.getFn != nil {
		return s.getFn(ctx, tenantID, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubOutboxService) Exhausted(event domain.OutboxEvent) bool {
	return event.Exhausted(3)
}

func (s *stubOutboxService) Requeue(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
	if s.requeueFn != nil {
		return s.requeueFn(ctx, tenantID, id)
	}
	return nil, domain.ErrNotFound
}

func sampleDelivery(id string, status domain.DeliveryStatus, attempts int) domain.WebhookDelivery {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return domain.WebhookDelivery{
		ID:              id,
		TenantID:        "t1",
		EndpointID:      "ep-1",
		OutboxEventID:   "o1",
		OutboxEventType: "order.created",
		Status:          status,
		Attempts:        attempts,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestDeliveryHandler_ListFilters(t *testing.T) {
	t.Parallel()

	var got repository.DeliveryListParams
	svc := &stubDeliveryService{
		listFn: func(_ context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
			got = params
			return []domain.WebhookDelivery{sampleDelivery("dl-1", domain.DeliveryStatusDeadLetter, 8)}, 41, nil
		},
	}
	app := newTestApp(t, func(app *fiber.App) error { return RegisterDeliveryRoutes(app, svc) })

	resp, body := performTenantRequest(t, app, http.MethodGet,
		"/v1/webhooks/deliveries?status=dead_letter&endpointId=ep-1&page=2&pageSize=20", "", "t1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	if got.TenantID != "t1" || got.EndpointID != "ep-1" || got.Page != 2 || got.PageSize != 20 {
		t.Fatalf("unexpected params: %+v", got)
	}
	if got.Status == nil || *got.Status != domain.DeliveryStatusDeadLetter {
		t.Fatalf("status filter = %v, want DEAD_LETTER", got.Status)
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
		Meta listMeta         `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Meta.Total != 41 || len(parsed.Data) != 1 || parsed.Data[0]["status"] != "DEAD_LETTER" {
		t.Fatalf("unexpected body: %s", body)
	}

	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown status", query: "?status=lost"},
		{name: "zero page", query: "?page=0"},
		{name: "page size too large", query: fmt.Sprintf("?pageSize=%d", maxPageSize+1)},
	}
	for _, tt := range tests {
		resp, _ := performTenantRequest(t, app, http.MethodGet, "/v1/webhooks/deliveries"+tt.query, "", "t1")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tt.name, resp.StatusCode)
		}
	}
}

func TestDeliveryHandler_GetWithAttempts(t *testing.T) {
	t.Parallel()

	status := 503
	snippet := "unavailable"
	svc := &stubDeliveryService{
		getFn: func(_ context.Context, tenantID, id string) (*service.DeliveryDetail, error) {
			if tenantID != "t1" {
				return nil, domain.ErrNotFound
			}
			return &service.DeliveryDetail{
				Delivery: sampleDelivery(id, domain.DeliveryStatusFailed, 1),
				Attempts: []domain.WebhookAttempt{{
					AttemptNumber:       1,
					ResponseStatus:      &status,
					ResponseBodySnippet: &snippet,
					DurationMs:          42,
				}},
			}, nil
		},
	}
	app := newTestApp(t, func(app *fiber.App) error { return RegisterDeliveryRoutes(app, svc) })

	resp, body := performTenantRequest(t, app, http.MethodGet, "/v1/webhooks/deliveries/dl-1", "", "t1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	var parsed struct {
		ID             string `json:"id"`
		AttemptHistory []struct {
			ResponseStatus int   `json:"responseStatus"`
			DurationMs     int64 `json:"durationMs"`
		} `json:"attemptHistory"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.ID != "dl-1" || len(parsed.AttemptHistory) != 1 || parsed.AttemptHistory[0].ResponseStatus != 503 {
		t.Fatalf("unexpected body: %s", body)
	}

	resp, _ = performTenantRequest(t, app, http.MethodGet, "/v1/webhooks/deliveries/dl-1", "", "t2")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404 across tenants", resp.StatusCode)
	}
}

func TestDeliveryHandler_Retry(t *testing.T) {
	t.Parallel()

	svc := &stubDeliveryService{
		retryFn: func(_ context.Context, _, id string) (*domain.WebhookDelivery, error) {
			if id == "dl-done" {
				return nil, fmt.Errorf("%w: delivery DELIVERED -> PENDING", domain.ErrInvalidTransition)
			}
			d := sampleDelivery(id, domain.DeliveryStatusPending, 0)
			return &d, nil
		},
	}
	app := newTestApp(t, func(app *fiber.App) error { return RegisterDeliveryRoutes(app, svc) })

	resp, body := performTenantRequest(t, app, http.MethodPost, "/v1/webhooks/deliveries/dl-1/retry", "", "t1")
	if resp.StatusCode != fiber.StatusAccepted || !strings.Contains(string(body), `"status":"PENDING"`) {
		t.Fatalf("retry status = %d, body=%s", resp.StatusCode, body)
	}

	resp, _ = performTenantRequest(t, app, http.MethodPost, "/v1/webhooks/deliveries/dl-done/retry", "", "t1")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409 for delivered delivery", resp.StatusCode)
	}
}

func TestOutboxHandler_ListGetRequeue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	lastErr := "broker unavailable"
	failed := domain.OutboxEvent{
		ID:            "o1",
		TenantID:      "t1",
		EventID:       "evt-1",
		EventType:     "order.created",
		Payload:       json.RawMessage(`{"orderId":"o-1"}`),
		SourceService: "orders",
		Status:        domain.OutboxStatusFailed,
		Attempts:      3,
		NextAttemptAt: now,
		LastError:     &lastErr,
		CreatedAt:     now,
	}

	var listParams repository.OutboxListParams
	svc := &stubOutboxService{
		listFn: func(_ context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error) {
			listParams = params
			return []domain.OutboxEvent{failed}, 1, nil
		},
		getFn: func(_ context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
			if tenantID != "t1" || id != "o1" {
				return nil, domain.ErrNotFound
			}
			e := failed
			return &e, nil
		},
		requeueFn: func(_ context.Context, _, id string) (*domain.OutboxEvent, error) {
			if id != "o1" {
				return nil, errors.New("unexpected id")
			}
			e := failed
			e.Status = domain.OutboxStatusPending
			e.Attempts = 0
			return &e, nil
		},
	}
	app := newTestApp(t, func(app *fiber.App) error { return RegisterOutboxRoutes(app, svc) })

	resp, body := performTenantRequest(t, app, http.MethodGet, "/v1/outbox/events?status=failed&eventType=order.created", "", "t1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list status = %d, body=%s", resp.StatusCode, body)
	}
	if listParams.Status == nil || *listParams.Status != domain.OutboxStatusFailed || listParams.EventType != "order.created" {
		t.Fatalf("unexpected list params: %+v", listParams)
	}
	if !strings.Contains(string(body), `"exhausted":true`) {
		t.Fatalf("exhausted flag missing: %s", body)
	}

	resp, body = performTenantRequest(t, app, http.MethodGet, "/v1/outbox/events/o1", "", "t1")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"payload":{"orderId":"o-1"}`) {
		t.Fatalf("get status = %d, body=%s", resp.StatusCode, body)
	}

	resp, body = performTenantRequest(t, app, http.MethodPost, "/v1/outbox/events/o1/requeue", "", "t1")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("requeue status = %d, body=%s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"PENDING"`) || !strings.Contains(string(body), `"exhausted":false`) {
		t.Fatalf("unexpected requeue body: %s", body)
	}

	resp, _ = performTenantRequest(t, app, http.MethodGet, "/v1/outbox/events/o1", "", "t2")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404 across tenants", resp.StatusCode)
	}
}
