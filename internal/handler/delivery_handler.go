package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type DeliveryService interface {
	List(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
	Get(ctx context.Context, tenantID, id string) (*service.DeliveryDetail, error)
	RetryNow(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error)
}

type DeliveryHandler struct {
	service DeliveryService
}

func NewDeliveryHandler(service DeliveryService) (*DeliveryHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &DeliveryHandler{service: service}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, service DeliveryService) error {
	h, err := NewDeliveryHandler(service)
	if err != nil {
		return err
	}

	g := router.Group("/v1/webhooks/deliveries")
	g.Get("/", h.ListDeliveries)
	g.Get("/:id", h.GetDelivery)
	g.Post("/:id/retry", h.RetryDelivery)

	return nil
}

type deliveryResponse struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	EndpointID      string     `json:"endpointId"`
	OutboxEventID   string     `json:"outboxEventId"`
	OutboxEventType string     `json:"eventType"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	NextAttemptAt   time.Time  `json:"nextAttemptAt"`
	LastError       *string    `json:"lastError,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type attemptResponse struct {
	AttemptNumber       int       `json:"attemptNumber"`
	RequestTimestamp    time.Time `json:"requestTimestamp"`
	ResponseStatus      *int      `json:"responseStatus,omitempty"`
	ResponseBodySnippet *string   `json:"responseBodySnippet,omitempty"`
	DurationMs          int64     `json:"durationMs"`
	ErrorMessage        *string   `json:"errorMessage,omitempty"`
}

type deliveryDetailResponse struct {
	deliveryResponse
	AttemptHistory []attemptResponse `json:"attemptHistory"`
}

type listDeliveriesResponse struct {
	Data []deliveryResponse `json:"data"`
	Meta listMeta           `json:"meta"`
}

func (h *DeliveryHandler) ListDeliveries(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	page, pageSize, err := parsePage(c)
	if err != nil {
		return err
	}

	params := repository.DeliveryListParams{
		TenantID:   tenant,
		EndpointID: strings.TrimSpace(c.Query("endpointId")),
		Page:       page,
		PageSize:   pageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseDeliveryStatusFromString(raw)
		if err != nil {
			return err
		}
		params.Status = &status
	}

	deliveries, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	data := make([]deliveryResponse, 0, len(deliveries))
	for i := range deliveries {
		data = append(data, toDeliveryResponse(&deliveries[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listDeliveriesResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *DeliveryHandler) GetDelivery(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	detail, err := h.service.Get(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}

	history := make([]attemptResponse, 0, len(detail.Attempts))
	for _, a := range detail.Attempts {
		history = append(history, attemptResponse{
			AttemptNumber:       a.AttemptNumber,
			RequestTimestamp:    a.RequestTimestamp,
			ResponseStatus:      a.ResponseStatus,
			ResponseBodySnippet: a.ResponseBodySnippet,
			DurationMs:          a.DurationMs,
			ErrorMessage:        a.ErrorMessage,
		})
	}
	return c.Status(fiber.StatusOK).JSON(deliveryDetailResponse{
		deliveryResponse: toDeliveryResponse(&detail.Delivery),
		AttemptHistory:   history,
	})
}

// RetryDelivery moves a FAILED or DEAD_LETTER delivery back to PENDING.
func (h *DeliveryHandler) RetryDelivery(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	delivery, err := h.service.RetryNow(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(toDeliveryResponse(delivery))
}

func toDeliveryResponse(d *domain.WebhookDelivery) deliveryResponse {
	if d == nil {
		return deliveryResponse{}
	}
	return deliveryResponse{
		ID:              d.ID,
		TenantID:        d.TenantID,
		EndpointID:      d.EndpointID,
		OutboxEventID:   d.OutboxEventID,
		OutboxEventType: d.OutboxEventType,
		CorrelationID:   d.CorrelationID,
		Status:          d.Status.String(),
		Attempts:        d.Attempts,
		NextAttemptAt:   d.NextAttemptAt,
		LastError:       d.LastError,
		DeliveredAt:     d.DeliveredAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
