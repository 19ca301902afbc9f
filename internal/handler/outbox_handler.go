package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

type OutboxService interface {
	List(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error)
	Get(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error)
	Exhausted(event domain.OutboxEvent) bool
	Requeue(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error)
}

type OutboxHandler struct {
	service OutboxService
}

func NewOutboxHandler(service OutboxService) (*OutboxHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("outbox service is required")
	}
	return &OutboxHandler{service: service}, nil
}

func RegisterOutboxRoutes(router fiber.Router, service OutboxService) error {
	h, err := NewOutboxHandler(service)
	if err != nil {
		return err
	}

	g := router.Group("/v1/outbox/events")
	g.Get("/", h.ListEvents)
	g.Get("/:id", h.GetEvent)
	g.Post("/:id/requeue", h.RequeueEvent)

	return nil
}

type outboxEventResponse struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	SourceService  string          `json:"sourceService"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	Exhausted      bool            `json:"exhausted"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      *string         `json:"lastError,omitempty"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type listOutboxEventsResponse struct {
	Data []outboxEventResponse `json:"data"`
	Meta listMeta              `json:"meta"`
}

func (h *OutboxHandler) ListEvents(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	page, pageSize, err := parsePage(c)
	if err != nil {
		return err
	}

	params := repository.OutboxListParams{
		TenantID:  tenant,
		EventType: strings.TrimSpace(c.Query("eventType")),
		Page:      page,
		PageSize:  pageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseOutboxStatusFromString(raw)
		if err != nil {
			return err
		}
		params.Status = &status
	}

	events, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	data := make([]outboxEventResponse, 0, len(events))
	for i := range events {
		data = append(data, h.toResponse(&events[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listOutboxEventsResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *OutboxHandler) GetEvent(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	event, err := h.service.Get(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(h.toResponse(event))
}

func (h *OutboxHandler) RequeueEvent(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	event, err := h.service.Requeue(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(h.toResponse(event))
}

func (h *OutboxHandler) toResponse(e *domain.OutboxEvent) outboxEventResponse {
	if e == nil {
		return outboxEventResponse{}
	}
	return outboxEventResponse{
		ID:             e.ID,
		TenantID:       e.TenantID,
		EventID:        e.EventID,
		EventType:      e.EventType,
		Payload:        e.Payload,
		CorrelationID:  e.CorrelationID,
		IdempotencyKey: e.IdempotencyKey,
		SourceService:  e.SourceService,
		Status:         e.Status.String(),
		Attempts:       e.Attempts,
		Exhausted:      h.service.Exhausted(*e),
		NextAttemptAt:  e.NextAttemptAt,
		LastError:      e.LastError,
		PublishedAt:    e.PublishedAt,
		CreatedAt:      e.CreatedAt,
	}
}
