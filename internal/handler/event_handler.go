package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

// EventPublisher records producer events in the outbox.
type EventPublisher interface {
	Publish(ctx context.Context, in service.OutboxEventInput) error
	PublishAsync(ctx context.Context, in service.OutboxEventInput)
}

// EventHandler lets producers without database access emit events over HTTP.
type EventHandler struct {
	publisher EventPublisher
}

func NewEventHandler(publisher EventPublisher) (*EventHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	return &EventHandler{publisher: publisher}, nil
}

func RegisterEventRoutes(router fiber.Router, publisher EventPublisher) error {
	h, err := NewEventHandler(publisher)
	if err != nil {
		return err
	}

	router.Post("/v1/outbox/events", h.PublishEvent)
	return nil
}

type publishEventRequest struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlationId"`
	IdempotencyKey *string         `json:"idempotencyKey"`
	SourceService  string          `json:"sourceService"`
}

// PublishEvent writes the event synchronously unless ?async=true, in which
// case the write happens in the background and failures are only logged.
func (h *EventHandler) PublishEvent(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req publishEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	in := service.OutboxEventInput{
		TenantID:       tenant,
		EventID:        strings.TrimSpace(req.EventID),
		EventType:      strings.TrimSpace(req.EventType),
		Payload:        req.Payload,
		CorrelationID:  strings.TrimSpace(req.CorrelationID),
		IdempotencyKey: req.IdempotencyKey,
		SourceService:  strings.TrimSpace(req.SourceService),
	}
	if in.CorrelationID == "" {
		in.CorrelationID = requestCorrelationID(c)
	}

	if c.QueryBool("async", false) {
		h.publisher.PublishAsync(c.UserContext(), in)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"eventId": in.EventID, "mode": "async"})
	}

	if err := h.publisher.Publish(c.UserContext(), in); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"eventId": in.EventID, "mode": "sync"})
}
