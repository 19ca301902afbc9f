package domain

import (
	"encoding/json"
	"time"
)

// WebhookPayload is the JSON body POSTed to subscribers.
type WebhookPayload struct {
	EventType     string          `json:"eventType"`
	EventID       string          `json:"eventId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	DeliveryID    string          `json:"deliveryId"`
	AttemptNumber int             `json:"attemptNumber"`
}

func NewWebhookPayload(event OutboxEvent, delivery WebhookDelivery) WebhookPayload {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return WebhookPayload{
		EventType:     event.EventType,
		EventID:       event.EventID,
		OccurredAt:    event.CreatedAt.UTC(),
		Payload:       payload,
		TenantID:      event.TenantID,
		CorrelationID: delivery.CorrelationID,
		DeliveryID:    delivery.ID,
		AttemptNumber: delivery.Attempts,
	}
}
