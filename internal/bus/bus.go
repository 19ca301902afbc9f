// Package bus hands published outbox events to internal consumers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Publisher delivers an envelope to the internal event bus. A nil error means
// the bus accepted the message durably.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Envelope is the bus representation of an outbox event.
type Envelope struct {
	OutboxID       string          `json:"outboxId"`
	EventID        string          `json:"eventId"`
	TenantID       string          `json:"tenantId"`
	EventType      string          `json:"eventType"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	SourceService  string          `json:"sourceService"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        json.RawMessage `json:"payload"`
}

func EnvelopeFromEvent(e domain.OutboxEvent) Envelope {
	env := Envelope{
		OutboxID:      e.ID,
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		SourceService: e.SourceService,
		OccurredAt:    e.CreatedAt.UTC(),
		Payload:       e.Payload,
	}
	if e.IdempotencyKey != nil {
		env.IdempotencyKey = *e.IdempotencyKey
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	return env
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("tenantId is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("eventType is required")
	}
	return nil
}

// MessageKey identifies the event across buses: consumers de-duplicate on it.
func (e Envelope) MessageKey() string {
	return e.TenantID + "/" + e.EventID
}

// RoutingKey maps an event type to a topic routing key.
func RoutingKey(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}
