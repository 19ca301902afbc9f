package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus represents the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "PENDING"
	DeliveryStatusSending    DeliveryStatus = "SENDING"
	DeliveryStatusDelivered  DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed     DeliveryStatus = "FAILED"
	DeliveryStatusDeadLetter DeliveryStatus = "DEAD_LETTER"
)

// SENDING -> SENDING is a reclaim after the provisional lease expired.
// FAILED/DEAD_LETTER -> PENDING is a manual retry.
var deliveryTransitions = map[DeliveryStatus]map[DeliveryStatus]bool{
	DeliveryStatusPending: {
		DeliveryStatusSending: true,
	},
	DeliveryStatusSending: {
		DeliveryStatusSending:    true,
		DeliveryStatusDelivered:  true,
		DeliveryStatusFailed:     true,
		DeliveryStatusDeadLetter: true,
	},
	DeliveryStatusFailed: {
		DeliveryStatusSending: true,
		DeliveryStatusPending: true,
	},
	DeliveryStatusDeadLetter: {
		DeliveryStatusPending: true,
	},
	DeliveryStatusDelivered: {},
}

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSending, DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusDeadLetter:
		return true
	}
	return false
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusDeadLetter
}

func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	return deliveryTransitions[s][next]
}

func ValidateDeliveryTransition(from, to DeliveryStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown delivery status %q -> %q", ErrInvalidTransition, from, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: delivery %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

// WebhookDelivery is the obligation to deliver one outbox event to one endpoint.
type WebhookDelivery struct {
	ID              string
	TenantID        string
	EndpointID      string
	OutboxEventID   string
	OutboxEventType string
	CorrelationID   string
	Status          DeliveryStatus
	Attempts        int
	NextAttemptAt   time.Time
	LastError       *string
	DeliveredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewDelivery builds a fresh PENDING obligation for event and endpoint.
func NewDelivery(id string, event OutboxEvent, endpoint WebhookEndpoint, now time.Time) WebhookDelivery {
	return WebhookDelivery{
		ID:              id,
		TenantID:        event.TenantID,
		EndpointID:      endpoint.ID,
		OutboxEventID:   event.ID,
		OutboxEventType: event.EventType,
		CorrelationID:   event.CorrelationID,
		Status:          DeliveryStatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
