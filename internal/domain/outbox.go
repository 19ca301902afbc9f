package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// outboxTransitions is total over the closed set of outbox statuses.
var outboxTransitions = map[OutboxStatus]map[OutboxStatus]bool{
	OutboxStatusPending: {
		OutboxStatusPublished: true,
		OutboxStatusFailed:    true,
	},
	OutboxStatusFailed: {
		OutboxStatusPublished: true,
		OutboxStatusFailed:    true,
		OutboxStatusPending:   true,
	},
	OutboxStatusPublished: {},
}

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusPublished, OutboxStatusFailed:
		return true
	}
	return false
}

func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusPublished
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	return outboxTransitions[s][next]
}

func ValidateOutboxTransition(from, to OutboxStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown outbox status %q -> %q", ErrInvalidTransition, from, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: outbox %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ParseOutboxStatusFromString(s string) (OutboxStatus, error) {
	st := OutboxStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid outbox status %q", ErrValidation, s)
	}
	return st, nil
}

// OutboxEvent is a durable business fact recorded in the same transaction
// as the state change it describes.
type OutboxEvent struct {
	ID             string
	TenantID       string
	EventID        string
	EventType      string
	Payload        json.RawMessage
	CorrelationID  string
	IdempotencyKey *string
	SourceService  string
	Status         OutboxStatus
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	UpdatedAt      time.Time
}

func (e *OutboxEvent) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", ErrValidation)
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: eventId is required", ErrValidation)
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: eventType is required", ErrValidation)
	}
	if strings.TrimSpace(e.SourceService) == "" {
		return fmt.Errorf("%w: sourceService is required", ErrValidation)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	if e.Status != "" && !e.Status.IsValid() {
		return fmt.Errorf("%w: invalid outbox status %q", ErrValidation, e.Status)
	}
	return nil
}

// Exhausted reports whether the event has used its whole publish budget.
func (e *OutboxEvent) Exhausted(maxAttempts int) bool {
	return e.Status == OutboxStatusFailed && maxAttempts > 0 && e.Attempts >= maxAttempts
}
