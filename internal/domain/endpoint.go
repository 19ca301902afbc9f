package domain

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	DefaultEndpointTimeoutMs   = 10_000
	DefaultEndpointMaxAttempts = 8
	DefaultBackoffBaseSeconds  = 30
)

// WebhookEndpoint is a tenant-registered HTTPS subscriber.
type WebhookEndpoint struct {
	ID                 string
	TenantID           string
	Name               string
	URL                string
	SecretRef          string
	PreviousSecretRef  *string
	SecretRotatedAt    *time.Time
	EventTypes         []string
	Enabled            bool
	TimeoutMs          int
	MaxAttempts        int
	BackoffBaseSeconds int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

func (e *WebhookEndpoint) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", ErrValidation)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := ValidateEndpointURL(e.URL); err != nil {
		return err
	}
	if strings.TrimSpace(e.SecretRef) == "" {
		return fmt.Errorf("%w: secretRef is required", ErrValidation)
	}
	if len(e.EventTypes) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrValidation)
	}
	for _, eventType := range e.EventTypes {
		if strings.TrimSpace(eventType) == "" {
			return fmt.Errorf("%w: event types must not be blank", ErrValidation)
		}
	}
	if e.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeoutMs must be positive", ErrValidation)
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("%w: maxAttempts must be positive", ErrValidation)
	}
	if e.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("%w: backoffBaseSeconds must be positive", ErrValidation)
	}
	return nil
}

// ValidateEndpointURL accepts absolute https URLs with a host only.
func ValidateEndpointURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrValidation, err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%w: url scheme must be https", ErrValidation)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrValidation)
	}
	return nil
}

// Subscribes reports whether the endpoint wants events of the given type.
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.EventTypes, eventType)
}

// Eligible reports whether new deliveries may be fanned out to the endpoint.
func (e *WebhookEndpoint) Eligible() bool {
	return e.Enabled && e.DeletedAt == nil
}

func (e *WebhookEndpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

func (e *WebhookEndpoint) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseSeconds) * time.Second
}

