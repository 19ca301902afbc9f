package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutboxEventModel is the persistence model for the outbox_events table.
type OutboxEventModel struct {
	ID             string              `gorm:"type:uuid;primaryKey"`
	TenantID       string              `gorm:"type:varchar(64);not null;uniqueIndex:idx_outbox_tenant_event"`
	EventID        string              `gorm:"type:varchar(255);not null;uniqueIndex:idx_outbox_tenant_event"`
	EventType      string              `gorm:"type:varchar(255);not null"`
	Payload        datatypes.JSON      `gorm:"type:jsonb;not null"`
	CorrelationID  string              `gorm:"type:varchar(64);not null"`
	IdempotencyKey *string             `gorm:"type:varchar(255)"`
	SourceService  string              `gorm:"type:varchar(128);not null"`
	Status         domain.OutboxStatus `gorm:"type:varchar(20);not null"`
	Attempts       int                 `gorm:"not null"`
	NextAttemptAt  time.Time           `gorm:"type:timestamptz;not null"`
	LastError      *string             `gorm:"type:text"`
	PublishedAt    *time.Time          `gorm:"type:timestamptz"`
	CreatedAt      time.Time           `gorm:"type:timestamptz;not null"`
	UpdatedAt      time.Time           `gorm:"type:timestamptz;not null"`
}

func (OutboxEventModel) TableName() string {
	return "outbox_events"
}

// WebhookEndpointModel is the persistence model for webhook_endpoints.
type WebhookEndpointModel struct {
	ID                 string         `gorm:"type:uuid;primaryKey"`
	TenantID           string         `gorm:"type:varchar(64);not null;index"`
	Name               string         `gorm:"type:varchar(255);not null"`
	URL                string         `gorm:"type:text;not null"`
	SecretRef          string         `gorm:"type:varchar(255);not null"`
	PreviousSecretRef  *string        `gorm:"type:varchar(255)"`
	SecretRotatedAt    *time.Time     `gorm:"type:timestamptz"`
	EventTypes         pq.StringArray `gorm:"type:text[];not null"`
	Enabled            bool           `gorm:"not null"`
	TimeoutMs          int            `gorm:"not null"`
	MaxAttempts        int            `gorm:"not null"`
	BackoffBaseSeconds int            `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"type:timestamptz;not null"`
	UpdatedAt          time.Time      `gorm:"type:timestamptz;not null"`
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

func (WebhookEndpointModel) TableName() string {
	return "webhook_endpoints"
}

// WebhookDeliveryModel is the persistence model for webhook_deliveries.
type WebhookDeliveryModel struct {
	ID              string                `gorm:"type:uuid;primaryKey"`
	TenantID        string                `gorm:"type:varchar(64);not null;uniqueIndex:idx_deliveries_tenant_endpoint_event"`
	EndpointID      string                `gorm:"type:uuid;not null;uniqueIndex:idx_deliveries_tenant_endpoint_event"`
	OutboxEventID   string                `gorm:"type:uuid;not null;uniqueIndex:idx_deliveries_tenant_endpoint_event"`
	OutboxEventType string                `gorm:"type:varchar(255);not null"`
	CorrelationID   string                `gorm:"type:varchar(64);not null"`
	Status          domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	Attempts        int                   `gorm:"not null"`
	NextAttemptAt   time.Time             `gorm:"type:timestamptz;not null"`
	LastError       *string               `gorm:"type:text"`
	DeliveredAt     *time.Time            `gorm:"type:timestamptz"`
	CreatedAt       time.Time             `gorm:"type:timestamptz;not null"`
	UpdatedAt       time.Time             `gorm:"type:timestamptz;not null"`
}

func (WebhookDeliveryModel) TableName() string {
	return "webhook_deliveries"
}

// WebhookAttemptModel is the persistence model for webhook_attempts.
type WebhookAttemptModel struct {
	ID                  string    `gorm:"type:uuid;primaryKey"`
	TenantID            string    `gorm:"type:varchar(64);not null"`
	DeliveryID          string    `gorm:"type:uuid;not null;index"`
	AttemptNumber       int       `gorm:"not null"`
	RequestTimestamp    time.Time `gorm:"type:timestamptz;not null"`
	ResponseStatus      *int      `gorm:"type:int"`
	ResponseBodySnippet *string   `gorm:"type:text"`
	DurationMs          int64     `gorm:"not null"`
	ErrorMessage        *string   `gorm:"type:text"`
	CreatedAt           time.Time `gorm:"type:timestamptz;not null;index"`
}

func (WebhookAttemptModel) TableName() string {
	return "webhook_attempts"
}

func outboxModelFromDomain(e *domain.OutboxEvent) *OutboxEventModel {
	if e == nil {
		return nil
	}

	payload := datatypes.JSON(e.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON(`{}`)
	}

	return &OutboxEventModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		EventID:        e.EventID,
		EventType:      e.EventType,
		Payload:        payload,
		CorrelationID:  e.CorrelationID,
		IdempotencyKey: e.IdempotencyKey,
		SourceService:  e.SourceService,
		Status:         e.Status,
		Attempts:       e.Attempts,
		NextAttemptAt:  e.NextAttemptAt,
		LastError:      e.LastError,
		PublishedAt:    e.PublishedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// outboxModelToDomain rejects rows whose status is outside the closed set.
func outboxModelToDomain(m *OutboxEventModel) (*domain.OutboxEvent, error) {
	if m == nil {
		return nil, nil
	}
	status, err := domain.ParseOutboxStatusFromString(string(m.Status))
	if err != nil {
		return nil, fmt.Errorf("outbox event %s: %w", m.ID, err)
	}

	return &domain.OutboxEvent{
		ID:             m.ID,
		TenantID:       m.TenantID,
		EventID:        m.EventID,
		EventType:      m.EventType,
		Payload:        json.RawMessage(m.Payload),
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		SourceService:  m.SourceService,
		Status:         status,
		Attempts:       m.Attempts,
		NextAttemptAt:  m.NextAttemptAt,
		LastError:      m.LastError,
		PublishedAt:    m.PublishedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func outboxModelsToDomain(models []OutboxEventModel) ([]domain.OutboxEvent, error) {
	events := make([]domain.OutboxEvent, 0, len(models))
	for i := range models {
		event, err := outboxModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

func endpointModelFromDomain(e *domain.WebhookEndpoint) *WebhookEndpointModel {
	if e == nil {
		return nil
	}

	model := &WebhookEndpointModel{
		ID:                 e.ID,
		TenantID:           e.TenantID,
		Name:               e.Name,
		URL:                e.URL,
		SecretRef:          e.SecretRef,
		PreviousSecretRef:  e.PreviousSecretRef,
		SecretRotatedAt:    e.SecretRotatedAt,
		EventTypes:         pq.StringArray(e.EventTypes),
		Enabled:            e.Enabled,
		TimeoutMs:          e.TimeoutMs,
		MaxAttempts:        e.MaxAttempts,
		BackoffBaseSeconds: e.BackoffBaseSeconds,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if e.DeletedAt != nil {
		model.DeletedAt = gorm.DeletedAt{Time: *e.DeletedAt, Valid: true}
	}
	return model
}

func endpointModelToDomain(m *WebhookEndpointModel) *domain.WebhookEndpoint {
	if m == nil {
		return nil
	}

	endpoint := &domain.WebhookEndpoint{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		Name:               m.Name,
		URL:                m.URL,
		SecretRef:          m.SecretRef,
		PreviousSecretRef:  m.PreviousSecretRef,
		SecretRotatedAt:    m.SecretRotatedAt,
		EventTypes:         []string(m.EventTypes),
		Enabled:            m.Enabled,
		TimeoutMs:          m.TimeoutMs,
		MaxAttempts:        m.MaxAttempts,
		BackoffBaseSeconds: m.BackoffBaseSeconds,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.DeletedAt.Valid {
		deletedAt := m.DeletedAt.Time
		endpoint.DeletedAt = &deletedAt
	}
	return endpoint
}

func deliveryModelFromDomain(d *domain.WebhookDelivery) *WebhookDeliveryModel {
	if d == nil {
		return nil
	}

	return &WebhookDeliveryModel{
		ID:              d.ID,
		TenantID:        d.TenantID,
		EndpointID:      d.EndpointID,
		OutboxEventID:   d.OutboxEventID,
		OutboxEventType: d.OutboxEventType,
		CorrelationID:   d.CorrelationID,
		Status:          d.Status,
		Attempts:        d.Attempts,
		NextAttemptAt:   d.NextAttemptAt,
		LastError:       d.LastError,
		DeliveredAt:     d.DeliveredAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func deliveryModelToDomain(m *WebhookDeliveryModel) (*domain.WebhookDelivery, error) {
	if m == nil {
		return nil, nil
	}
	status, err := domain.ParseDeliveryStatusFromString(string(m.Status))
	if err != nil {
		return nil, fmt.Errorf("webhook delivery %s: %w", m.ID, err)
	}

	return &domain.WebhookDelivery{
		ID:              m.ID,
		TenantID:        m.TenantID,
		EndpointID:      m.EndpointID,
		OutboxEventID:   m.OutboxEventID,
		OutboxEventType: m.OutboxEventType,
		CorrelationID:   m.CorrelationID,
		Status:          status,
		Attempts:        m.Attempts,
		NextAttemptAt:   m.NextAttemptAt,
		LastError:       m.LastError,
		DeliveredAt:     m.DeliveredAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func deliveryModelsToDomain(models []WebhookDeliveryModel) ([]domain.WebhookDelivery, error) {
	deliveries := make([]domain.WebhookDelivery, 0, len(models))
	for i := range models {
		delivery, err := deliveryModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *delivery)
	}
	return deliveries, nil
}

func attemptModelFromDomain(a *domain.WebhookAttempt) *WebhookAttemptModel {
	if a == nil {
		return nil
	}

	return &WebhookAttemptModel{
		ID:                  a.ID,
		TenantID:            a.TenantID,
		DeliveryID:          a.DeliveryID,
		AttemptNumber:       a.AttemptNumber,
		RequestTimestamp:    a.RequestTimestamp,
		ResponseStatus:      a.ResponseStatus,
		ResponseBodySnippet: a.ResponseBodySnippet,
		DurationMs:          a.DurationMs,
		ErrorMessage:        a.ErrorMessage,
		CreatedAt:           a.CreatedAt,
	}
}

func attemptModelToDomain(m *WebhookAttemptModel) *domain.WebhookAttempt {
	if m == nil {
		return nil
	}

	return &domain.WebhookAttempt{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		DeliveryID:          m.DeliveryID,
		AttemptNumber:       m.AttemptNumber,
		RequestTimestamp:    m.RequestTimestamp,
		ResponseStatus:      m.ResponseStatus,
		ResponseBodySnippet: m.ResponseBodySnippet,
		DurationMs:          m.DurationMs,
		ErrorMessage:        m.ErrorMessage,
		CreatedAt:           m.CreatedAt,
	}
}
