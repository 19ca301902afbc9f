package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
)

type EndpointRepository interface {
	Create(ctx context.Context, e *domain.WebhookEndpoint) error
	Update(ctx context.Context, e *domain.WebhookEndpoint) error
	Delete(ctx context.Context, tenantID, id string) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.WebhookEndpoint, error)
	GetByIDUnscoped(ctx context.Context, id string) (*domain.WebhookEndpoint, error)
	GetByURL(ctx context.Context, tenantID, url string) (*domain.WebhookEndpoint, error)
	ListByTenant(ctx context.Context, tenantID string, enabledOnly bool) ([]domain.WebhookEndpoint, error)
	ListForEventType(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error)
}

type GormEndpointRepo struct {
	db *gorm.DB
}

func NewGormEndpointRepo(db *gorm.DB) *GormEndpointRepo {
	return &GormEndpointRepo{db: db}
}

func (r *GormEndpointRepo) Create(ctx context.Context, e *domain.WebhookEndpoint) error {
	model := endpointModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if IsUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	*e = *endpointModelToDomain(model)
	return nil
}

func (r *GormEndpointRepo) Update(ctx context.Context, e *domain.WebhookEndpoint) error {
	model := endpointModelFromDomain(e)
	result := r.db.WithContext(ctx).
		Model(&WebhookEndpointModel{}).
		Where("id = ? AND tenant_id = ?", e.ID, e.TenantID).
		Updates(map[string]any{
			"name":                 model.Name,
			"url":                  model.URL,
			"secret_ref":           model.SecretRef,
			"previous_secret_ref":  model.PreviousSecretRef,
			"secret_rotated_at":    model.SecretRotatedAt,
			"event_types":          model.EventTypes,
			"enabled":              model.Enabled,
			"timeout_ms":           model.TimeoutMs,
			"max_attempts":         model.MaxAttempts,
			"backoff_base_seconds": model.BackoffBaseSeconds,
			"updated_at":           model.UpdatedAt,
		})
	if result.Error != nil {
		if IsUniqueViolation(result.Error) {
			return domain.ErrConflict
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete soft-deletes the endpoint; existing deliveries keep resolving it
// through GetByIDUnscoped.
func (r *GormEndpointRepo) Delete(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&WebhookEndpointModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormEndpointRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.WebhookEndpoint, error) {
	var model WebhookEndpointModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND tenant_id = ?", id, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return endpointModelToDomain(&model), nil
}

func (r *GormEndpointRepo) GetByIDUnscoped(ctx context.Context, id string) (*domain.WebhookEndpoint, error) {
	var model WebhookEndpointModel
	err := r.db.WithContext(ctx).Unscoped().First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return endpointModelToDomain(&model), nil
}

func (r *GormEndpointRepo) GetByURL(ctx context.Context, tenantID, url string) (*domain.WebhookEndpoint, error) {
	var model WebhookEndpointModel
	err := r.db.WithContext(ctx).First(&model, "tenant_id = ? AND url = ?", tenantID, url).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return endpointModelToDomain(&model), nil
}

func (r *GormEndpointRepo) ListByTenant(ctx context.Context, tenantID string, enabledOnly bool) ([]domain.WebhookEndpoint, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}

	var models []WebhookEndpointModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return endpointsToDomain(models), nil
}

func (r *GormEndpointRepo) ListForEventType(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error) {
	var models []WebhookEndpointModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ? AND ? = ANY(event_types)", tenantID, true, eventType).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return endpointsToDomain(models), nil
}

func endpointsToDomain(models []WebhookEndpointModel) []domain.WebhookEndpoint {
	endpoints := make([]domain.WebhookEndpoint, 0, len(models))
	for i := range models {
		endpoints = append(endpoints, *endpointModelToDomain(&models[i]))
	}
	return endpoints
}
