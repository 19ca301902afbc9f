package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
)

const insertDeliverySQL = `INSERT INTO webhook_deliveries
	(id, tenant_id, endpoint_id, outbox_event_id, outbox_event_type, correlation_id, status, attempts, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, endpoint_id, outbox_event_id) DO NOTHING`

// claimDeliveriesSQL picks due rows, including SENDING rows whose provisional
// lease has expired, and marks them SENDING in the same statement.
const claimDeliveriesSQL = `UPDATE webhook_deliveries AS d
SET status = 'SENDING', attempts = d.attempts + 1, next_attempt_at = ?, updated_at = ?
FROM (
	SELECT wd.id FROM webhook_deliveries wd
	JOIN webhook_endpoints e ON e.id = wd.endpoint_id
	WHERE wd.status IN ('PENDING', 'FAILED', 'SENDING')
		AND wd.next_attempt_at <= ?
		AND wd.attempts < e.max_attempts
	ORDER BY wd.next_attempt_at ASC
	LIMIT ?
	FOR UPDATE OF wd SKIP LOCKED
) AS claimed
WHERE d.id = claimed.id
RETURNING d.*`

const deadLetterExpiredSQL = `UPDATE webhook_deliveries AS d
SET status = 'DEAD_LETTER', last_error = COALESCE(d.last_error, 'claim lease expired'), updated_at = ?
FROM webhook_endpoints e
WHERE e.id = d.endpoint_id
	AND d.status = 'SENDING'
	AND d.next_attempt_at <= ?
	AND d.attempts >= e.max_attempts`

type DeliveryClaimParams struct {
	Now        time.Time
	LeaseUntil time.Time
	Limit      int
}

type DeliveryListParams struct {
	TenantID   string
	EndpointID string
	Status     *domain.DeliveryStatus
	Page       int
	PageSize   int
}

type DeliveryRepository interface {
	CreateIfAbsent(ctx context.Context, d *domain.WebhookDelivery) (bool, error)
	ClaimDue(ctx context.Context, params DeliveryClaimParams) ([]domain.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id string, attempt int, deliveredAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error
	MarkDeadLetter(ctx context.Context, id string, attempt int, lastError string) error
	DeadLetterExpiredClaims(ctx context.Context, now time.Time) (int64, error)
	GetByID(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error)
	List(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
	Requeue(ctx context.Context, tenantID, id string, now time.Time) error
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

// CreateIfAbsent reports false when the (tenant, endpoint, event) obligation
// already exists.
func (r *GormDeliveryRepo) CreateIfAbsent(ctx context.Context, d *domain.WebhookDelivery) (bool, error) {
	result := r.db.WithContext(ctx).Exec(insertDeliverySQL,
		d.ID, d.TenantID, d.EndpointID, d.OutboxEventID, d.OutboxEventType, d.CorrelationID,
		d.Status, d.Attempts, d.NextAttemptAt, d.CreatedAt, d.UpdatedAt,
	)
	if result.Error != nil {
		if IsUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormDeliveryRepo) ClaimDue(ctx context.Context, params DeliveryClaimParams) ([]domain.WebhookDelivery, error) {
	var models []WebhookDeliveryModel
	err := r.db.WithContext(ctx).
		Raw(claimDeliveriesSQL, params.LeaseUntil, params.Now, params.Now, params.Limit).
		Scan(&models).Error
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; restore best-effort FIFO.
	slices.SortFunc(models, func(a, b WebhookDeliveryModel) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return deliveryModelsToDomain(models)
}

func (r *GormDeliveryRepo) MarkDelivered(ctx context.Context, id string, attempt int, deliveredAt time.Time) error {
	return r.finishClaim(ctx, id, attempt, map[string]any{
		"status":       domain.DeliveryStatusDelivered,
		"delivered_at": deliveredAt,
		"last_error":   nil,
		"updated_at":   deliveredAt,
	})
}

func (r *GormDeliveryRepo) MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	return r.finishClaim(ctx, id, attempt, map[string]any{
		"status":          domain.DeliveryStatusFailed,
		"next_attempt_at": nextAttemptAt,
		"last_error":      lastError,
		"updated_at":      gorm.Expr("NOW()"),
	})
}

func (r *GormDeliveryRepo) MarkDeadLetter(ctx context.Context, id string, attempt int, lastError string) error {
	return r.finishClaim(ctx, id, attempt, map[string]any{
		"status":     domain.DeliveryStatusDeadLetter,
		"last_error": lastError,
		"updated_at": gorm.Expr("NOW()"),
	})
}

// finishClaim only applies to the claim that produced attempt; a stale
// worker whose lease was taken over gets ErrConflict.
func (r *GormDeliveryRepo) finishClaim(ctx context.Context, id string, attempt int, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookDeliveryModel{}).
		Where("id = ? AND attempts = ? AND status = ?", id, attempt, domain.DeliveryStatusSending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormDeliveryRepo) DeadLetterExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(deadLetterExpiredSQL, now, now)
	return result.RowsAffected, result.Error
}

func (r *GormDeliveryRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error) {
	var model WebhookDeliveryModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND tenant_id = ?", id, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model)
}

func (r *GormDeliveryRepo) List(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	query := r.db.WithContext(ctx).Model(&WebhookDeliveryModel{})

	if params.TenantID != "" {
		query = query.Where("tenant_id = ?", params.TenantID)
	}
	if params.EndpointID != "" {
		query = query.Where("endpoint_id = ?", params.EndpointID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []WebhookDeliveryModel
	err := query.
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	deliveries, err := deliveryModelsToDomain(models)
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// Requeue resets a FAILED or DEAD_LETTER delivery so the endpoint's full
// attempt budget applies again.
func (r *GormDeliveryRepo) Requeue(ctx context.Context, tenantID, id string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookDeliveryModel{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID,
			[]domain.DeliveryStatus{domain.DeliveryStatusFailed, domain.DeliveryStatusDeadLetter}).
		Updates(map[string]any{
			"status":          domain.DeliveryStatusPending,
			"attempts":        0,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormDeliveryRepo) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", domain.DeliveryStatusDelivered, cutoff).
		Delete(&WebhookDeliveryModel{})
	return result.RowsAffected, result.Error
}
