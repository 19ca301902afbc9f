package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InsertOutboxEventSQL is shared by the gorm and database/sql writers so both
// paths get the same idempotent insert.
const InsertOutboxEventSQL = `INSERT INTO outbox_events
	(id, tenant_id, event_id, event_type, payload, correlation_id, idempotency_key, source_service, status, attempts, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, event_id) DO NOTHING`

const claimOutboxEventsSQL = `UPDATE outbox_events AS o
SET attempts = o.attempts + 1, next_attempt_at = ?, updated_at = ?
FROM (
	SELECT id FROM outbox_events
	WHERE status IN ('PENDING', 'FAILED') AND next_attempt_at <= ? AND attempts < ?
	ORDER BY next_attempt_at ASC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
) AS claimed
WHERE o.id = claimed.id
RETURNING o.*`

const deletePublishedOutboxSQL = `DELETE FROM outbox_events WHERE id IN (
	SELECT o.id FROM outbox_events o
	WHERE o.status = 'PUBLISHED' AND o.published_at < ?
	AND NOT EXISTS (
		SELECT 1 FROM webhook_deliveries d
		WHERE d.outbox_event_id = o.id AND d.status NOT IN ('DELIVERED', 'DEAD_LETTER')
	)
	LIMIT ?
)`

// OutboxInsertArgs returns the bind arguments for InsertOutboxEventSQL.
func OutboxInsertArgs(e *domain.OutboxEvent) []any {
	payload := datatypes.JSON(e.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON(`{}`)
	}
	return []any{
		e.ID, e.TenantID, e.EventID, e.EventType, payload, e.CorrelationID, e.IdempotencyKey,
		e.SourceService, e.Status, e.Attempts, e.NextAttemptAt, e.CreatedAt, e.UpdatedAt,
	}
}

type OutboxClaimParams struct {
	Now         time.Time
	LeaseUntil  time.Time
	MaxAttempts int
	Limit       int
}

type OutboxListParams struct {
	TenantID  string
	Status    *domain.OutboxStatus
	EventType string
	Page      int
	PageSize  int
}

// OutboxCursor is a keyset position over (published_at, id).
type OutboxCursor struct {
	PublishedAt time.Time
	ID          string
}

type OutboxRepository interface {
	Insert(ctx context.Context, e *domain.OutboxEvent) (bool, error)
	ClaimDue(ctx context.Context, params OutboxClaimParams) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, attempt int, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error
	FailExpiredClaims(ctx context.Context, now time.Time, maxAttempts int) (int64, error)
	ListPublishedSince(ctx context.Context, since time.Time, after *OutboxCursor, limit int) ([]domain.OutboxEvent, error)
	GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error)
	List(ctx context.Context, params OutboxListParams) ([]domain.OutboxEvent, int64, error)
	Requeue(ctx context.Context, id string, now time.Time) error
	DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type GormOutboxRepo struct {
	db *gorm.DB
}

// NewGormOutboxRepo binds the repository to db, which may be an open transaction.
func NewGormOutboxRepo(db *gorm.DB) *GormOutboxRepo {
	return &GormOutboxRepo{db: db}
}

// Insert reports false when (tenant_id, event_id) already exists. The
// conflict is absorbed by the statement itself, so an enclosing transaction
// stays usable.
func (r *GormOutboxRepo) Insert(ctx context.Context, e *domain.OutboxEvent) (bool, error) {
	result := r.db.WithContext(ctx).Exec(InsertOutboxEventSQL, OutboxInsertArgs(e)...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormOutboxRepo) ClaimDue(ctx context.Context, params OutboxClaimParams) ([]domain.OutboxEvent, error) {
	var models []OutboxEventModel
	err := r.db.WithContext(ctx).
		Raw(claimOutboxEventsSQL, params.LeaseUntil, params.Now, params.Now, params.MaxAttempts, params.Limit).
		Scan(&models).Error
	if err != nil {
		return nil, err
	}

	return outboxModelsToDomain(models)
}

func (r *GormOutboxRepo) MarkPublished(ctx context.Context, id string, attempt int, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND attempts = ? AND status IN ?", id, attempt,
			[]domain.OutboxStatus{domain.OutboxStatusPending, domain.OutboxStatusFailed}).
		Updates(map[string]any{
			"status":       domain.OutboxStatusPublished,
			"published_at": publishedAt,
			"last_error":   nil,
			"updated_at":   publishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormOutboxRepo) MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND attempts = ? AND status IN ?", id, attempt,
			[]domain.OutboxStatus{domain.OutboxStatusPending, domain.OutboxStatusFailed}).
		Updates(map[string]any{
			"status":          domain.OutboxStatusFailed,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
			"updated_at":      gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// FailExpiredClaims moves PENDING rows whose lease ran out on their last
// allowed attempt to FAILED, so they surface as exhausted instead of idling.
func (r *GormOutboxRepo) FailExpiredClaims(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("status = ? AND attempts >= ? AND next_attempt_at <= ?", domain.OutboxStatusPending, maxAttempts, now).
		Updates(map[string]any{
			"status":     domain.OutboxStatusFailed,
			"last_error": gorm.Expr("COALESCE(last_error, ?)", "claim lease expired"),
			"updated_at": now,
		})
	return result.RowsAffected, result.Error
}

func (r *GormOutboxRepo) ListPublishedSince(ctx context.Context, since time.Time, after *OutboxCursor, limit int) ([]domain.OutboxEvent, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND published_at >= ?", domain.OutboxStatusPublished, since)
	if after != nil {
		query = query.Where("(published_at, id) > (?, ?)", after.PublishedAt, after.ID)
	}

	var models []OutboxEventModel
	err := query.
		Order("published_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return outboxModelsToDomain(models)
}

func (r *GormOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	var model OutboxEventModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return outboxModelToDomain(&model)
}

func (r *GormOutboxRepo) List(ctx context.Context, params OutboxListParams) ([]domain.OutboxEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&OutboxEventModel{})

	if params.TenantID != "" {
		query = query.Where("tenant_id = ?", params.TenantID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.EventType != "" {
		query = query.Where("event_type = ?", params.EventType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []OutboxEventModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	events, err := outboxModelsToDomain(models)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *GormOutboxRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND status = ?", id, domain.OutboxStatusFailed).
		Updates(map[string]any{
			"status":          domain.OutboxStatusPending,
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

func (r *GormOutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).Exec(deletePublishedOutboxSQL, cutoff, limit)
	return result.RowsAffected, result.Error
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	return page, min(pageSize, 100)
}
