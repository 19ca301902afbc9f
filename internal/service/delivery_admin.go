package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

// DeliveryDetail is a delivery together with its attempt history.
type DeliveryDetail struct {
	Delivery domain.WebhookDelivery
	Attempts []domain.WebhookAttempt
}

// DeliveryAdmin serves dead-letter investigation and manual retries.
type DeliveryAdmin struct {
	deliveries repository.DeliveryRepository
	attempts   repository.AttemptRepository
	logger     *zap.Logger
	now        func() time.Time
}

func NewDeliveryAdmin(
	deliveries repository.DeliveryRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*DeliveryAdmin, error) {
	if deliveries == nil || attempts == nil {
		return nil, fmt.Errorf("delivery and attempt repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryAdmin{
		deliveries: deliveries,
		attempts:   attempts,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (a *DeliveryAdmin) List(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	return a.deliveries.List(ctx, params)
}

func (a *DeliveryAdmin) Get(ctx context.Context, tenantID, id string) (*DeliveryDetail, error) {
	delivery, err := a.deliveries.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	attempts, err := a.attempts.ListByDeliveryID(ctx, delivery.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return &DeliveryDetail{Delivery: *delivery, Attempts: attempts}, nil
}

// RetryNow puts a FAILED or DEAD_LETTER delivery back in the queue with a
// fresh attempt budget, due immediately.
func (a *DeliveryAdmin) RetryNow(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error) {
	delivery, err := a.deliveries.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateDeliveryTransition(delivery.Status, domain.DeliveryStatusPending); err != nil {
		return nil, err
	}

	if err := a.deliveries.Requeue(ctx, tenantID, id, a.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: delivery changed state concurrently", domain.ErrConflict)
		}
		return nil, err
	}

	requestLogger(ctx, a.logger, tenantID, delivery.CorrelationID).Info("webhook delivery requeued",
		zap.String("deliveryId", id),
		zap.String("previousStatus", delivery.Status.String()),
	)
	return a.deliveries.GetByID(ctx, tenantID, id)
}
