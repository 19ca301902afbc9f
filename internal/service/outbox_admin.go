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

// OutboxAdmin exposes outbox inspection and requeue of exhausted events.
type OutboxAdmin struct {
	events      repository.OutboxRepository
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewOutboxAdmin(events repository.OutboxRepository, maxAttempts int, logger *zap.Logger) (*OutboxAdmin, error) {
	if events == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultOutboxMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxAdmin{events: events, maxAttempts: maxAttempts, logger: logger, now: time.Now}, nil
}

func (a *OutboxAdmin) List(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error) {
	return a.events.List(ctx, params)
}

// Get scopes the lookup to tenantID so one tenant cannot read another's events.
func (a *OutboxAdmin) Get(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
	event, err := a.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return event, nil
}

// Exhausted reports whether event has used its whole publish budget.
func (a *OutboxAdmin) Exhausted(event domain.OutboxEvent) bool {
	return event.Exhausted(a.maxAttempts)
}

// Requeue resets a FAILED event to PENDING with a fresh publish budget.
func (a *OutboxAdmin) Requeue(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
	event, err := a.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateOutboxTransition(event.Status, domain.OutboxStatusPending); err != nil {
		return nil, err
	}

	if err := a.events.Requeue(ctx, id, a.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: outbox event changed state concurrently", domain.ErrConflict)
		}
		return nil, err
	}

	requestLogger(ctx, a.logger, tenantID, event.CorrelationID).Info("outbox event requeued",
		zap.String("outboxId", id),
		zap.Int("previousAttempts", event.Attempts),
	)
	return a.events.GetByID(ctx, id)
}
