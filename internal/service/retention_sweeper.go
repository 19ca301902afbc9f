package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	RetentionJobName = "retention"

	defaultOutboxRetention  = 30 * 24 * time.Hour
	defaultAttemptRetention = 14 * 24 * time.Hour
	defaultRetentionBatch   = 1000
)

type RetentionConfig struct {
	OutboxRetention  time.Duration
	AttemptRetention time.Duration
	BatchSize        int
}

// RetentionSweeper removes finished history: delivered deliveries and
// published events past the outbox retention, and attempts past their own.
// Events with an unfinished delivery are kept.
type RetentionSweeper struct {
	events     repository.OutboxRepository
	deliveries repository.DeliveryRepository
	attempts   repository.AttemptRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	guard      jobs.Guard
	cfg        RetentionConfig
	now        func() time.Time
}

func NewRetentionSweeper(
	events repository.OutboxRepository,
	deliveries repository.DeliveryRepository,
	attempts repository.AttemptRepository,
	cfg RetentionConfig,
	logger *zap.Logger,
) (*RetentionSweeper, error) {
	if events == nil || deliveries == nil || attempts == nil {
		return nil, fmt.Errorf("outbox, delivery and attempt repositories are required")
	}
	if cfg.OutboxRetention <= 0 {
		cfg.OutboxRetention = defaultOutboxRetention
	}
	if cfg.AttemptRetention <= 0 {
		cfg.AttemptRetention = defaultAttemptRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRetentionBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		events:     events,
		deliveries: deliveries,
		attempts:   attempts,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

func (s *RetentionSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetentionSweeper) Running() bool {
	return s.guard.Running()
}

// ProcessNow runs one sweep and returns the number of rows deleted.
func (s *RetentionSweeper) ProcessNow(ctx context.Context) (int, error) {
	if !s.guard.TryAcquire() {
		return 0, nil
	}
	defer s.guard.Release()

	now := s.now().UTC()
	outboxCutoff := now.Add(-s.cfg.OutboxRetention)
	attemptCutoff := now.Add(-s.cfg.AttemptRetention)

	attempts, err := s.attempts.DeleteBefore(ctx, attemptCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old attempts: %w", err)
	}
	s.metrics.AddRetentionDeleted("webhook_attempts", attempts)

	deliveries, err := s.deliveries.DeleteDeliveredBefore(ctx, outboxCutoff)
	if err != nil {
		return int(attempts), fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	s.metrics.AddRetentionDeleted("webhook_deliveries", deliveries)

	var events int64
	for {
		if err := ctx.Err(); err != nil {
			return int(attempts + deliveries + events), err
		}
		deleted, err := s.events.DeletePublishedBefore(ctx, outboxCutoff, s.cfg.BatchSize)
		if err != nil {
			return int(attempts + deliveries + events), fmt.Errorf("failed to delete old outbox events: %w", err)
		}
		events += deleted
		if deleted < int64(s.cfg.BatchSize) {
			break
		}
	}
	s.metrics.AddRetentionDeleted("outbox_events", events)

	total := attempts + deliveries + events
	if total > 0 {
		s.logger.Info("retention sweep completed",
			zap.Int64("attempts", attempts),
			zap.Int64("deliveries", deliveries),
			zap.Int64("outboxEvents", events),
		)
	}
	return int(total), nil
}
