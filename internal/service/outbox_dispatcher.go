package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/bus"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	OutboxDispatcherJobName = "outbox"

	defaultOutboxBatchSize   = 100
	defaultOutboxMaxAttempts = 10
	defaultOutboxClaimLease  = 2 * time.Minute
	defaultOutboxRetryBase   = 5 * time.Second
	defaultOutboxRetryCap    = 10 * time.Minute
	maxStoredErrorLength     = 1024
)

type OutboxDispatcherConfig struct {
	BatchSize          int
	MaxPublishAttempts int
	ClaimLease         time.Duration
	RetryBase          time.Duration
	RetryCap           time.Duration
}

// OutboxDispatcher moves claimed outbox events onto the internal bus.
type OutboxDispatcher struct {
	events    repository.OutboxRepository
	publisher bus.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	guard     jobs.Guard
	cfg       OutboxDispatcherConfig
	now       func() time.Time
}

func NewOutboxDispatcher(
	events repository.OutboxRepository,
	publisher bus.Publisher,
	cfg OutboxDispatcherConfig,
	logger *zap.Logger,
) (*OutboxDispatcher, error) {
	if events == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("bus publisher is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultOutboxBatchSize
	}
	if cfg.MaxPublishAttempts <= 0 {
		cfg.MaxPublishAttempts = defaultOutboxMaxAttempts
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultOutboxClaimLease
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultOutboxRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultOutboxRetryCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OutboxDispatcher{
		events:    events,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

func (d *OutboxDispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *OutboxDispatcher) Running() bool {
	return d.guard.Running()
}

// ProcessNow runs one dispatch pass and returns the number of events
// published. It returns 0 without touching the store when a pass is already
// running in this process.
func (d *OutboxDispatcher) ProcessNow(ctx context.Context) (int, error) {
	if !d.guard.TryAcquire() {
		return 0, nil
	}
	defer d.guard.Release()

	now := d.now().UTC()
	d.reapExpired(ctx, now)

	claimed, err := d.events.ClaimDue(ctx, repository.OutboxClaimParams{
		Now:         now,
		LeaseUntil:  now.Add(d.cfg.ClaimLease),
		MaxAttempts: d.cfg.MaxPublishAttempts,
		Limit:       d.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	if len(claimed) > 0 {
		d.logger.Debug("outbox events claimed", zap.Int("claimed", len(claimed)))
	}

	published := 0
	for i := range claimed {
		if ctx.Err() != nil {
			break
		}
		if d.publishOne(ctx, claimed[i]) {
			published++
		}
	}
	return published, nil
}

func (d *OutboxDispatcher) reapExpired(ctx context.Context, now time.Time) {
	reaped, err := d.events.FailExpiredClaims(ctx, now, d.cfg.MaxPublishAttempts)
	if err != nil {
		d.logger.Warn("failed to reap expired outbox claims", zap.Error(err))
		return
	}
	if reaped > 0 {
		d.metrics.AddClaimsReaped("outbox", reaped)
		d.logger.Error("outbox events exhausted publish attempts after lease expiry",
			zap.Int64("count", reaped),
			zap.Int("maxAttempts", d.cfg.MaxPublishAttempts),
		)
	}
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, event domain.OutboxEvent) bool {
	logger := d.logger.With(
		zap.String("outboxId", event.ID),
		zap.String("tenantId", event.TenantID),
		zap.String("eventId", event.EventID),
		zap.String("eventType", event.EventType),
		zap.Int("attempt", event.Attempts),
	)

	publishErr := d.publisher.Publish(ctx, bus.EnvelopeFromEvent(event))
	if publishErr == nil {
		if err := d.events.MarkPublished(ctx, event.ID, event.Attempts, d.now().UTC()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				logger.Warn("outbox claim superseded before publish was recorded")
			} else {
				logger.Error("failed to mark outbox event published", zap.Error(err))
			}
			return false
		}
		d.metrics.IncOutboxPublished(event.EventType)
		return true
	}

	d.metrics.IncOutboxPublishFailed(event.EventType)

	nextAttemptAt := d.now().UTC().Add(domain.BackoffDelay(d.cfg.RetryBase, event.Attempts, d.cfg.RetryCap))
	if err := d.events.MarkFailed(ctx, event.ID, event.Attempts, nextAttemptAt, truncateError(publishErr.Error())); err != nil {
		logger.Error("failed to mark outbox event failed",
			zap.NamedError("publishError", publishErr),
			zap.Error(err),
		)
		return false
	}

	if event.Attempts >= d.cfg.MaxPublishAttempts {
		d.metrics.IncOutboxExhausted(event.EventType)
		logger.Error("outbox event exhausted publish attempts",
			zap.Int("maxAttempts", d.cfg.MaxPublishAttempts),
			zap.Error(publishErr),
		)
		return false
	}

	logger.Warn("outbox publish failed, will retry",
		zap.Time("nextAttemptAt", nextAttemptAt),
		zap.Error(publishErr),
	)
	return false
}

func truncateError(msg string) string {
	return domain.TruncateSnippet(msg, maxStoredErrorLength)
}
