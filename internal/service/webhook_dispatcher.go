package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/sender"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	WebhookDispatcherJobName = "webhooks"

	defaultWebhookBatchSize   = 50
	defaultWebhookClaimLease  = 5 * time.Minute
	defaultWebhookBackoffCap  = time.Hour
	defaultWebhookConcurrency = 4
)

// PayloadSigner signs a webhook body with the secret behind secretRef.
type PayloadSigner interface {
	Sign(ctx context.Context, payload any, secretRef string, timestamp int64) (string, error)
}

type WebhookDispatcherConfig struct {
	BatchSize   int
	ClaimLease  time.Duration
	BackoffCap  time.Duration
	Concurrency int
}

// WebhookDispatcher claims due deliveries and POSTs them to their endpoints.
type WebhookDispatcher struct {
	deliveries repository.DeliveryRepository
	attempts   repository.AttemptRepository
	events     repository.OutboxRepository
	endpoints  repository.EndpointRepository
	signer     PayloadSigner
	sender     sender.Sender
	limiter    ratelimit.RateLimiter
	logger     *zap.Logger
	metrics    *observability.Metrics
	guard      jobs.Guard
	cfg        WebhookDispatcherConfig
	now        func() time.Time
	newID      func() string
}

func NewWebhookDispatcher(
	deliveries repository.DeliveryRepository,
	attempts repository.AttemptRepository,
	events repository.OutboxRepository,
	endpoints repository.EndpointRepository,
	signer PayloadSigner,
	client sender.Sender,
	limiter ratelimit.RateLimiter,
	cfg WebhookDispatcherConfig,
	logger *zap.Logger,
) (*WebhookDispatcher, error) {
	if deliveries == nil || attempts == nil || events == nil || endpoints == nil {
		return nil, fmt.Errorf("delivery, attempt, outbox and endpoint repositories are required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if client == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultWebhookBatchSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultWebhookClaimLease
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultWebhookBackoffCap
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultWebhookConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookDispatcher{
		deliveries: deliveries,
		attempts:   attempts,
		events:     events,
		endpoints:  endpoints,
		signer:     signer,
		sender:     client,
		limiter:    limiter,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func (d *WebhookDispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *WebhookDispatcher) Running() bool {
	return d.guard.Running()
}

// ProcessNow claims one batch of due deliveries and attempts each of them.
// It returns the number of deliveries attempted, or 0 when a pass is already
// running in this process.
func (d *WebhookDispatcher) ProcessNow(ctx context.Context) (int, error) {
	if !d.guard.TryAcquire() {
		return 0, nil
	}
	defer d.guard.Release()

	now := d.now().UTC()
	if reaped, err := d.deliveries.DeadLetterExpiredClaims(ctx, now); err != nil {
		d.logger.Warn("failed to dead-letter expired delivery claims", zap.Error(err))
	} else if reaped > 0 {
		d.metrics.AddClaimsReaped("delivery", reaped)
		d.logger.Warn("expired delivery claims moved to dead letter", zap.Int64("count", reaped))
	}

	claimed, err := d.deliveries.ClaimDue(ctx, repository.DeliveryClaimParams{
		Now:        now,
		LeaseUntil: now.Add(d.cfg.ClaimLease),
		Limit:      d.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim webhook deliveries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	d.logger.Debug("webhook deliveries claimed", zap.Int("claimed", len(claimed)))

	var attempted atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for i := range claimed {
		if ctx.Err() != nil {
			break
		}
		delivery := claimed[i]
		g.Go(func() error {
			// An in-flight POST is bounded by the endpoint timeout, not by shutdown.
			d.deliver(context.WithoutCancel(ctx), delivery)
			attempted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(attempted.Load()), nil
}

func (d *WebhookDispatcher) deliver(ctx context.Context, delivery domain.WebhookDelivery) {
	logger := d.logger.With(
		zap.String("deliveryId", delivery.ID),
		zap.String("tenantId", delivery.TenantID),
		zap.String("endpointId", delivery.EndpointID),
		zap.Int("attempt", delivery.Attempts),
	)

	event, err := d.events.GetByID(ctx, delivery.OutboxEventID)
	if err != nil {
		d.handleMissingDependency(ctx, logger, delivery, "outbox event", err)
		return
	}
	endpoint, err := d.endpoints.GetByIDUnscoped(ctx, delivery.EndpointID)
	if err != nil {
		d.handleMissingDependency(ctx, logger, delivery, "endpoint", err)
		return
	}

	if err := d.limiter.Wait(ctx, endpoint.ID); err != nil {
		logger.Warn("endpoint rate limiter unavailable, sending anyway", zap.Error(err))
	}

	timestamp := d.now().UTC().Unix()
	payload := domain.NewWebhookPayload(*event, delivery)
	body, err := signing.Canonicalize(payload)
	if err != nil {
		d.finish(ctx, logger, delivery, endpoint, nil, fmt.Errorf("failed to encode payload: %w", err), timestamp)
		return
	}

	signature, err := d.signer.Sign(ctx, body, endpoint.SecretRef, timestamp)
	if err != nil {
		d.finish(ctx, logger, delivery, endpoint, nil, fmt.Errorf("failed to sign payload: %w", err), timestamp)
		return
	}

	req := sender.Request{
		URL:  endpoint.URL,
		Body: body,
		Headers: map[string]string{
			sender.HeaderSignature:     signature,
			sender.HeaderTimestamp:     strconv.FormatInt(timestamp, 10),
			sender.HeaderEvent:         event.EventType,
			sender.HeaderDeliveryID:    delivery.ID,
			sender.HeaderTenantID:      delivery.TenantID,
			sender.HeaderCorrelationID: delivery.CorrelationID,
		},
		Timeout: endpoint.Timeout(),
	}

	d.metrics.IncWebhookInFlight()
	resp, sendErr := d.sender.Send(ctx, req)
	d.metrics.DecWebhookInFlight()

	d.finish(ctx, logger, delivery, endpoint, resp, sendErr, timestamp)
}

// finish records the attempt and moves the delivery to its next state.
func (d *WebhookDispatcher) finish(
	ctx context.Context,
	logger *zap.Logger,
	delivery domain.WebhookDelivery,
	endpoint *domain.WebhookEndpoint,
	resp *sender.Response,
	sendErr error,
	timestamp int64,
) {
	now := d.now().UTC()
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		d.metrics.ObserveWebhookSendDuration(resp.StatusCode, resp.Duration)
	}

	if err := d.attempts.Create(ctx, d.buildAttempt(delivery, resp, sendErr, timestamp, now)); err != nil {
		logger.Error("failed to record webhook attempt", zap.Error(err))
	}

	var markErr error
	switch {
	case sendErr == nil:
		markErr = d.deliveries.MarkDelivered(ctx, delivery.ID, delivery.Attempts, now)
		if markErr == nil {
			d.metrics.IncWebhookOutcome("delivered", "")
			logger.Debug("webhook delivered", zap.Int("statusCode", statusCode))
		}
	case delivery.Attempts >= endpoint.MaxAttempts:
		markErr = d.deliveries.MarkDeadLetter(ctx, delivery.ID, delivery.Attempts, truncateError(sendErr.Error()))
		if markErr == nil {
			d.metrics.IncWebhookOutcome("dead_letter", sender.FailureReason(sendErr))
			logger.Error("webhook delivery dead-lettered",
				zap.Int("maxAttempts", endpoint.MaxAttempts),
				zap.Int("statusCode", statusCode),
				zap.Error(sendErr),
			)
		}
	default:
		nextAttemptAt := now.Add(domain.BackoffDelay(endpoint.BackoffBase(), delivery.Attempts, d.cfg.BackoffCap))
		markErr = d.deliveries.MarkFailed(ctx, delivery.ID, delivery.Attempts, nextAttemptAt, truncateError(sendErr.Error()))
		if markErr == nil {
			d.metrics.IncWebhookOutcome("retry", sender.FailureReason(sendErr))
			logger.Warn("webhook delivery failed, will retry",
				zap.Int("statusCode", statusCode),
				zap.Bool("transient", sender.IsTransient(sendErr)),
				zap.Time("nextAttemptAt", nextAttemptAt),
				zap.Error(sendErr),
			)
		}
	}

	if markErr != nil {
		if errors.Is(markErr, domain.ErrConflict) {
			logger.Warn("delivery claim superseded before outcome was recorded")
			return
		}
		logger.Error("failed to record delivery outcome", zap.Error(markErr))
	}
}

// handleMissingDependency dead-letters a delivery whose event or endpoint is
// gone. Other lookup errors leave the claim to expire and be retried.
func (d *WebhookDispatcher) handleMissingDependency(
	ctx context.Context,
	logger *zap.Logger,
	delivery domain.WebhookDelivery,
	what string,
	err error,
) {
	if !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to load "+what+" for delivery", zap.Error(err))
		return
	}

	reason := what + " not found"
	if markErr := d.deliveries.MarkDeadLetter(ctx, delivery.ID, delivery.Attempts, reason); markErr != nil {
		logger.Error("failed to dead-letter orphaned delivery", zap.Error(markErr))
		return
	}
	d.metrics.IncWebhookOutcome("dead_letter", "orphaned")
	logger.Error("webhook delivery dead-lettered", zap.String("reason", reason))
}

func (d *WebhookDispatcher) buildAttempt(
	delivery domain.WebhookDelivery,
	resp *sender.Response,
	sendErr error,
	timestamp int64,
	now time.Time,
) *domain.WebhookAttempt {
	attempt := &domain.WebhookAttempt{
		ID:               d.newID(),
		TenantID:         delivery.TenantID,
		DeliveryID:       delivery.ID,
		AttemptNumber:    delivery.Attempts,
		RequestTimestamp: time.Unix(timestamp, 0).UTC(),
		CreatedAt:        now,
	}

	if resp != nil {
		if resp.StatusCode > 0 {
			status := resp.StatusCode
			attempt.ResponseStatus = &status
		}
		if resp.Body != "" {
			snippet := domain.TruncateSnippet(resp.Body, domain.MaxResponseSnippetBytes)
			attempt.ResponseBodySnippet = &snippet
		}
		attempt.DurationMs = resp.Duration.Milliseconds()
	}

	if sendErr != nil {
		msg := truncateError(sendErr.Error())
		attempt.ErrorMessage = &msg

		var se *sender.SendError
		if errors.As(sendErr, &se) && se.StatusCode > 0 && attempt.ResponseStatus == nil {
			status := se.StatusCode
			attempt.ResponseStatus = &status
		}
	}

	return attempt
}
