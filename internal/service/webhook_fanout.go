package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	WebhookFanOutJobName = "fanout"

	defaultFanOutWindow    = 15 * time.Minute
	defaultFanOutBatchSize = 500
)

// EndpointLookup resolves the endpoints subscribed to an event type.
type EndpointLookup interface {
	GetEndpointsForEventType(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error)
}

type WebhookFanOutConfig struct {
	Window    time.Duration
	BatchSize int
}

// WebhookFanOut turns recently published outbox events into one delivery
// per subscribed endpoint. Re-running it over the same window is a no-op.
type WebhookFanOut struct {
	events     repository.OutboxRepository
	endpoints  EndpointLookup
	deliveries repository.DeliveryRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	guard      jobs.Guard
	cfg        WebhookFanOutConfig
	now        func() time.Time
	newID      func() string
}

type subscriptionKey struct {
	tenantID  string
	eventType string
}

func NewWebhookFanOut(
	events repository.OutboxRepository,
	endpoints EndpointLookup,
	deliveries repository.DeliveryRepository,
	cfg WebhookFanOutConfig,
	logger *zap.Logger,
) (*WebhookFanOut, error) {
	if events == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint lookup is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultFanOutWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFanOutBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookFanOut{
		events:     events,
		endpoints:  endpoints,
		deliveries: deliveries,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func (f *WebhookFanOut) SetMetrics(metrics *observability.Metrics) {
	if f == nil {
		return
	}
	f.metrics = metrics
}

func (f *WebhookFanOut) Running() bool {
	return f.guard.Running()
}

// ProcessNow scans the publish window and returns the number of deliveries
// created.
func (f *WebhookFanOut) ProcessNow(ctx context.Context) (int, error) {
	if !f.guard.TryAcquire() {
		return 0, nil
	}
	defer f.guard.Release()

	since := f.now().UTC().Add(-f.cfg.Window)
	subscriptions := make(map[subscriptionKey][]domain.WebhookEndpoint)
	created := 0

	var cursor *repository.OutboxCursor
	for {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		page, err := f.events.ListPublishedSince(ctx, since, cursor, f.cfg.BatchSize)
		if err != nil {
			return created, fmt.Errorf("failed to list published outbox events: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for tenantID, events := range lo.GroupBy(page, func(e domain.OutboxEvent) string { return e.TenantID }) {
			created += f.fanOutTenant(ctx, tenantID, events, subscriptions)
		}

		last := page[len(page)-1]
		if len(page) < f.cfg.BatchSize || last.PublishedAt == nil {
			break
		}
		cursor = &repository.OutboxCursor{PublishedAt: *last.PublishedAt, ID: last.ID}
	}

	if created > 0 {
		f.logger.Debug("webhook deliveries fanned out", zap.Int("created", created))
	}
	return created, nil
}

func (f *WebhookFanOut) fanOutTenant(
	ctx context.Context,
	tenantID string,
	events []domain.OutboxEvent,
	subscriptions map[subscriptionKey][]domain.WebhookEndpoint,
) int {
	created := 0
	for i := range events {
		event := events[i]

		key := subscriptionKey{tenantID: tenantID, eventType: event.EventType}
		endpoints, ok := subscriptions[key]
		if !ok {
			var err error
			endpoints, err = f.endpoints.GetEndpointsForEventType(ctx, tenantID, event.EventType)
			if err != nil {
				f.logger.Warn("failed to resolve endpoints for event",
					zap.String("tenantId", tenantID),
					zap.String("eventType", event.EventType),
					zap.Error(err),
				)
				continue
			}
			subscriptions[key] = endpoints
		}

		for j := range endpoints {
			delivery := domain.NewDelivery(f.newID(), event, endpoints[j], f.now().UTC())
			inserted, err := f.deliveries.CreateIfAbsent(ctx, &delivery)
			if err != nil {
				f.logger.Warn("failed to create webhook delivery",
					zap.String("tenantId", tenantID),
					zap.String("eventId", event.EventID),
					zap.String("endpointId", endpoints[j].ID),
					zap.Error(err),
				)
				continue
			}
			if inserted {
				created++
				f.metrics.AddDeliveriesCreated(event.EventType, 1)
			}
		}
	}
	return created
}
