package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/bus"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/sender"
)

type fakeOutboxRepo struct {
	insertFn          func(ctx context.Context, e *domain.OutboxEvent) (bool, error)
	claimDueFn        func(ctx context.Context, params repository.OutboxClaimParams) ([]domain.OutboxEvent, error)
	markPublishedFn   func(ctx context.Context, id string, attempt int, publishedAt time.Time) error
	markFailedFn      func(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error
	failExpiredFn     func(ctx context.Context, now time.Time, maxAttempts int) (int64, error)
	listPublishedFn   func(ctx context.Context, since time.Time, after *repository.OutboxCursor, limit int) ([]domain.OutboxEvent, error)
	getByIDFn         func(ctx context.Context, id string) (*domain.OutboxEvent, error)
	listFn            func(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error)
	requeueFn         func(ctx context.Context, id string, now time.Time) error
	deletePublishedFn func(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

func (f *fakeOutboxRepo) Insert(ctx context.Context, e *domain.OutboxEvent) (bool, error) {
	if f.insertFn == nil {
		return true, nil
	}
	return f.insertFn(ctx, e)
}

func (f *fakeOutboxRepo) ClaimDue(ctx context.Context, params repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
	if f.claimDueFn == nil {
		return nil, nil
	}
	return f.claimDueFn(ctx, params)
}

func (f *fakeOutboxRepo) MarkPublished(ctx context.Context, id string, attempt int, publishedAt time.Time) error {
	if f.markPublishedFn == nil {
		return nil
	}
	return f.markPublishedFn(ctx, id, attempt, publishedAt)
}

func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	if f.markFailedFn == nil {
		return nil
	}
	return f.markFailedFn(ctx, id, attempt, nextAttemptAt, lastError)
}

func (f *fakeOutboxRepo) FailExpiredClaims(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	if f.failExpiredFn == nil {
		return 0, nil
	}
	return f.failExpiredFn(ctx, now, maxAttempts)
}

func (f *fakeOutboxRepo) ListPublishedSince(ctx context.Context, since time.Time, after *repository.OutboxCursor, limit int) ([]domain.OutboxEvent, error) {
	if f.listPublishedFn == nil {
		return nil, nil
	}
	return f.listPublishedFn(ctx, since, after, limit)
}

func (f *fakeOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, id)
}

func (f *fakeOutboxRepo) List(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEvent, int64, error) {
	if f.listFn == nil {
		return nil, 0, nil
	}
	return f.listFn(ctx, params)
}

func (f *fakeOutboxRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	if f.requeueFn == nil {
		return nil
	}
	return f.requeueFn(ctx, id, now)
}

func (f *fakeOutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if f.deletePublishedFn == nil {
		return 0, nil
	}
	return f.deletePublishedFn(ctx, cutoff, limit)
}

type fakeDeliveryRepo struct {
	createIfAbsentFn  func(ctx context.Context, d *domain.WebhookDelivery) (bool, error)
	claimDueFn        func(ctx context.Context, params repository.DeliveryClaimParams) ([]domain.WebhookDelivery, error)
	markDeliveredFn   func(ctx context.Context, id string, attempt int, deliveredAt time.Time) error
	markFailedFn      func(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error
	markDeadLetterFn  func(ctx context.Context, id string, attempt int, lastError string) error
	deadLetterExpFn   func(ctx context.Context, now time.Time) (int64, error)
	getByIDFn         func(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error)
	listFn            func(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
	requeueFn         func(ctx context.Context, tenantID, id string, now time.Time) error
	deleteDeliveredFn func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (f *fakeDeliveryRepo) CreateIfAbsent(ctx context.Context, d *domain.WebhookDelivery) (bool, error) {
	if f.createIfAbsentFn == nil {
		return true, nil
	}
	return f.createIfAbsentFn(ctx, d)
}

func (f *fakeDeliveryRepo) ClaimDue(ctx context.Context, params repository.DeliveryClaimParams) ([]domain.WebhookDelivery, error) {
	if f.claimDueFn == nil {
		return nil, nil
	}
	return f.claimDueFn(ctx, params)
}

func (f *fakeDeliveryRepo) MarkDelivered(ctx context.Context, id string, attempt int, deliveredAt time.Time) error {
	if f.markDeliveredFn == nil {
		return nil
	}
	return f.markDeliveredFn(ctx, id, attempt, deliveredAt)
}

func (f *fakeDeliveryRepo) MarkFailed(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	if f.markFailedFn == nil {
		return nil
	}
	return f.markFailedFn(ctx, id, attempt, nextAttemptAt, lastError)
}

func (f *fakeDeliveryRepo) MarkDeadLetter(ctx context.Context, id string, attempt int, lastError string) error {
	if f.markDeadLetterFn == nil {
		return nil
	}
	return f.markDeadLetterFn(ctx, id, attempt, lastError)
}

func (f *fakeDeliveryRepo) DeadLetterExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	if f.deadLetterExpFn == nil {
		return 0, nil
	}
	return f.deadLetterExpFn(ctx, now)
}

func (f *fakeDeliveryRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, tenantID, id)
}

func (f *fakeDeliveryRepo) List(ctx context.Context, params repository.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	if f.listFn == nil {
		return nil, 0, nil
	}
	return f.listFn(ctx, params)
}

func (f *fakeDeliveryRepo) Requeue(ctx context.Context, tenantID, id string, now time.Time) error {
	if f.requeueFn == nil {
		return nil
	}
	return f.requeueFn(ctx, tenantID, id, now)
}

func (f *fakeDeliveryRepo) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.deleteDeliveredFn == nil {
		return 0, nil
	}
	return f.deleteDeliveredFn(ctx, cutoff)
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	created  []domain.WebhookAttempt
	createFn func(ctx context.Context, a *domain.WebhookAttempt) error
	listFn   func(ctx context.Context, deliveryID string) ([]domain.WebhookAttempt, error)
	deleteFn func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.WebhookAttempt) error {
	f.mu.Lock()
	f.created = append(f.created, *a)
	f.mu.Unlock()
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, a)
}

func (f *fakeAttemptRepo) ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.WebhookAttempt, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, deliveryID)
}

func (f *fakeAttemptRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.deleteFn == nil {
		return 0, nil
	}
	return f.deleteFn(ctx, cutoff)
}

// memoryEndpointRepo is a small in-memory EndpointRepository.
type memoryEndpointRepo struct {
	mu        sync.Mutex
	endpoints map[string]domain.WebhookEndpoint
	listErr   error
	createErr error
	updateErr error
}

func newMemoryEndpointRepo(endpoints ...domain.WebhookEndpoint) *memoryEndpointRepo {
	repo := &memoryEndpointRepo{endpoints: make(map[string]domain.WebhookEndpoint)}
	for _, e := range endpoints {
		repo.endpoints[e.ID] = e
	}
	return repo
}

func (r *memoryEndpointRepo) Create(_ context.Context, e *domain.WebhookEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.endpoints {
		if existing.TenantID == e.TenantID && existing.URL == e.URL && existing.DeletedAt == nil {
			return domain.ErrConflict
		}
	}
	r.endpoints[e.ID] = *e
	return nil
}

func (r *memoryEndpointRepo) Update(_ context.Context, e *domain.WebhookEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	existing, ok := r.endpoints[e.ID]
	if !ok || existing.TenantID != e.TenantID || existing.DeletedAt != nil {
		return domain.ErrNotFound
	}
	r.endpoints[e.ID] = *e
	return nil
}

func (r *memoryEndpointRepo) Delete(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.endpoints[id]
	if !ok || existing.TenantID != tenantID || existing.DeletedAt != nil {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	existing.DeletedAt = &now
	r.endpoints[id] = existing
	return nil
}

func (r *memoryEndpointRepo) GetByID(_ context.Context, tenantID, id string) (*domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.endpoints[id]
	if !ok || existing.TenantID != tenantID || existing.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	return &existing, nil
}

func (r *memoryEndpointRepo) GetByIDUnscoped(_ context.Context, id string) (*domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.endpoints[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &existing, nil
}

func (r *memoryEndpointRepo) GetByURL(_ context.Context, tenantID, url string) (*domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.endpoints {
		if existing.TenantID == tenantID && existing.URL == url && existing.DeletedAt == nil {
			e := existing
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memoryEndpointRepo) ListByTenant(_ context.Context, tenantID string, enabledOnly bool) ([]domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.WebhookEndpoint
	for _, e := range r.endpoints {
		if e.TenantID != tenantID || e.DeletedAt != nil || (enabledOnly && !e.Enabled) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryEndpointRepo) ListForEventType(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error) {
	endpoints, err := r.ListByTenant(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}
	var out []domain.WebhookEndpoint
	for _, e := range endpoints {
		if e.Subscribes(eventType) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []bus.Envelope
	publishFn func(ctx context.Context, env bus.Envelope) error
}

func (f *fakePublisher) Publish(ctx context.Context, env bus.Envelope) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, env); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, env)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeSender struct {
	mu       sync.Mutex
	requests []sender.Request
	sendFn   func(ctx context.Context, req sender.Request) (*sender.Response, error)
}

func (f *fakeSender) Send(ctx context.Context, req sender.Request) (*sender.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.sendFn == nil {
		return &sender.Response{StatusCode: 200, Duration: 5 * time.Millisecond}, nil
	}
	return f.sendFn(ctx, req)
}

type fakeSigner struct {
	signFn func(ctx context.Context, payload any, secretRef string, timestamp int64) (string, error)
}

func (f *fakeSigner) Sign(ctx context.Context, payload any, secretRef string, timestamp int64) (string, error) {
	if f.signFn == nil {
		return "sha256=deadbeef", nil
	}
	return f.signFn(ctx, payload, secretRef, timestamp)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn == nil {
		return nil
	}
	return f.waitFn(ctx, key)
}
