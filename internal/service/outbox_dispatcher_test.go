package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/bus"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var dispatchNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func claimedEvent(id string, attempts int) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            id,
		TenantID:      "t1",
		EventID:       "evt-" + id,
		EventType:     "payment.paid",
		Payload:       []byte(`{"paymentId":"p1"}`),
		SourceService: "payments",
		Status:        domain.OutboxStatusPending,
		Attempts:      attempts,
		CreatedAt:     dispatchNow.Add(-time.Minute),
	}
}

func newTestOutboxDispatcher(t *testing.T, repo repository.OutboxRepository, pub bus.Publisher, logger *zap.Logger) *OutboxDispatcher {
	t.Helper()

	d, err := NewOutboxDispatcher(repo, pub, OutboxDispatcherConfig{
		BatchSize:          10,
		MaxPublishAttempts: 3,
		ClaimLease:         time.Minute,
		RetryBase:          5 * time.Second,
		RetryCap:           time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("NewOutboxDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return dispatchNow }
	return d
}

func TestNewOutboxDispatcherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewOutboxDispatcher(nil, &fakePublisher{}, OutboxDispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
	if _, err := NewOutboxDispatcher(&fakeOutboxRepo{}, nil, OutboxDispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}

	d, err := NewOutboxDispatcher(&fakeOutboxRepo{}, &fakePublisher{}, OutboxDispatcherConfig{}, nil)
	if err != nil {
		t.Fatalf("NewOutboxDispatcher() error = %v", err)
	}
	if d.cfg.BatchSize != defaultOutboxBatchSize || d.cfg.MaxPublishAttempts != defaultOutboxMaxAttempts {
		t.Fatalf("defaults not applied: %+v", d.cfg)
	}
}

func TestOutboxDispatcherPublishesClaimedEvents(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		published = map[string]int{}
		claimArgs repository.OutboxClaimParams
	)
	repo := &fakeOutboxRepo{
		claimDueFn: func(_ context.Context, params repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			claimArgs = params
			return []domain.OutboxEvent{claimedEvent("o1", 1), claimedEvent("o2", 2)}, nil
		},
		markPublishedFn: func(_ context.Context, id string, attempt int, _ time.Time) error {
			mu.Lock()
			published[id] = attempt
			mu.Unlock()
			return nil
		},
	}
	pub := &fakePublisher{}
	d := newTestOutboxDispatcher(t, repo, pub, zap.NewNop())

	n, err := d.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
	if claimArgs.MaxAttempts != 3 || claimArgs.Limit != 10 {
		t.Fatalf("unexpected claim params: %+v", claimArgs)
	}
	if want := dispatchNow.Add(time.Minute); !claimArgs.LeaseUntil.Equal(want) {
		t.Fatalf("lease until = %v, want %v", claimArgs.LeaseUntil, want)
	}
	if published["o1"] != 1 || published["o2"] != 2 {
		t.Fatalf("MarkPublished must fence on the claimed attempt, got %v", published)
	}
	if len(pub.published) != 2 || pub.published[0].EventID != "evt-o1" {
		t.Fatalf("unexpected envelopes: %+v", pub.published)
	}
}

func TestOutboxDispatcherSchedulesRetryOnPublishFailure(t *testing.T) {
	t.Parallel()

	var (
		failedAttempt int
		nextAttempt   time.Time
		lastError     string
	)
	repo := &fakeOutboxRepo{
		claimDueFn: func(context.Context, repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			return []domain.OutboxEvent{claimedEvent("o1", 2)}, nil
		},
		markPublishedFn: func(context.Context, string, int, time.Time) error {
			t.Fatal("MarkPublished must not be called on failure")
			return nil
		},
		markFailedFn: func(_ context.Context, _ string, attempt int, next time.Time, msg string) error {
			failedAttempt, nextAttempt, lastError = attempt, next, msg
			return nil
		},
	}
	pub := &fakePublisher{publishFn: func(context.Context, bus.Envelope) error {
		return errors.New("broker unavailable")
	}}
	core, logs := observer.New(zapcore.WarnLevel)
	d := newTestOutboxDispatcher(t, repo, pub, zap.New(core))

	n, err := d.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("published = %d, want 0", n)
	}
	if failedAttempt != 2 {
		t.Fatalf("failed attempt = %d, want 2", failedAttempt)
	}
	if want := dispatchNow.Add(10 * time.Second); !nextAttempt.Equal(want) {
		t.Fatalf("next attempt = %v, want %v", nextAttempt, want)
	}
	if lastError != "broker unavailable" {
		t.Fatalf("last error = %q", lastError)
	}
	if logs.FilterMessage("outbox publish failed, will retry").Len() != 1 {
		t.Fatalf("expected retry warning, got %v", logs.All())
	}
}

func TestOutboxDispatcherFlagsExhaustedEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		claimDueFn: func(context.Context, repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			return []domain.OutboxEvent{claimedEvent("o1", 3)}, nil
		},
	}
	pub := &fakePublisher{publishFn: func(context.Context, bus.Envelope) error {
		return errors.New("nack")
	}}
	core, logs := observer.New(zapcore.ErrorLevel)
	d := newTestOutboxDispatcher(t, repo, pub, zap.New(core))

	if _, err := d.ProcessNow(context.Background()); err != nil {
		t.Fatalf("ProcessNow() error = %v", err)
	}

	entries := logs.FilterMessage("outbox event exhausted publish attempts").All()
	if len(entries) != 1 {
		t.Fatalf("expected one exhausted error log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["eventId"]; got != "evt-o1" {
		t.Fatalf("eventId field = %v", got)
	}
}

func TestOutboxDispatcherReportsReapedClaims(t *testing.T) {
	t.Parallel()

	var reapMax int
	repo := &fakeOutboxRepo{
		failExpiredFn: func(_ context.Context, _ time.Time, maxAttempts int) (int64, error) {
			reapMax = maxAttempts
			return 2, nil
		},
	}
	core, logs := observer.New(zapcore.ErrorLevel)
	d := newTestOutboxDispatcher(t, repo, &fakePublisher{}, zap.New(core))

	if _, err := d.ProcessNow(context.Background()); err != nil {
		t.Fatalf("ProcessNow() error = %v", err)
	}
	if reapMax != 3 {
		t.Fatalf("reaper max attempts = %d, want 3", reapMax)
	}
	if logs.FilterMessage("outbox events exhausted publish attempts after lease expiry").Len() != 1 {
		t.Fatalf("expected reaper error log, got %v", logs.All())
	}
}

func TestOutboxDispatcherConflictIsNotCounted(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		claimDueFn: func(context.Context, repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			return []domain.OutboxEvent{claimedEvent("o1", 1)}, nil
		},
		markPublishedFn: func(context.Context, string, int, time.Time) error {
			return domain.ErrConflict
		},
	}
	core, logs := observer.New(zapcore.WarnLevel)
	d := newTestOutboxDispatcher(t, repo, &fakePublisher{}, zap.New(core))

	n, err := d.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("published = %d, want 0", n)
	}
	if logs.FilterMessage("outbox claim superseded before publish was recorded").Len() != 1 {
		t.Fatalf("expected conflict warning, got %v", logs.All())
	}
}

func TestOutboxDispatcherClaimErrorIsReturned(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{
		claimDueFn: func(context.Context, repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			return nil, errors.New("connection reset")
		},
	}
	d := newTestOutboxDispatcher(t, repo, &fakePublisher{}, zap.NewNop())

	if _, err := d.ProcessNow(context.Background()); err == nil {
		t.Fatal("expected claim error")
	}
}

func TestOutboxDispatcherSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	claimed := false
	repo := &fakeOutboxRepo{
		claimDueFn: func(context.Context, repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
			claimed = true
			return nil, nil
		},
	}
	d := newTestOutboxDispatcher(t, repo, &fakePublisher{}, zap.NewNop())

	if !d.guard.TryAcquire() {
		t.Fatal("expected to acquire guard")
	}
	if !d.Running() {
		t.Fatal("expected Running() to report true")
	}

	n, err := d.ProcessNow(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ProcessNow() = %d, %v; want 0, nil", n, err)
	}
	if claimed {
		t.Fatal("ProcessNow must not claim while a pass is running")
	}
	d.guard.Release()
}

// claimingOutboxStore mimics the SKIP LOCKED claim: a row handed to one
// caller is invisible to others until its lease runs out.
type claimingOutboxStore struct {
	fakeOutboxRepo

	mu   sync.Mutex
	rows []*domain.OutboxEvent
}

func (s *claimingOutboxStore) ClaimDue(_ context.Context, params repository.OutboxClaimParams) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OutboxEvent
	for _, row := range s.rows {
		if len(out) == params.Limit {
			break
		}
		if row.Status.IsTerminal() || row.NextAttemptAt.After(params.Now) || row.Attempts >= params.MaxAttempts {
			continue
		}
		row.Attempts++
		row.NextAttemptAt = params.LeaseUntil
		out = append(out, *row)
	}
	return out, nil
}

func (s *claimingOutboxStore) MarkPublished(_ context.Context, id string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.ID != id {
			continue
		}
		if row.Attempts != attempt || row.Status.IsTerminal() {
			return domain.ErrConflict
		}
		row.Status = domain.OutboxStatusPublished
		row.PublishedAt = &at
		return nil
	}
	return domain.ErrNotFound
}

func TestOutboxDispatchersPublishEachEventExactlyOnce(t *testing.T) {
	t.Parallel()

	const events = 200
	store := &claimingOutboxStore{}
	for i := 0; i < events; i++ {
		row := claimedEvent(fmt.Sprintf("o%03d", i), 0)
		row.NextAttemptAt = dispatchNow.Add(-time.Second)
		store.rows = append(store.rows, &row)
	}

	var (
		mu     sync.Mutex
		counts = map[string]int{}
	)
	pub := &fakePublisher{publishFn: func(_ context.Context, env bus.Envelope) error {
		mu.Lock()
		counts[env.EventID]++
		mu.Unlock()
		return nil
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		d := newTestOutboxDispatcher(t, store, pub, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := d.ProcessNow(context.Background())
				if err != nil {
					t.Errorf("ProcessNow() error = %v", err)
					return
				}
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(counts) != events {
		t.Fatalf("published %d distinct events, want %d", len(counts), events)
	}
	for id, count := range counts {
		if count != 1 {
			t.Fatalf("event %s published %d times", id, count)
		}
	}
}
