package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultAsyncWriteTimeout = 5 * time.Second

// OutboxEventInput is what a producer hands to the outbox.
type OutboxEventInput struct {
	TenantID       string
	EventID        string
	EventType      string
	Payload        json.RawMessage
	CorrelationID  string
	IdempotencyKey *string
	SourceService  string
}

// OutboxWriter records events inside the caller's business transaction.
type OutboxWriter struct {
	db           *gorm.DB
	logger       *zap.Logger
	asyncTimeout time.Duration
	now          func() time.Time
	newID        func() string

	pending sync.WaitGroup
}

// NewOutboxWriter builds a writer. db is only used by PublishAsync, which
// opens its own short transaction.
func NewOutboxWriter(db *gorm.DB, logger *zap.Logger) *OutboxWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxWriter{
		db:           db,
		logger:       logger,
		asyncTimeout: defaultAsyncWriteTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// WriteEvent inserts one outbox row through tx, which must be an open
// transaction. A duplicate (tenantId, eventId) is a no-op. Any other error
// must abort the caller's transaction.
func (w *OutboxWriter) WriteEvent(ctx context.Context, tx *gorm.DB, in OutboxEventInput) error {
	if tx == nil {
		return fmt.Errorf("outbox write requires a transaction")
	}
	if _, ok := tx.Statement.ConnPool.(gorm.TxCommitter); !ok {
		return fmt.Errorf("outbox write requires an open transaction, got a plain connection")
	}

	event, err := buildOutboxEvent(in, w.newID(), w.now().UTC())
	if err != nil {
		return err
	}

	inserted, err := repository.NewGormOutboxRepo(tx).Insert(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	if !inserted {
		requestLogger(ctx, w.logger, event.TenantID, event.CorrelationID).Debug("duplicate outbox event ignored",
			zap.String("eventId", event.EventID),
		)
	}
	return nil
}

// Publish records a standalone event in its own short transaction, for
// producers that have no business write to pair it with.
func (w *OutboxWriter) Publish(ctx context.Context, in OutboxEventInput) error {
	if w.db == nil {
		return fmt.Errorf("outbox writer has no database configured")
	}
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return w.WriteEvent(ctx, tx, in)
	})
}

// PublishAsync records an event outside any business transaction. It never
// reports failure to the caller: every error, including a panic in the write
// path, is logged and dropped.
func (w *OutboxWriter) PublishAsync(ctx context.Context, in OutboxEventInput) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := requestLogger(ctx, w.logger, in.TenantID, in.CorrelationID)

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("async outbox write panicked",
					zap.String("eventId", in.EventID),
					zap.Any("panic", r),
				)
			}
		}()

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.asyncTimeout)
		defer cancel()

		if w.db == nil {
			logger.Warn("async outbox write dropped, no database configured",
				zap.String("eventId", in.EventID),
			)
			return
		}

		if err := w.Publish(writeCtx, in); err != nil {
			logger.Warn("async outbox write failed",
				zap.String("eventId", in.EventID),
				zap.String("eventType", in.EventType),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all PublishAsync writes started so far have finished.
func (w *OutboxWriter) Wait() {
	w.pending.Wait()
}

// SQLOutboxWriter is the outbox entry point for producers on database/sql.
type SQLOutboxWriter struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewSQLOutboxWriter(logger *zap.Logger) *SQLOutboxWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLOutboxWriter{logger: logger, now: time.Now, newID: uuid.NewString}
}

func (w *SQLOutboxWriter) WriteEvent(ctx context.Context, tx *sqlx.Tx, in OutboxEventInput) error {
	if tx == nil {
		return fmt.Errorf("outbox write requires a transaction")
	}

	event, err := buildOutboxEvent(in, w.newID(), w.now().UTC())
	if err != nil {
		return err
	}

	query := sqlx.Rebind(sqlx.DOLLAR, repository.InsertOutboxEventSQL)
	result, err := tx.ExecContext(ctx, query, repository.OutboxInsertArgs(event)...)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		requestLogger(ctx, w.logger, event.TenantID, event.CorrelationID).Debug("duplicate outbox event ignored",
			zap.String("eventId", event.EventID),
		)
	}
	return nil
}

func buildOutboxEvent(in OutboxEventInput, id string, now time.Time) (*domain.OutboxEvent, error) {
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var idempotencyKey *string
	if in.IdempotencyKey != nil && strings.TrimSpace(*in.IdempotencyKey) != "" {
		key := strings.TrimSpace(*in.IdempotencyKey)
		idempotencyKey = &key
	}

	event := &domain.OutboxEvent{
		ID:             id,
		TenantID:       strings.TrimSpace(in.TenantID),
		EventID:        strings.TrimSpace(in.EventID),
		EventType:      strings.TrimSpace(in.EventType),
		Payload:        payload,
		CorrelationID:  strings.TrimSpace(in.CorrelationID),
		IdempotencyKey: idempotencyKey,
		SourceService:  strings.TrimSpace(in.SourceService),
		Status:         domain.OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}
