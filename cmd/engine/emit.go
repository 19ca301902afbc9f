package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEmitCmd() *cobra.Command {
	var (
		tenantID      string
		eventID       string
		eventType     string
		payload       string
		source        string
		correlationID string
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Write one event to the outbox, e.g. to replay a lost business event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("invalid --payload: must be JSON")
			}
			if eventID == "" {
				eventID = uuid.NewString()
			}

			b, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			db, err := postgresql.SQLX(b.db)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tx, err := db.BeginTxx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}
			defer tx.Rollback() //nolint:errcheck

			writer := service.NewSQLOutboxWriter(b.logger)
			err = writer.WriteEvent(ctx, tx, service.OutboxEventInput{
				TenantID:      tenantID,
				EventID:       eventID,
				EventType:     eventType,
				Payload:       json.RawMessage(payload),
				CorrelationID: correlationID,
				SourceService: source,
			})
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit outbox event: %w", err)
			}

			b.logger.Info("outbox event written",
				zap.String("tenantId", tenantID),
				zap.String("eventId", eventID),
				zap.String("eventType", eventType),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&eventType, "type", "", "Event type (required)")
	cmd.Flags().StringVar(&eventID, "event-id", "", "Event id, generated when empty")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&source, "source", "engine-cli", "Source service name")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
