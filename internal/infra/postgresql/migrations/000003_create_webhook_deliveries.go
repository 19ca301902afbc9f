package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createWebhookDeliveriesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_webhook_deliveries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookDeliveryModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE webhook_deliveries ADD CONSTRAINT fk_deliveries_outbox_event
					FOREIGN KEY (outbox_event_id) REFERENCES outbox_events (id) ON DELETE CASCADE`,
				`ALTER TABLE webhook_deliveries ADD CONSTRAINT fk_deliveries_endpoint
					FOREIGN KEY (endpoint_id) REFERENCES webhook_endpoints (id)`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries (next_attempt_at) WHERE status IN ('PENDING', 'FAILED', 'SENDING')`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_tenant_status ON webhook_deliveries (tenant_id, status, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_outbox_event ON webhook_deliveries (outbox_event_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookDeliveryModel{})
		},
	}
}
