package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createWebhookEndpointsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_webhook_endpoints",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookEndpointModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_tenant_url ON webhook_endpoints (tenant_id, url) WHERE deleted_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_endpoints_event_types ON webhook_endpoints USING GIN (event_types)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookEndpointModel{})
		},
	}
}
