package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createOutboxEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_outbox_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OutboxEventModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events (next_attempt_at, created_at) WHERE status IN ('PENDING', 'FAILED')`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_published ON outbox_events (published_at, id) WHERE status = 'PUBLISHED'`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_tenant_created ON outbox_events (tenant_id, created_at DESC)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OutboxEventModel{})
		},
	}
}
