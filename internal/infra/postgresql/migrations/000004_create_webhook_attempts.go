package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createWebhookAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_webhook_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookAttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE webhook_attempts ADD CONSTRAINT fk_attempts_delivery
					FOREIGN KEY (delivery_id) REFERENCES webhook_deliveries (id) ON DELETE CASCADE`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookAttemptModel{})
		},
	}
}
